package swarm

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/telewarp/bbsbot/internal/domain"
)

// Environment carried from manager to worker. The spec and control-plane
// coordinates are not secret but ride the environment anyway so the
// whole contract lives in one place; the account password must never
// appear in argv, where any ps(1) would read it.
const (
	EnvBotID       = "BBSBOT_BOT_ID"
	EnvSpec        = "BBSBOT_SPEC"
	EnvManagerURL  = "BBSBOT_MANAGER_URL"
	EnvUplinkToken = "BBSBOT_UPLINK_TOKEN"
	EnvAccountName = "BBSBOT_ACCOUNT_NAME"
	EnvAccountUser = "BBSBOT_ACCOUNT_USERNAME"
	EnvAccountPass = "BBSBOT_ACCOUNT_PASSWORD"
	EnvAccountHost = "BBSBOT_ACCOUNT_HOST"
)

// LaunchSpec is everything one worker process needs to come up.
type LaunchSpec struct {
	BotID      string
	Spec       domain.BotSpec
	Account    domain.Account
	ManagerURL string
	Token      string
	LogPath    string // worker stdout+stderr, "" discards
}

// Proc is a handle on a spawned worker process.
type Proc interface {
	PID() int
	// Wait blocks until the process exits. Non-zero exits come back as
	// *exec.ExitError.
	Wait() error
	Kill() error
}

// Launcher starts worker processes. The manager uses the exec launcher;
// tests substitute a fake.
type Launcher interface {
	Start(ctx context.Context, spec LaunchSpec) (Proc, error)
}

// ExecLauncher re-executes the current binary as
// `tw2002 bot --spawned`, with the spec and credentials in the
// environment.
type ExecLauncher struct {
	Bin  string   // defaults to os.Executable()
	Args []string // defaults to {"tw2002", "bot", "--spawned"}
}

// NewExecLauncher resolves the running binary.
func NewExecLauncher() (*ExecLauncher, error) {
	bin, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("swarm: resolving executable: %w", err)
	}
	return &ExecLauncher{Bin: bin}, nil
}

// Start spawns one worker.
func (l *ExecLauncher) Start(ctx context.Context, spec LaunchSpec) (Proc, error) {
	specJSON, err := EncodeSpec(spec.Spec)
	if err != nil {
		return nil, err
	}

	args := l.Args
	if args == nil {
		args = []string{"tw2002", "bot", "--spawned"}
	}
	cmd := exec.Command(l.Bin, args...)
	cmd.Env = append(os.Environ(),
		EnvBotID+"="+spec.BotID,
		EnvSpec+"="+specJSON,
		EnvManagerURL+"="+spec.ManagerURL,
		EnvUplinkToken+"="+spec.Token,
		EnvAccountName+"="+spec.Account.Name,
		EnvAccountUser+"="+spec.Account.Username,
		EnvAccountPass+"="+spec.Account.Password,
		EnvAccountHost+"="+spec.Account.Host,
	)

	var logf *os.File
	if spec.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(spec.LogPath), 0o755); err != nil {
			return nil, fmt.Errorf("swarm: log dir for %s: %w", spec.BotID, err)
		}
		logf, err = os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("swarm: opening log for %s: %w", spec.BotID, err)
		}
		cmd.Stdout = logf
		cmd.Stderr = logf
	}

	if err := cmd.Start(); err != nil {
		if logf != nil {
			logf.Close()
		}
		return nil, fmt.Errorf("swarm: spawning %s: %w", spec.BotID, err)
	}
	return &execProc{cmd: cmd, log: logf}, nil
}

type execProc struct {
	cmd *exec.Cmd
	log *os.File
}

func (p *execProc) PID() int { return p.cmd.Process.Pid }

func (p *execProc) Wait() error {
	err := p.cmd.Wait()
	if p.log != nil {
		p.log.Close()
	}
	return err
}

func (p *execProc) Kill() error {
	return p.cmd.Process.Kill()
}

// exitCode extracts the process exit code from a Wait error: 0 on nil,
// -1 when the process never ran or was killed by a signal.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ec interface{ ExitCode() int }
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	return -1
}

// WorkerEnv is the parsed spawn environment, read by the worker side of
// the uplink at process start.
type WorkerEnv struct {
	BotID      string
	Spec       domain.BotSpec
	Account    domain.Account
	ManagerURL string
	Token      string
}

// ReadWorkerEnv reports whether this process was spawned by a manager
// and, if so, the contract it was handed.
func ReadWorkerEnv() (WorkerEnv, bool, error) {
	id := os.Getenv(EnvBotID)
	if id == "" {
		return WorkerEnv{}, false, nil
	}

	env := WorkerEnv{
		BotID:      id,
		ManagerURL: os.Getenv(EnvManagerURL),
		Token:      os.Getenv(EnvUplinkToken),
		Account: domain.Account{
			Name:     os.Getenv(EnvAccountName),
			Username: os.Getenv(EnvAccountUser),
			Password: os.Getenv(EnvAccountPass),
			Host:     os.Getenv(EnvAccountHost),
		},
	}
	if raw := os.Getenv(EnvSpec); raw != "" {
		spec, err := DecodeSpec(raw)
		if err != nil {
			return WorkerEnv{}, true, err
		}
		env.Spec = spec
	}
	if env.Spec.ID == "" {
		env.Spec.ID = id
	}
	return env, true, nil
}

// restartBackoff returns the wait before restart attempt n (1-based):
// base doubled per attempt with jitter, capped.
func restartBackoff(n int, base, max time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	shift := n - 1
	if shift > 16 {
		shift = 16
	}
	delay := base << shift
	delay += time.Duration(rand.Int63n(int64(base)))
	if delay > max {
		delay = max
	}
	return delay
}
