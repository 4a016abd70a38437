package mcptools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// managerClient speaks the swarm manager's HTTP API on behalf of the
// swarm_ tools. Responses are relayed to the agent verbatim so the tool
// surface never lags behind the API's JSON vocabulary.
type managerClient struct {
	base   string
	token  string
	client *http.Client
}

func newManagerClient(base, token string) *managerClient {
	return &managerClient{
		base:   strings.TrimRight(base, "/"),
		token:  token,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// call issues one API request and returns the response body. Non-2xx
// statuses become errors carrying the manager's own error payload.
func (c *managerClient) call(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("manager: marshal payload: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("manager: create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("manager: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("manager: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("manager: %s %s: status %d: %s",
			method, path, resp.StatusCode, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// relay converts an API call into a tool result, passing the manager's
// JSON through untouched.
func relay(body []byte, err error) (*mcp.CallToolResult, error) {
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(body)), nil
}

// --- swarm_ namespace -------------------------------------------------

func (s *Server) registerSwarm() {
	s.add(mcp.NewTool("swarm_status",
		mcp.WithDescription("Swarm overview from the manager: bot table with states, account pool stats, and aggregate telemetry."),
	), s.handleSwarmStatus)

	s.add(mcp.NewTool("swarm_spawn",
		mcp.WithDescription("Spawn one or more bot workers against a BBS host."),
		mcp.WithString("host", mcp.Required(), mcp.Description("BBS host to play on")),
		mcp.WithNumber("port", mcp.DefaultNumber(23)),
		mcp.WithString("strategy", mcp.Description("strategy name, e.g. opportunistic or ai_strategy; empty uses the manager default")),
		mcp.WithString("goal", mcp.Description("initial goal phase: profit, combat, exploration, banking")),
		mcp.WithNumber("count", mcp.DefaultNumber(1), mcp.Description("number of workers to spawn")),
		mcp.WithNumber("max_turns", mcp.DefaultNumber(0)),
	), s.handleSwarmSpawn)

	s.add(mcp.NewTool("swarm_stop",
		mcp.WithDescription("Stop a bot worker. With drain=true the bot finishes its current turn and logs out cleanly first."),
		mcp.WithString("bot_id", mcp.Required()),
		mcp.WithBoolean("drain", mcp.DefaultBool(true)),
	), s.handleSwarmStop)

	s.add(mcp.NewTool("swarm_bot",
		mcp.WithDescription("Detail view of one bot: spec, state, session, restart count, recent interventions."),
		mcp.WithString("bot_id", mcp.Required()),
	), s.handleSwarmBot)

	s.add(mcp.NewTool("swarm_screen",
		mcp.WithDescription("Current terminal snapshot of a running bot."),
		mcp.WithString("bot_id", mcp.Required()),
	), s.handleSwarmScreen)

	s.add(mcp.NewTool("swarm_hijack",
		mcp.WithDescription("Pause a bot's own loop and take manual control. Returns a lease token required by swarm_step and swarm_release; the lease expires if unused."),
		mcp.WithString("bot_id", mcp.Required()),
		mcp.WithString("owner", mcp.DefaultString("mcp"), mcp.Description("who is driving, recorded in the audit trail")),
	), s.handleSwarmHijack)

	s.add(mcp.NewTool("swarm_step",
		mcp.WithDescription("Send one command through an active hijack lease and return the settled screen."),
		mcp.WithString("bot_id", mcp.Required()),
		mcp.WithString("token", mcp.Required(), mcp.Description("lease token from swarm_hijack")),
		mcp.WithString("command", mcp.Required()),
	), s.handleSwarmStep)

	s.add(mcp.NewTool("swarm_release",
		mcp.WithDescription("End a hijack lease and resume the bot's own loop."),
		mcp.WithString("bot_id", mcp.Required()),
		mcp.WithString("token", mcp.Required()),
	), s.handleSwarmRelease)
}

func (s *Server) handleSwarmStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return relay(s.mgr.call(ctx, http.MethodGet, "/api/status", nil))
}

func (s *Server) handleSwarmSpawn(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	host, err := req.RequireString("host")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	payload := map[string]any{
		"host":      host,
		"port":      req.GetInt("port", 23),
		"strategy":  req.GetString("strategy", ""),
		"goal":      req.GetString("goal", ""),
		"count":     req.GetInt("count", 1),
		"max_turns": req.GetInt("max_turns", 0),
	}
	return relay(s.mgr.call(ctx, http.MethodPost, "/api/bots", payload))
}

func (s *Server) handleSwarmStop(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("bot_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	path := "/api/bots/" + id
	if req.GetBool("drain", true) {
		path += "?drain=true"
	}
	return relay(s.mgr.call(ctx, http.MethodDelete, path, nil))
}

func (s *Server) handleSwarmBot(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("bot_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return relay(s.mgr.call(ctx, http.MethodGet, "/api/bots/"+id, nil))
}

func (s *Server) handleSwarmScreen(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("bot_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return relay(s.mgr.call(ctx, http.MethodGet, "/api/bots/"+id+"/screen", nil))
}

func (s *Server) handleSwarmHijack(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("bot_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	payload := map[string]any{"owner": req.GetString("owner", "mcp")}
	return relay(s.mgr.call(ctx, http.MethodPost, "/api/bots/"+id+"/hijack", payload))
}

func (s *Server) handleSwarmStep(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("bot_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	token, err := req.RequireString("token")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	command, err := req.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	payload := map[string]any{"token": token, "command": command}
	return relay(s.mgr.call(ctx, http.MethodPost, "/api/bots/"+id+"/step", payload))
}

func (s *Server) handleSwarmRelease(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("bot_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	token, err := req.RequireString("token")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	payload := map[string]any{"token": token}
	return relay(s.mgr.call(ctx, http.MethodPost, "/api/bots/"+id+"/release", payload))
}
