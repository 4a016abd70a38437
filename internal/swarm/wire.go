package swarm

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/telewarp/bbsbot/internal/domain"
	"github.com/telewarp/bbsbot/internal/telemetry"
)

// Frame types on the worker uplink. Workers push hello/status/turn/event/
// term/bye; the manager pushes request and the worker answers with a
// response carrying the same correlation id.
const (
	frameHello    = "hello"
	frameStatus   = "status"
	frameTurn     = "turn"
	frameEvent    = "event"
	frameTerm     = "term"
	frameBye      = "bye"
	frameRequest  = "request"
	frameResponse = "response"
)

// Ops the manager may request over the uplink.
const (
	OpStatus  = "status"
	OpStop    = "stop"
	OpHijack  = "hijack"
	OpStep    = "step"
	OpRenew   = "renew"
	OpRelease = "release"
	OpInput   = "input"
	OpScreen  = "screen"
	OpAnalyze = "analyze"
	OpSetGoal = "set_goal"
)

// frame is the envelope for every uplink message.
type frame struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body,omitempty"`
}

func encodeFrame(typ string, body any) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("swarm: encoding %s frame: %w", typ, err)
	}
	payload, err := json.Marshal(frame{Type: typ, Body: raw})
	if err != nil {
		return nil, fmt.Errorf("swarm: encoding %s frame: %w", typ, err)
	}
	return payload, nil
}

func decodeFrame(payload []byte) (frame, error) {
	var f frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return frame{}, fmt.Errorf("swarm: decoding frame: %w", err)
	}
	if f.Type == "" {
		return frame{}, fmt.Errorf("swarm: decoding frame: missing type")
	}
	return f, nil
}

func decodeBody(f frame, into any) error {
	if err := json.Unmarshal(f.Body, into); err != nil {
		return fmt.Errorf("swarm: decoding %s body: %w", f.Type, err)
	}
	return nil
}

// helloBody registers a worker with the manager. Sent once, first.
type helloBody struct {
	BotID     string `json:"bot_id"`
	PID       int    `json:"pid"`
	SessionID string `json:"session_id,omitempty"`
	Account   string `json:"account,omitempty"`
	Version   string `json:"version,omitempty"`
}

// statusBody is a worker's periodic self-report. Everything the status
// snapshot needs rides here so the manager never has to query the game
// state of a remote process.
type statusBody struct {
	BotID          string             `json:"bot_id"`
	State          string             `json:"state"`
	SessionID      string             `json:"session_id,omitempty"`
	Strategy       string             `json:"strategy,omitempty"`
	Phase          string             `json:"phase,omitempty"`
	Goal           string             `json:"goal,omitempty"`
	Sector         int                `json:"sector"`
	Credits        int64              `json:"credits"`
	TurnsUsed      int                `json:"turns_executed"`
	TurnsLeft      int                `json:"turns_left"`
	Trades         int                `json:"trades_executed"`
	Prompt         string             `json:"prompt_id,omitempty"`
	Username       string             `json:"username,omitempty"`
	ShipName       string             `json:"ship_name,omitempty"`
	Fighters       int                `json:"fighters,omitempty"`
	Shields        int                `json:"shields,omitempty"`
	CargoFuelOre   int                `json:"cargo_fuel_ore,omitempty"`
	CargoOrganics  int                `json:"cargo_organics,omitempty"`
	CargoEquipment int                `json:"cargo_equipment,omitempty"`
	Hijacked       bool               `json:"is_hijacked,omitempty"`
	HijackedBy     string             `json:"hijacked_by,omitempty"`
	Err            string             `json:"error,omitempty"`
	Counters       telemetry.Counters `json:"counters"`
	At             time.Time          `json:"at"`
}

// turnBody mirrors one domain.TurnRecord up to the manager so fleet
// rollups can be computed there.
type turnBody struct {
	ID           string  `json:"id"`
	BotID        string  `json:"bot_id"`
	SessionID    string  `json:"session_id,omitempty"`
	Seq          int     `json:"seq"`
	Strategy     string  `json:"strategy,omitempty"`
	Phase        string  `json:"phase,omitempty"`
	Action       string  `json:"action,omitempty"`
	Sector       int     `json:"sector"`
	Credits      int64   `json:"credits"`
	CreditsDelta int64   `json:"credits_delta"`
	Trades       int     `json:"trades"`
	TurnsUsed    int     `json:"turns_used"`
	LLMTokens    int     `json:"llm_tokens,omitempty"`
	LLMCost      float64 `json:"llm_cost,omitempty"`
	PromptRule   string  `json:"prompt_rule,omitempty"`
	DurationMS   int64   `json:"duration_ms"`
	At           string  `json:"at"`
}

func turnToWire(rec domain.TurnRecord) turnBody {
	return turnBody{
		ID:           rec.ID,
		BotID:        rec.BotID,
		SessionID:    rec.SessionID,
		Seq:          rec.Seq,
		Strategy:     rec.Strategy,
		Phase:        rec.Phase,
		Action:       rec.Action,
		Sector:       rec.Sector,
		Credits:      rec.Credits,
		CreditsDelta: rec.CreditsDelta,
		Trades:       rec.Trades,
		TurnsUsed:    rec.TurnsUsed,
		LLMTokens:    rec.LLMTokens,
		LLMCost:      rec.LLMCost,
		PromptRule:   rec.PromptRule,
		DurationMS:   rec.Duration.Milliseconds(),
		At:           rec.At.UTC().Format(time.RFC3339Nano),
	}
}

func turnFromWire(b turnBody) domain.TurnRecord {
	at, _ := time.Parse(time.RFC3339Nano, b.At)
	return domain.TurnRecord{
		ID:           b.ID,
		BotID:        b.BotID,
		SessionID:    b.SessionID,
		Seq:          b.Seq,
		Strategy:     b.Strategy,
		Phase:        b.Phase,
		Action:       b.Action,
		Sector:       b.Sector,
		Credits:      b.Credits,
		CreditsDelta: b.CreditsDelta,
		Trades:       b.Trades,
		TurnsUsed:    b.TurnsUsed,
		LLMTokens:    b.LLMTokens,
		LLMCost:      b.LLMCost,
		PromptRule:   b.PromptRule,
		Duration:     time.Duration(b.DurationMS) * time.Millisecond,
		At:           at,
	}
}

// TermFrame is one full screen snapshot for the spy channel. The worker
// pushes a frame only when the hash changes, so slow dashboards see every
// settled screen without drowning in redraw noise.
type TermFrame struct {
	BotID     string   `json:"bot_id"`
	Seq       uint64   `json:"seq"`
	Hash      uint64   `json:"hash"`
	Lines     []string `json:"lines"`
	CursorRow int      `json:"cursor_row"`
	CursorCol int      `json:"cursor_col"`
	Prompt    string   `json:"prompt_id,omitempty"`
}

// byeBody announces a deliberate worker exit so the manager can label the
// record before the process reaper fires.
type byeBody struct {
	BotID  string `json:"bot_id"`
	Reason string `json:"reason,omitempty"`
	Err    string `json:"error,omitempty"`
}

// requestBody is a manager-initiated operation; the worker replies with a
// responseBody carrying the same id.
type requestBody struct {
	ID     string            `json:"id"`
	Op     string            `json:"op"`
	Params map[string]string `json:"params,omitempty"`
}

type responseBody struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// wireLease is the JSON form of domain.HijackLease in op results.
type wireLease struct {
	BotID    string    `json:"bot_id"`
	Token    string    `json:"token"`
	Owner    string    `json:"owner,omitempty"`
	IssuedAt time.Time `json:"issued_at"`
	Expires  time.Time `json:"expires"`
}

func leaseToWire(l domain.HijackLease) wireLease {
	return wireLease{
		BotID:    l.BotID,
		Token:    l.Token,
		Owner:    l.Owner,
		IssuedAt: l.IssuedAt,
		Expires:  l.Expires,
	}
}

func leaseFromWire(w wireLease) domain.HijackLease {
	return domain.HijackLease{
		BotID:    w.BotID,
		Token:    w.Token,
		Owner:    w.Owner,
		IssuedAt: w.IssuedAt,
		Expires:  w.Expires,
	}
}

// wireScreen is the JSON form of domain.Screen in op results.
type wireScreen struct {
	Lines     []string  `json:"lines"`
	CursorRow int       `json:"cursor_row"`
	CursorCol int       `json:"cursor_col"`
	Hash      uint64    `json:"hash"`
	Seq       uint64    `json:"seq"`
	At        time.Time `json:"at"`
}

func screenToWire(s domain.Screen) wireScreen {
	return wireScreen{
		Lines:     s.Lines,
		CursorRow: s.Cursor.Row,
		CursorCol: s.Cursor.Col,
		Hash:      s.Hash,
		Seq:       s.Seq,
		At:        s.At,
	}
}

func screenFromWire(w wireScreen) domain.Screen {
	return domain.Screen{
		Lines:  w.Lines,
		Cursor: domain.Cursor{Row: w.CursorRow, Col: w.CursorCol},
		Hash:   w.Hash,
		Seq:    w.Seq,
		At:     w.At,
	}
}

// wireUpdate is the JSON form of a hijack step result: the settled
// screen plus the prompt that settled it, if any.
type wireUpdate struct {
	Screen     wireScreen     `json:"screen"`
	Rule       string         `json:"rule,omitempty"`
	Kind       string         `json:"kind,omitempty"`
	Line       string         `json:"line,omitempty"`
	Row        int            `json:"row,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	Validation []string       `json:"validation,omitempty"`
	NewBytes   int            `json:"new_bytes,omitempty"`
	Idle       bool           `json:"idle,omitempty"`
}

func updateToWire(u domain.ScreenUpdate) wireUpdate {
	w := wireUpdate{
		Screen:   screenToWire(u.Screen),
		NewBytes: u.NewBytes,
		Idle:     u.Idle,
	}
	if u.Prompt != nil {
		w.Rule = u.Prompt.Rule
		w.Kind = u.Prompt.Kind
		w.Line = u.Prompt.Line
		w.Row = u.Prompt.Row
		w.Fields = u.Prompt.Fields
		w.Validation = u.Prompt.Validation
	}
	return w
}

func updateFromWire(w wireUpdate) domain.ScreenUpdate {
	u := domain.ScreenUpdate{
		Screen:   screenFromWire(w.Screen),
		NewBytes: w.NewBytes,
		Idle:     w.Idle,
	}
	if w.Rule != "" || w.Kind != "" {
		u.Prompt = &domain.PromptHit{
			Rule:       w.Rule,
			Kind:       w.Kind,
			Line:       w.Line,
			Row:        w.Row,
			Fields:     w.Fields,
			Validation: w.Validation,
			ScreenHash: w.Screen.Hash,
			At:         w.Screen.At,
		}
	}
	return u
}

// wireSpec is the JSON form of domain.BotSpec, shared by the spawn
// environment, the state file, and the spawn HTTP body.
type wireSpec struct {
	ID        string            `json:"id,omitempty"`
	Host      string            `json:"host"`
	Port      int               `json:"port"`
	Game      string            `json:"game,omitempty"`
	Strategy  string            `json:"strategy,omitempty"`
	Goal      string            `json:"goal,omitempty"`
	Account   string            `json:"account,omitempty"`
	RulesFile string            `json:"rules_file,omitempty"`
	MaxTurns  int               `json:"max_turns,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
}

func specToWire(s domain.BotSpec) wireSpec {
	return wireSpec{
		ID:        s.ID,
		Host:      s.Host,
		Port:      s.Port,
		Game:      s.Game,
		Strategy:  s.Strategy,
		Goal:      s.Goal,
		Account:   s.Account,
		RulesFile: s.RulesFile,
		MaxTurns:  s.MaxTurns,
		Params:    s.Params,
	}
}

func specFromWire(w wireSpec) domain.BotSpec {
	return domain.BotSpec{
		ID:        w.ID,
		Host:      w.Host,
		Port:      w.Port,
		Game:      w.Game,
		Strategy:  w.Strategy,
		Goal:      w.Goal,
		Account:   w.Account,
		RulesFile: w.RulesFile,
		MaxTurns:  w.MaxTurns,
		Params:    w.Params,
	}
}

// EncodeSpec renders a BotSpec the way the spawn environment carries it.
func EncodeSpec(s domain.BotSpec) (string, error) {
	raw, err := json.Marshal(specToWire(s))
	if err != nil {
		return "", fmt.Errorf("swarm: encoding spec %s: %w", s.ID, err)
	}
	return string(raw), nil
}

// DecodeSpec parses the spawn-environment form of a BotSpec.
func DecodeSpec(raw string) (domain.BotSpec, error) {
	var w wireSpec
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return domain.BotSpec{}, fmt.Errorf("swarm: decoding spec: %w", err)
	}
	return specFromWire(w), nil
}
