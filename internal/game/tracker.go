// Package game maintains the bot's incremental model of a Trade Wars 2002
// universe: player sheet, ship state, sector graph, and port directory,
// all fed from classified screens. Writes go through Apply; every read
// returns copies so callers never alias tracker internals.
package game

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/telewarp/bbsbot/internal/domain"
)

// View is the read-only surface strategies and intervention detectors
// consume. *Tracker implements it.
type View interface {
	Player() domain.Player
	Ship() domain.Ship
	CurrentSector() int
	Sector(id int) (domain.SectorInfo, bool)
	Port(sector int) (domain.Port, bool)
	Ports() []domain.Port
	KnownSectors() []int
	Route(from, to int) []int
	Desync() (bool, string)
	TurnsUsed() int
	LastCombat() time.Time
	Applied() int64
}

// Tracker is the mutable game model behind View.
type Tracker struct {
	mu sync.RWMutex

	player  domain.Player
	ship    domain.Ship
	sector  int
	sectors map[int]*domain.SectorInfo
	ports   map[int]*domain.Port

	// expected is the sector a pending move should land in, 0 when no
	// move is in flight.
	expected     int
	desync       bool
	desyncReason string

	firstTurns int
	turnsSeen  bool
	lastCombat time.Time
	applied    int64

	logger *slog.Logger
}

var _ View = (*Tracker)(nil)

// NewTracker returns an empty model.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		sectors: make(map[int]*domain.SectorInfo),
		ports:   make(map[int]*domain.Port),
		logger:  logger.With(slog.String("component", "game_tracker")),
	}
}

// ExpectMove arms the desync check: the next sector-bearing screen must
// report the given sector.
func (t *Tracker) ExpectMove(to int) {
	t.mu.Lock()
	t.expected = to
	t.mu.Unlock()
}

// ClearDesync drops the desync flag and any pending move expectation,
// used after a forced state resync.
func (t *Tracker) ClearDesync() {
	t.mu.Lock()
	t.desync = false
	t.desyncReason = ""
	t.expected = 0
	t.mu.Unlock()
}

// Apply folds one classified screen into the model. Unknown rules are
// ignored. A sector header that contradicts a pending move expectation
// flags the model as desynced and returns ErrStateDesync; the update is
// still applied so the model follows the real game, not the plan.
func (t *Tracker) Apply(hit *domain.PromptHit) error {
	if hit == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.applied++

	var desyncErr error
	switch hit.Rule {
	case "sector_display":
		desyncErr = t.applySector(hit)
	case "command_prompt", "computer_prompt":
		desyncErr = t.applyPrompt(hit)
	case "info_display":
		desyncErr = t.applyInfo(hit)
	case "port_report":
		t.applyPortReport(hit)
	case "trade_done":
		t.applyTradeDone(hit)
	case "combat_alert":
		t.lastCombat = time.Now()
	}
	return desyncErr
}

// arrive moves the model to sector id, checking any armed expectation.
// Caller holds t.mu.
func (t *Tracker) arrive(id int) error {
	prev := t.sector
	t.sector = id

	if t.expected != 0 && id != t.expected {
		want := t.expected
		t.desync = true
		t.desyncReason = fmt.Sprintf("expected sector %d, screen shows %d", want, id)
		t.expected = 0
		t.logger.Warn("state desync",
			slog.Int("expected", want),
			slog.Int("got", id),
			slog.Int("prev", prev))
		return fmt.Errorf("game: arrive %d: %w", id, domain.ErrStateDesync)
	}
	if t.expected == id {
		t.expected = 0
	}
	return nil
}

func (t *Tracker) applySector(hit *domain.PromptHit) error {
	id, ok := fInt(hit.Fields, "sector")
	if !ok {
		return nil
	}
	err := t.arrive(id)

	info := t.sectors[id]
	if info == nil {
		info = &domain.SectorInfo{ID: id}
		t.sectors[id] = info
	}
	if warps, ok := fInts(hit.Fields, "warps"); ok {
		info.Warps = append(info.Warps[:0], warps...)
	}
	if name, ok := fStr(hit.Fields, "port_name"); ok {
		info.HasPort = true
		info.PortName = name
		p := t.ports[id]
		if p == nil {
			p = &domain.Port{Sector: id}
			t.ports[id] = p
		}
		p.Name = name
		if class, ok := fInt(hit.Fields, "port_class"); ok {
			p.Class = domain.PortClass(class)
		}
		p.LastSeen = time.Now()
	}
	info.LastSeen = time.Now()
	return err
}

func (t *Tracker) applyPrompt(hit *domain.PromptHit) error {
	id, ok := fInt(hit.Fields, "sector")
	if !ok {
		return nil
	}
	err := t.arrive(id)
	if _, seen := t.sectors[id]; !seen {
		t.sectors[id] = &domain.SectorInfo{ID: id, LastSeen: time.Now()}
	}
	return err
}

func (t *Tracker) applyInfo(hit *domain.PromptHit) error {
	var err error
	if id, ok := fInt(hit.Fields, "sector"); ok {
		err = t.arrive(id)
	}
	if v, ok := fStr(hit.Fields, "trader"); ok {
		t.player.Name = v
	}
	if v, ok := fInt64(hit.Fields, "credits"); ok {
		t.player.Credits = v
	}
	if v, ok := fInt(hit.Fields, "turns"); ok {
		t.player.TurnsLeft = v
		if !t.turnsSeen {
			t.firstTurns = v
			t.turnsSeen = true
		}
	}
	if v, ok := fInt(hit.Fields, "exp"); ok {
		t.player.Experience = v
	}
	if v, ok := fInt(hit.Fields, "align"); ok {
		t.player.Alignment = v
	}
	if v, ok := fStr(hit.Fields, "corp"); ok {
		t.player.Corp = v
	}
	if v, ok := fStr(hit.Fields, "ship_name"); ok {
		t.ship.Name = v
	}
	if v, ok := fInt(hit.Fields, "holds_total"); ok {
		t.ship.Holds = v
	}
	if v, ok := fInt(hit.Fields, "holds_empty"); ok && t.ship.Holds > 0 {
		t.ship.HoldsUsed = t.ship.Holds - v
	}
	if v, ok := fInt(hit.Fields, "fighters"); ok {
		t.ship.Fighters = v
	}
	if v, ok := fInt(hit.Fields, "shields"); ok {
		t.ship.Shields = v
	}
	return err
}

// applyPortReport folds a commerce report into the port docked at the
// current sector. The Buying/Selling column is the class code, so an
// unknown class becomes known here.
func (t *Tracker) applyPortReport(hit *domain.PromptHit) {
	if t.sector == 0 {
		return
	}
	p := t.ports[t.sector]
	if p == nil {
		p = &domain.Port{Sector: t.sector}
		t.ports[t.sector] = p
	}
	if name, ok := fStr(hit.Fields, "port"); ok {
		p.Name = name
	}
	if p.Amounts == nil {
		p.Amounts = make(map[domain.Commodity]int, 3)
	}
	if p.Percents == nil {
		p.Percents = make(map[domain.Commodity]int, 3)
	}

	code := make([]byte, 0, 3)
	for _, c := range []struct {
		good   domain.Commodity
		prefix string
	}{
		{domain.FuelOre, "ore"},
		{domain.Organics, "org"},
		{domain.Equipment, "equ"},
	} {
		if v, ok := fInt(hit.Fields, c.prefix+"_amt"); ok {
			p.Amounts[c.good] = v
		}
		if v, ok := fInt(hit.Fields, c.prefix+"_pct"); ok {
			p.Percents[c.good] = v
		}
		switch s, _ := fStr(hit.Fields, c.prefix+"_status"); s {
		case "Buying":
			code = append(code, 'B')
		case "Selling":
			code = append(code, 'S')
		}
	}
	if len(code) == 3 {
		if class := domain.ClassFromCode(string(code)); class != 0 {
			p.Class = class
		}
	}
	p.LastSeen = time.Now()

	if info := t.sectors[t.sector]; info != nil {
		info.HasPort = true
		if info.PortName == "" {
			info.PortName = p.Name
		}
	}
}

func (t *Tracker) applyTradeDone(hit *domain.PromptHit) {
	if v, ok := fInt64(hit.Fields, "credits"); ok {
		t.player.Credits = v
	}
	if v, ok := fInt(hit.Fields, "holds"); ok && t.ship.Holds > 0 {
		t.ship.HoldsUsed = t.ship.Holds - v
	}
}

// Player returns a copy of the character sheet.
func (t *Tracker) Player() domain.Player {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.player
}

// Ship returns a copy of the ship state including cargo.
func (t *Tracker) Ship() domain.Ship {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := t.ship
	if t.ship.Cargo != nil {
		s.Cargo = make(map[domain.Commodity]int, len(t.ship.Cargo))
		for k, v := range t.ship.Cargo {
			s.Cargo[k] = v
		}
	}
	return s
}

// SetCargo records a cargo change the trade loop knows about but no
// screen reports directly.
func (t *Tracker) SetCargo(good domain.Commodity, units int) {
	t.mu.Lock()
	if t.ship.Cargo == nil {
		t.ship.Cargo = make(map[domain.Commodity]int, 3)
	}
	t.ship.Cargo[good] = units
	t.mu.Unlock()
}

// CurrentSector returns the sector the model believes the ship is in,
// 0 before the first sector-bearing screen.
func (t *Tracker) CurrentSector() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sector
}

// Sector returns a copy of the last-seen state of one sector.
func (t *Tracker) Sector(id int) (domain.SectorInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	info := t.sectors[id]
	if info == nil {
		return domain.SectorInfo{}, false
	}
	out := *info
	out.Warps = append([]int(nil), info.Warps...)
	out.Planets = append([]string(nil), info.Planets...)
	return out, true
}

// Port returns a copy of the port docked in the given sector.
func (t *Tracker) Port(sector int) (domain.Port, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p := t.ports[sector]
	if p == nil {
		return domain.Port{}, false
	}
	return copyPort(p), true
}

// Ports returns copies of every known port. The slice is safe to mutate.
func (t *Tracker) Ports() []domain.Port {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]domain.Port, 0, len(t.ports))
	for _, p := range t.ports {
		out = append(out, copyPort(p))
	}
	return out
}

// KnownSectors returns the ids of every sector the model has seen.
func (t *Tracker) KnownSectors() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]int, 0, len(t.sectors))
	for id := range t.sectors {
		out = append(out, id)
	}
	return out
}

// Route returns the shortest known path from one sector to another as a
// sector list starting with from and ending with to, nil when no path is
// known. Unexplored warps are dead ends until seen.
func (t *Tracker) Route(from, to int) []int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if from == to {
		return []int{from}
	}
	if t.sectors[from] == nil {
		return nil
	}

	prev := map[int]int{from: 0}
	queue := []int{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		info := t.sectors[cur]
		if info == nil {
			continue
		}
		for _, w := range info.Warps {
			if _, seen := prev[w]; seen {
				continue
			}
			prev[w] = cur
			if w == to {
				return unwind(prev, from, to)
			}
			queue = append(queue, w)
		}
	}
	return nil
}

func unwind(prev map[int]int, from, to int) []int {
	var back []int
	for cur := to; cur != 0; cur = prev[cur] {
		back = append(back, cur)
		if cur == from {
			break
		}
	}
	out := make([]int, 0, len(back))
	for i := len(back) - 1; i >= 0; i-- {
		out = append(out, back[i])
	}
	return out
}

// Desync reports whether the model has diverged from the screen, with
// the reason recorded at detection time.
func (t *Tracker) Desync() (bool, string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.desync, t.desyncReason
}

// TurnsUsed returns turns consumed since the first info screen, 0 until
// turns have been observed twice.
func (t *Tracker) TurnsUsed() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.turnsSeen {
		return 0
	}
	n := t.firstTurns - t.player.TurnsLeft
	if n < 0 {
		return 0
	}
	return n
}

// LastCombat returns when a combat alert last appeared, zero if never.
func (t *Tracker) LastCombat() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastCombat
}

// Applied returns how many screens have been folded in.
func (t *Tracker) Applied() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.applied
}

func copyPort(p *domain.Port) domain.Port {
	out := *p
	if p.Amounts != nil {
		out.Amounts = make(map[domain.Commodity]int, len(p.Amounts))
		for k, v := range p.Amounts {
			out.Amounts[k] = v
		}
	}
	if p.Percents != nil {
		out.Percents = make(map[domain.Commodity]int, len(p.Percents))
		for k, v := range p.Percents {
			out.Percents[k] = v
		}
	}
	return out
}

// field coercion helpers; extraction hands back typed values but screens
// lie sometimes, so every read is checked.

func fInt(fields map[string]any, key string) (int, bool) {
	switch v := fields[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

func fInt64(fields map[string]any, key string) (int64, bool) {
	switch v := fields[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}

func fStr(fields map[string]any, key string) (string, bool) {
	v, ok := fields[key].(string)
	return v, ok && v != ""
}

func fInts(fields map[string]any, key string) ([]int, bool) {
	v, ok := fields[key].([]int)
	return v, ok
}
