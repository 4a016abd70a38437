// Package accounts dispenses BBS logins to bots: one live lease per
// account, cooldowns driven by release dispositions, sticky identity so
// a respawned bot gets its old character back, and an AES-256-GCM vault
// for credentials at rest.
package accounts

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telewarp/bbsbot/internal/domain"
)

// Source records where an account came from, for the dashboard.
type Source string

const (
	SourceConfig    Source = "config"
	SourceVault     Source = "vault"
	SourceGenerated Source = "generated"
)

// Identity is the in-game character bound to an account. The pair stays
// stable for the account's lifetime in the pool.
type Identity struct {
	Trader string `json:"trader"`
	Ship   string `json:"ship"`
}

// Constraints narrow which accounts a lease may pick.
type Constraints struct {
	Host string   // "" matches any
	Tags []string // every tag must be present on the account
}

// Config holds the pool policy.
type Config struct {
	SoftFailCooldown time.Duration
	AuthFailCooldown time.Duration
	LeaseDuration    time.Duration
	AllowGenerate    bool
	GenerateHost     string
	MaxGenerated     int
}

// DefaultConfig returns the stock policy.
func DefaultConfig() Config {
	return Config{
		SoftFailCooldown: 15 * time.Minute,
		AuthFailCooldown: 2 * time.Hour,
		LeaseDuration:    8 * time.Hour,
		MaxGenerated:     20,
	}
}

// Status is one account's redacted state for listings.
type Status struct {
	Name          string    `json:"name"`
	Source        Source    `json:"source"`
	State         string    `json:"state"` // available, leased, cooldown
	LeasedBy      string    `json:"leased_by,omitempty"`
	CooldownUntil time.Time `json:"cooldown_until"`
	Identity      Identity  `json:"identity"`
	Host          string    `json:"host,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
	AuthFails     int       `json:"auth_fails,omitempty"`
}

// Stats summarizes the pool for telemetry.
type Stats struct {
	Total     int            `json:"total"`
	Leased    int            `json:"leased"`
	Available int            `json:"available"`
	Cooling   int            `json:"cooling"`
	BySource  map[Source]int `json:"by_source"`
}

type entry struct {
	acct          domain.Account
	source        Source
	identity      Identity
	lease         *domain.AccountLease
	cooldownUntil time.Time
	lastBot       string
	authFails     int
}

// Pool is the account dispenser. All methods are safe for concurrent use.
type Pool struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	entries   map[string]*entry
	order     []string // insertion order keeps scans deterministic
	byToken   map[string]*entry
	generated int

	now func() time.Time
	rng *mrand.Rand
}

// NewPool builds an empty pool.
func NewPool(cfg Config, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.SoftFailCooldown <= 0 {
		cfg.SoftFailCooldown = def.SoftFailCooldown
	}
	if cfg.AuthFailCooldown <= 0 {
		cfg.AuthFailCooldown = def.AuthFailCooldown
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = def.LeaseDuration
	}
	if cfg.MaxGenerated <= 0 {
		cfg.MaxGenerated = def.MaxGenerated
	}
	return &Pool{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "account_pool")),
		entries: make(map[string]*entry),
		byToken: make(map[string]*entry),
		now:     time.Now,
		rng:     mrand.New(mrand.NewSource(time.Now().UnixNano())),
	}
}

// Add registers accounts, skipping unnamed or duplicate entries. It
// returns how many were accepted.
func (p *Pool) Add(source Source, accts ...domain.Account) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	added := 0
	for _, a := range accts {
		if a.Name == "" {
			continue
		}
		if _, dup := p.entries[a.Name]; dup {
			continue
		}
		p.entries[a.Name] = &entry{
			acct:     a,
			source:   source,
			identity: p.mintIdentity(),
		}
		p.order = append(p.order, a.Name)
		added++
	}
	if added > 0 {
		p.logger.Info("accounts added", slog.String("source", string(source)), slog.Int("count", added))
	}
	return added
}

// LoadVaultFile decrypts a vault and adds its accounts.
func (p *Pool) LoadVaultFile(path, passphrase string) (int, error) {
	accts, err := LoadVault(path, passphrase)
	if err != nil {
		return 0, err
	}
	return p.Add(SourceVault, accts...), nil
}

// Lease hands out an account for botID. A bot that held an account
// before gets the same one back when it is free; an account leased to
// another live bot is never reassigned. With generation enabled an
// exhausted pool mints a fresh account instead of failing.
func (p *Pool) Lease(ctx context.Context, botID string, c Constraints) (domain.AccountLease, error) {
	if err := ctx.Err(); err != nil {
		return domain.AccountLease{}, fmt.Errorf("accounts: lease: %w", err)
	}

	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reapLocked(now)

	pick := p.pickLocked(botID, c, now)
	if pick == nil && p.cfg.AllowGenerate && p.generated < p.cfg.MaxGenerated {
		pick = p.generateLocked()
	}
	if pick == nil {
		cooling, earliest := p.coolingLocked(c, now)
		if cooling > 0 {
			return domain.AccountLease{}, fmt.Errorf("accounts: %d matching accounts cooling until %s: %w",
				cooling, earliest.Format(time.RFC3339), domain.ErrAccountCooldown)
		}
		return domain.AccountLease{}, fmt.Errorf("accounts: no account for bot %s: %w", botID, domain.ErrAccountExhausted)
	}

	lease := domain.AccountLease{
		Account:   pick.acct,
		Token:     uuid.NewString(),
		BotID:     botID,
		LeasedAt:  now,
		ExpiresAt: now.Add(p.cfg.LeaseDuration),
	}
	pick.lease = &lease
	p.byToken[lease.Token] = pick

	p.logger.Info("account leased",
		slog.String("account", pick.acct.Name),
		slog.String("bot_id", botID),
		slog.String("source", string(pick.source)))
	return lease, nil
}

// pickLocked scans sticky first, then untouched accounts, then any free
// one. Caller holds mu.
func (p *Pool) pickLocked(botID string, c Constraints, now time.Time) *entry {
	var virgin, anyFree *entry
	for _, name := range p.order {
		e := p.entries[name]
		if e.lease != nil || now.Before(e.cooldownUntil) || !matches(e, c) {
			continue
		}
		if e.lastBot == botID && botID != "" {
			return e
		}
		if e.lastBot == "" && virgin == nil {
			virgin = e
		}
		if anyFree == nil {
			anyFree = e
		}
	}
	if virgin != nil {
		return virgin
	}
	return anyFree
}

func (p *Pool) coolingLocked(c Constraints, now time.Time) (int, time.Time) {
	n := 0
	var earliest time.Time
	for _, e := range p.entries {
		if e.lease == nil && now.Before(e.cooldownUntil) && matches(e, c) {
			n++
			if earliest.IsZero() || e.cooldownUntil.Before(earliest) {
				earliest = e.cooldownUntil
			}
		}
	}
	return n, earliest
}

func matches(e *entry, c Constraints) bool {
	if c.Host != "" && e.acct.Host != "" && e.acct.Host != c.Host {
		return false
	}
	for _, want := range c.Tags {
		found := false
		for _, have := range e.acct.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Release returns a leased account. The disposition drives the cooldown:
// ok frees immediately, soft_fail rests the account briefly, auth_fail
// parks it for the long cooldown.
func (p *Pool) Release(token string, d domain.Disposition) error {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.byToken[token]
	if e == nil {
		return fmt.Errorf("accounts: release %s: %w", token, domain.ErrNotFound)
	}
	delete(p.byToken, token)
	e.lastBot = e.lease.BotID
	e.lease = nil

	var cooldown time.Duration
	switch d {
	case domain.DispositionSoftFail:
		cooldown = p.cfg.SoftFailCooldown
	case domain.DispositionAuthFail:
		cooldown = p.cfg.AuthFailCooldown
		e.authFails++
	default:
		e.authFails = 0
	}
	if cooldown > 0 {
		e.cooldownUntil = now.Add(cooldown)
	}

	p.logger.Info("account released",
		slog.String("account", e.acct.Name),
		slog.String("disposition", string(d)),
		slog.Duration("cooldown", cooldown))
	return nil
}

// ActiveLease returns the live lease held by botID, if any.
func (p *Pool) ActiveLease(botID string) (domain.AccountLease, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if e.lease != nil && e.lease.BotID == botID {
			return *e.lease, true
		}
	}
	return domain.AccountLease{}, false
}

// Identity returns the character bound to an account.
func (p *Pool) Identity(accountName string) (Identity, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.entries[accountName]
	if e == nil {
		return Identity{}, false
	}
	return e.identity, true
}

// ReapExpired force-releases leases past their expiry, returning the
// bot ids that lost them. Expired accounts get the soft-fail cooldown.
func (p *Pool) ReapExpired() []string {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reapLocked(now)
}

func (p *Pool) reapLocked(now time.Time) []string {
	var bots []string
	for _, e := range p.entries {
		if e.lease == nil || now.Before(e.lease.ExpiresAt) {
			continue
		}
		bots = append(bots, e.lease.BotID)
		delete(p.byToken, e.lease.Token)
		e.lastBot = e.lease.BotID
		e.lease = nil
		e.cooldownUntil = now.Add(p.cfg.SoftFailCooldown)
		p.logger.Warn("lease expired, account reclaimed",
			slog.String("account", e.acct.Name),
			slog.String("bot_id", e.lastBot))
	}
	return bots
}

// Stats summarizes pool occupancy.
func (p *Pool) Stats() Stats {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{BySource: make(map[Source]int)}
	for _, e := range p.entries {
		s.Total++
		s.BySource[e.source]++
		switch {
		case e.lease != nil:
			s.Leased++
		case now.Before(e.cooldownUntil):
			s.Cooling++
		default:
			s.Available++
		}
	}
	return s
}

// Snapshot lists every account redacted, in insertion order.
func (p *Pool) Snapshot() []Status {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Status, 0, len(p.order))
	for _, name := range p.order {
		e := p.entries[name]
		st := Status{
			Name:          e.acct.Name,
			Source:        e.source,
			State:         "available",
			CooldownUntil: e.cooldownUntil,
			Identity:      e.identity,
			Host:          e.acct.Host,
			Tags:          e.acct.Tags,
			AuthFails:     e.authFails,
		}
		switch {
		case e.lease != nil:
			st.State = "leased"
			st.LeasedBy = e.lease.BotID
		case now.Before(e.cooldownUntil):
			st.State = "cooldown"
		}
		out = append(out, st)
	}
	return out
}

var (
	traderFirst = []string{"Crimson", "Silent", "Iron", "Stellar", "Rogue", "Solar", "Drifting", "Lucky", "Gilded", "Wandering"}
	traderLast  = []string{"Falcon", "Corsair", "Nomad", "Baron", "Merchant", "Venture", "Comet", "Harrier", "Drake", "Quill"}
	shipNames   = []string{"Star Wren", "Dust Runner", "Long Haul", "Margin Call", "Night Freight", "Slow Burn", "Far Lantern", "Tin Kestrel", "Last Credit", "Open Ledger"}
)

// mintIdentity picks a stable character for a new account. Caller holds mu.
func (p *Pool) mintIdentity() Identity {
	return Identity{
		Trader: traderFirst[p.rng.Intn(len(traderFirst))] + " " + traderLast[p.rng.Intn(len(traderLast))],
		Ship:   shipNames[p.rng.Intn(len(shipNames))],
	}
}

// generateLocked mints a brand-new account for the BBS new-user flow.
// Caller holds mu.
func (p *Pool) generateLocked() *entry {
	p.generated++
	name := fmt.Sprintf("gen_%s_%02d", uuid.NewString()[:8], p.generated)
	e := &entry{
		acct: domain.Account{
			Name:     name,
			Username: name,
			Password: randomPassword(),
			Host:     p.cfg.GenerateHost,
			Tags:     []string{"generated"},
		},
		source:   SourceGenerated,
		identity: p.mintIdentity(),
	}
	p.entries[name] = e
	p.order = append(p.order, name)
	p.logger.Info("account generated", slog.String("account", name))
	return e
}

// randomPassword returns 16 url-safe characters from a CSPRNG.
func randomPassword() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		// math/rand fallback would weaken generated credentials; give up loudly
		panic(fmt.Sprintf("accounts: csprng unavailable: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
