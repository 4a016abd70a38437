package domain

import "time"

// Account is one BBS login the pool can lease to a bot. Password is held in
// memory only; it never appears in status snapshots or the swarm state file.
type Account struct {
	Name     string
	Username string
	Password string
	Host     string // optional host restriction, "" means any
	Tags     []string
}

// Redacted returns a copy safe for serialization.
func (a Account) Redacted() Account {
	a.Password = ""
	return a
}

// AccountLease binds one account to one bot until released.
type AccountLease struct {
	Account   Account
	Token     string
	BotID     string
	LeasedAt  time.Time
	ExpiresAt time.Time // the pool reaps leases a crashed bot never released
}

// Disposition reports how a leased account performed, driving cooldowns.
type Disposition string

const (
	DispositionOK       Disposition = "ok"
	DispositionSoftFail Disposition = "soft_fail" // connect/game trouble, short cooldown
	DispositionAuthFail Disposition = "auth_fail" // bad credentials or lockout, long cooldown
)
