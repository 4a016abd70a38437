package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrConnClosed       = errors.New("connection closed")
	ErrPromptTimeout    = errors.New("prompt timeout")
	ErrPromptAmbiguous  = errors.New("prompt ambiguous")
	ErrExtractFailed    = errors.New("field extraction failed")
	ErrStateDesync      = errors.New("game state desynchronized")
	ErrSessionBusy      = errors.New("session busy")
	ErrHijacked         = errors.New("bot is hijacked")
	ErrNotHijacked      = errors.New("bot is not hijacked")
	ErrLeaseExpired     = errors.New("hijack lease expired")
	ErrAccountExhausted = errors.New("account pool exhausted")
	ErrAccountCooldown  = errors.New("account cooling down")
	ErrBotNotFound      = errors.New("bot not found")
	ErrLLMBudget        = errors.New("llm budget exceeded")
	ErrRuleInvalid      = errors.New("rule invalid")
	ErrContextDone      = errors.New("context cancelled")
	ErrLockHeld         = errors.New("lock already held")
)
