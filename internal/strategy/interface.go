// Package strategy decides what a bot does with its next turns. A
// Strategy turns the current game view into an ordered Plan of commands;
// the Engine owns the active strategy and degrades along a fixed fallback
// chain when decisions keep failing.
package strategy

import (
	"context"

	"github.com/telewarp/bbsbot/internal/domain"
	"github.com/telewarp/bbsbot/internal/game"
)

// Strategy is the contract trading strategies implement.
type Strategy interface {
	Name() string
	Init(ctx context.Context, view game.View) error
	Decide(ctx context.Context, view game.View) (domain.Plan, error)
	Close() error
}

// Config holds per-strategy configuration.
type Config struct {
	Name     string
	Goal     string
	MaxTurns int
	Params   map[string]any
}

// paramFloat reads a float param with a default.
func paramFloat(params map[string]any, key string, def float64) float64 {
	if v, ok := params[key]; ok {
		switch f := v.(type) {
		case float64:
			return f
		case int:
			return float64(f)
		case int64:
			return float64(f)
		}
	}
	return def
}

// paramInt reads an int param with a default.
func paramInt(params map[string]any, key string, def int) int {
	if v, ok := params[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return def
}

// paramString reads a string param with a default.
func paramString(params map[string]any, key, def string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return def
}
