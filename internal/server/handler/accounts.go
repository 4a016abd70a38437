package handler

import (
	"log/slog"
	"net/http"

	"github.com/telewarp/bbsbot/internal/accounts"
)

// AccountsHandler serves the account pool listing. Every view it emits
// is already redacted by the pool; no credential ever crosses this
// boundary.
type AccountsHandler struct {
	pool   *accounts.Pool
	logger *slog.Logger
}

// NewAccountsHandler creates an AccountsHandler.
func NewAccountsHandler(pool *accounts.Pool, logger *slog.Logger) *AccountsHandler {
	return &AccountsHandler{
		pool:   pool,
		logger: logHandler(logger, "accounts"),
	}
}

// ListAccounts responds with pool stats and the per-account states.
// GET /api/accounts
func (h *AccountsHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":    h.pool.Stats(),
		"accounts": h.pool.Snapshot(),
	})
}
