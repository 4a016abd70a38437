package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telewarp/bbsbot/internal/domain"
)

// HistoryStore implements domain.HistoryStore using PostgreSQL.
type HistoryStore struct {
	pool *pgxpool.Pool
}

// NewHistoryStore creates a HistoryStore backed by the given pool.
func NewHistoryStore(pool *pgxpool.Pool) *HistoryStore {
	return &HistoryStore{pool: pool}
}

// applyListOpts appends time filtering, ordering, and pagination to a
// query that already ends in a WHERE clause. timeCol orders newest-first.
func applyListOpts(query string, args []any, opts domain.ListOpts, timeCol string) (string, []any) {
	argIdx := len(args) + 1
	if opts.Since != nil {
		query += fmt.Sprintf(" AND %s >= $%d", timeCol, argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND %s <= $%d", timeCol, argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}
	query += " ORDER BY " + timeCol + " DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}
	return query, args
}

// SaveRun inserts a bot run row, updating it in place when the run ID
// already exists (managers re-announce runs after a restart).
func (s *HistoryStore) SaveRun(ctx context.Context, run domain.BotRun) error {
	const query = `
		INSERT INTO bot_runs (
			id, bot_id, session_id, account, strategy,
			started_at, ended_at, exit_state, exit_err
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			session_id = EXCLUDED.session_id,
			strategy = EXCLUDED.strategy`
	_, err := s.pool.Exec(ctx, query,
		run.ID, run.BotID, run.SessionID, run.Account, run.Strategy,
		run.StartedAt, run.EndedAt, string(run.ExitState), run.ExitErr,
	)
	if err != nil {
		return fmt.Errorf("postgres: save run %s: %w", run.ID, err)
	}
	return nil
}

// FinishRun closes out a run with its exit state.
func (s *HistoryStore) FinishRun(ctx context.Context, runID string, state domain.BotState, errMsg string, at time.Time) error {
	const query = `
		UPDATE bot_runs SET ended_at = $2, exit_state = $3, exit_err = $4
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, runID, at, string(state), errMsg)
	if err != nil {
		return fmt.Errorf("postgres: finish run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: finish run %s: %w", runID, domain.ErrNotFound)
	}
	return nil
}

// SaveTurns inserts turn records efficiently using pgx Batch. Records
// already present (same id) are silently skipped.
func (s *HistoryStore) SaveTurns(ctx context.Context, records []domain.TurnRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	const query = `
		INSERT INTO turn_records (
			id, bot_id, session_id, seq, strategy, phase, action,
			sector, credits, credits_delta, trades, turns_used,
			llm_tokens, llm_cost, prompt_rule, duration_ms, at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17
		) ON CONFLICT (id) DO NOTHING`

	for _, r := range records {
		batch.Queue(query,
			r.ID, r.BotID, r.SessionID, r.Seq, r.Strategy, r.Phase, r.Action,
			r.Sector, r.Credits, r.CreditsDelta, r.Trades, r.TurnsUsed,
			r.LLMTokens, r.LLMCost, r.PromptRule, r.Duration.Milliseconds(), r.At,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range records {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert turn batch item %d: %w", i, err)
		}
	}
	return nil
}

// SaveIntervention flattens a finding plus its recommendation into one
// row. Duplicate IDs are skipped.
func (s *HistoryStore) SaveIntervention(ctx context.Context, iv domain.Intervention) error {
	evidence, err := json.Marshal(iv.Finding.Evidence)
	if err != nil {
		return fmt.Errorf("postgres: marshal intervention evidence: %w", err)
	}

	var action, rationale string
	var params []byte
	if iv.Recommended != nil {
		action = string(iv.Recommended.Action)
		rationale = iv.Recommended.Rationale
		if params, err = json.Marshal(iv.Recommended.Params); err != nil {
			return fmt.Errorf("postgres: marshal intervention params: %w", err)
		}
	}

	const query = `
		INSERT INTO interventions (
			id, bot_id, category, severity, summary, evidence,
			action, params, rationale, applied, auto_applied, at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING`
	_, err = s.pool.Exec(ctx, query,
		iv.ID, iv.BotID, string(iv.Finding.Category), string(iv.Finding.Severity),
		iv.Finding.Summary, evidence,
		action, params, rationale, iv.Applied, iv.AutoApplied, iv.At,
	)
	if err != nil {
		return fmt.Errorf("postgres: save intervention %s: %w", iv.ID, err)
	}
	return nil
}

const turnSelectCols = `id, bot_id, session_id, seq, strategy, phase, action,
	sector, credits, credits_delta, trades, turns_used,
	llm_tokens, llm_cost, prompt_rule, duration_ms, at`

func scanTurnRows(rows pgx.Rows) ([]domain.TurnRecord, error) {
	var records []domain.TurnRecord
	for rows.Next() {
		var r domain.TurnRecord
		var durationMS int64
		if err := rows.Scan(
			&r.ID, &r.BotID, &r.SessionID, &r.Seq, &r.Strategy, &r.Phase, &r.Action,
			&r.Sector, &r.Credits, &r.CreditsDelta, &r.Trades, &r.TurnsUsed,
			&r.LLMTokens, &r.LLMCost, &r.PromptRule, &durationMS, &r.At,
		); err != nil {
			return nil, err
		}
		r.Duration = time.Duration(durationMS) * time.Millisecond
		records = append(records, r)
	}
	return records, rows.Err()
}

// ListTurns returns a bot's turn records newest-first.
func (s *HistoryStore) ListTurns(ctx context.Context, botID string, opts domain.ListOpts) ([]domain.TurnRecord, error) {
	query, args := applyListOpts(
		`SELECT `+turnSelectCols+` FROM turn_records WHERE bot_id = $1`,
		[]any{botID}, opts, "at",
	)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list turns: %w", err)
	}
	defer rows.Close()

	records, err := scanTurnRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan turns: %w", err)
	}
	return records, nil
}

// ListInterventions returns a bot's interventions newest-first.
func (s *HistoryStore) ListInterventions(ctx context.Context, botID string, opts domain.ListOpts) ([]domain.Intervention, error) {
	query, args := applyListOpts(
		`SELECT id, bot_id, category, severity, summary, evidence,
			action, params, rationale, applied, auto_applied, at
		FROM interventions WHERE bot_id = $1`,
		[]any{botID}, opts, "at",
	)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list interventions: %w", err)
	}
	defer rows.Close()

	var out []domain.Intervention
	for rows.Next() {
		var iv domain.Intervention
		var category, severity, summary, action, rationale string
		var evidence, params []byte
		if err := rows.Scan(
			&iv.ID, &iv.BotID, &category, &severity, &summary, &evidence,
			&action, &params, &rationale, &iv.Applied, &iv.AutoApplied, &iv.At,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan intervention: %w", err)
		}

		iv.Finding = domain.Finding{
			Category: domain.InterventionCategory(category),
			Severity: domain.Severity(severity),
			BotID:    iv.BotID,
			Summary:  summary,
			At:       iv.At,
		}
		if evidence != nil {
			if err := json.Unmarshal(evidence, &iv.Finding.Evidence); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal intervention evidence: %w", err)
			}
		}
		if action != "" {
			rec := domain.Recommendation{
				Action:    domain.InterventionAction(action),
				Rationale: rationale,
			}
			if params != nil {
				if err := json.Unmarshal(params, &rec.Params); err != nil {
					return nil, fmt.Errorf("postgres: unmarshal intervention params: %w", err)
				}
			}
			iv.Recommended = &rec
		}
		out = append(out, iv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list interventions rows: %w", err)
	}
	return out, nil
}

// ListRuns returns a bot's runs newest-first.
func (s *HistoryStore) ListRuns(ctx context.Context, botID string, opts domain.ListOpts) ([]domain.BotRun, error) {
	query, args := applyListOpts(
		`SELECT id, bot_id, session_id, account, strategy,
			started_at, ended_at, exit_state, exit_err
		FROM bot_runs WHERE bot_id = $1`,
		[]any{botID}, opts, "started_at",
	)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.BotRun
	for rows.Next() {
		var r domain.BotRun
		var exitState string
		if err := rows.Scan(
			&r.ID, &r.BotID, &r.SessionID, &r.Account, &r.Strategy,
			&r.StartedAt, &r.EndedAt, &exitState, &r.ExitErr,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan run: %w", err)
		}
		r.ExitState = domain.BotState(exitState)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list runs rows: %w", err)
	}
	return runs, nil
}

// Compile-time interface check.
var _ domain.HistoryStore = (*HistoryStore)(nil)
