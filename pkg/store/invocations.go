package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/surfit-ai/saw-runtime/pkg/contracts"
	"github.com/surfit-ai/saw-runtime/pkg/ledger"
)

// RecordInvocation persists one hashed model invocation record and
// fills in the row id.
func (s *Store) RecordInvocation(ctx context.Context, inv *contracts.LLMInvocation) error {
	const insert = `
		INSERT INTO llm_invocations
			(run_id, node_id, invoked_at, provider, model_name, model_version,
			 temperature, max_tokens, raw_tool_input_hash, sanitized_prompt_input_hash,
			 llm_output_text_hash, raw_tool_input_preview, llm_output_preview)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	args := []any{
		inv.RunID, inv.NodeID, inv.InvokedAt, inv.Provider, inv.ModelName,
		inv.ModelVersion, inv.Temperature, inv.MaxTokens, inv.RawToolInputHash,
		inv.SanitizedPromptInputHash, inv.LLMOutputTextHash,
		inv.RawToolInputPreview, inv.LLMOutputPreview,
	}

	if s.dialect == ledger.DialectPostgres {
		if err := s.db.QueryRowContext(ctx, insert+` RETURNING id`, args...).Scan(&inv.ID); err != nil {
			return fmt.Errorf("store: record invocation: %w", err)
		}
		return nil
	}
	res, err := s.db.ExecContext(ctx, insert, args...)
	if err != nil {
		return fmt.Errorf("store: record invocation: %w", err)
	}
	inv.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("store: record invocation id: %w", err)
	}
	return nil
}

// Invocations returns the model invocation records of a run in commit
// order.
func (s *Store) Invocations(ctx context.Context, runID string) ([]contracts.LLMInvocation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, node_id, invoked_at, provider, model_name, model_version,
		       temperature, max_tokens, raw_tool_input_hash, sanitized_prompt_input_hash,
		       llm_output_text_hash, raw_tool_input_preview, llm_output_preview
		FROM llm_invocations WHERE run_id = $1 ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: query invocations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]contracts.LLMInvocation, 0)
	for rows.Next() {
		var inv contracts.LLMInvocation
		var rawPrev, outPrev sql.NullString
		if err := rows.Scan(&inv.ID, &inv.RunID, &inv.NodeID, &inv.InvokedAt,
			&inv.Provider, &inv.ModelName, &inv.ModelVersion, &inv.Temperature,
			&inv.MaxTokens, &inv.RawToolInputHash, &inv.SanitizedPromptInputHash,
			&inv.LLMOutputTextHash, &rawPrev, &outPrev); err != nil {
			return nil, fmt.Errorf("store: scan invocation: %w", err)
		}
		inv.RawToolInputPreview = rawPrev.String
		inv.LLMOutputPreview = outPrev.String
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate invocations: %w", err)
	}
	return out, nil
}
