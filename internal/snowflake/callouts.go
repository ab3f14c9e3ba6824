package snowflake

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignite/experiment-callouts/internal/domain"
)

// PersistCallout stores a finished callout, replacing any earlier callout
// for the same date.
func (c *Client) PersistCallout(ctx context.Context, callout domain.Callout) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	t := c.config.Tables.Callouts
	create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		callout_id VARCHAR(64),
		callout_date DATE,
		full_callout TEXT,
		slack_formatted TEXT,
		model_used VARCHAR(128),
		generation_time_seconds FLOAT,
		tool_calls_count INT,
		generated_at TIMESTAMP_NTZ
	)`, t)
	if _, err := c.db.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("failed to ensure callout table: %w", err)
	}

	if callout.ID == "" {
		callout.ID = uuid.NewString()
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE callout_date = ?`, t), callout.Date); err != nil {
		return fmt.Errorf("failed to clear callout for %s: %w", callout.Date, err)
	}
	insert := fmt.Sprintf(`INSERT INTO %s
		(callout_id, callout_date, full_callout, slack_formatted, model_used,
		 generation_time_seconds, tool_calls_count, generated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP())`, t)
	if _, err := tx.ExecContext(ctx, insert, callout.ID, callout.Date, callout.Markdown, callout.Slack,
		callout.Model, callout.GenerationSeconds, callout.ToolCalls); err != nil {
		return fmt.Errorf("failed to insert callout: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit callout: %w", err)
	}

	c.log.Info("callout persisted", "date", callout.Date, "callout_id", callout.ID, "table", t)
	return nil
}
