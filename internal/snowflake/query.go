package snowflake

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"github.com/ignite/experiment-callouts/internal/domain"
)

var (
	readOnlyPrefix = regexp.MustCompile(`(?i)^\s*(select|with|show|describe|desc|explain)\b`)
	writeKeyword   = regexp.MustCompile(`(?i)\b(insert|update|delete|merge|drop|create|alter|truncate|grant|revoke|call|copy|put|remove|use)\b`)
)

// ErrNotReadOnly rejects ad-hoc queries that could modify the warehouse.
var ErrNotReadOnly = fmt.Errorf("only read-only queries are allowed")

// CheckReadOnly validates an ad-hoc query: a single SELECT/WITH/SHOW/DESCRIBE
// statement with no write keywords.
func CheckReadOnly(query string) error {
	q := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(query), ";"))
	if q == "" || !readOnlyPrefix.MatchString(q) || strings.Contains(q, ";") || writeKeyword.MatchString(q) {
		return ErrNotReadOnly
	}
	return nil
}

// RunQuery executes an ad-hoc read-only query and returns at most MaxRows rows.
func (c *Client) RunQuery(ctx context.Context, query string) (*domain.Table, error) {
	if err := CheckReadOnly(query); err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	rows, err := c.db.QueryContext(ctx, strings.TrimSuffix(strings.TrimSpace(query), ";"))
	if err != nil {
		return nil, unavailable("run_custom_query", "query", fmt.Errorf("failed to run query: %w", err))
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, unavailable("run_custom_query", "query", err)
	}
	table := &domain.Table{Columns: cols}
	for rows.Next() {
		if len(table.Rows) >= c.config.MaxRows {
			table.Truncated = true
			break
		}
		raw := make([]sql.NullString, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, unavailable("run_custom_query", "query", fmt.Errorf("failed to scan row: %w", err))
		}
		row := make([]string, len(cols))
		for i, v := range raw {
			if v.Valid {
				row[i] = v.String
			}
		}
		table.Rows = append(table.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("run_custom_query", "query", err)
	}
	return table, nil
}
