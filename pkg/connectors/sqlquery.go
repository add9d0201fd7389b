package connectors

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stiwari2004/bot-sub000/pkg/engine"

	_ "modernc.org/sqlite"
)

// SQLQueryConnector runs diagnostic queries against a relational store
// through database/sql. The driver and DSN come from the connection
// config; a failure to open or reach the database is a connection
// error, a query the database rejects is a command failure.
type SQLQueryConnector struct {
	policy RetryPolicy
	logger zerolog.Logger

	// open is swappable for tests.
	open func(driver, dsn string) (*sql.DB, error)
}

// NewSQLQueryConnector creates a SQL query connector.
func NewSQLQueryConnector(policy RetryPolicy, logger zerolog.Logger) *SQLQueryConnector {
	return &SQLQueryConnector{
		policy: policy,
		logger: logger.With().Str("connector", "sql_query").Logger(),
		open:   sql.Open,
	}
}

// Name implements the Connector interface.
func (c *SQLQueryConnector) Name() string {
	return "sql_query"
}

// Execute implements the Connector interface. The command is the SQL
// statement to run. Statements that return rows are rendered as
// tab-separated text; other statements report the affected row count.
func (c *SQLQueryConnector) Execute(ctx context.Context, command string, config *ConnectionConfig, timeout time.Duration) (*engine.CommandResult, error) {
	if err := validateTarget(config, "driver", "dsn"); err != nil {
		return nil, err
	}

	started := time.Now()
	return withRetry(ctx, c.policy, func(attempt int) (*engine.CommandResult, error) {
		return c.executeOnce(ctx, command, config, timeout, attempt, started)
	})
}

func (c *SQLQueryConnector) executeOnce(ctx context.Context, command string, config *ConnectionConfig, timeout time.Duration, attempt int, started time.Time) (*engine.CommandResult, error) {
	db, err := c.open(config.Driver, config.DSN)
	if err != nil {
		return connectionFailure(fmt.Errorf("failed to open database: %w", err), attempt+1, started), nil
	}
	defer db.Close()

	queryCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := db.PingContext(queryCtx); err != nil {
		return connectionFailure(fmt.Errorf("database unreachable: %w", err), attempt+1, started), nil
	}

	if returnsRows(command) {
		output, err := c.query(queryCtx, db, command)
		if err != nil {
			return commandFailure(1, "", err.Error(), attempt+1, started), nil
		}
		return commandSuccess(output, attempt+1, started), nil
	}

	res, err := db.ExecContext(queryCtx, command)
	if err != nil {
		return commandFailure(1, "", err.Error(), attempt+1, started), nil
	}
	affected, _ := res.RowsAffected()
	return commandSuccess(fmt.Sprintf("%d row(s) affected", affected), attempt+1, started), nil
}

func (c *SQLQueryConnector) query(ctx context.Context, db *sql.DB, command string) (string, error) {
	rows, err := db.QueryContext(ctx, command)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(strings.Join(cols, "\t"))
	sb.WriteString("\n")

	values := make([]any, len(cols))
	scanners := make([]any, len(cols))
	for i := range values {
		scanners[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(scanners...); err != nil {
			return "", err
		}
		fields := make([]string, len(cols))
		for i, v := range values {
			fields[i] = renderValue(v)
		}
		sb.WriteString(strings.Join(fields, "\t"))
		sb.WriteString("\n")
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func renderValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(t)
	case time.Time:
		return t.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// returnsRows reports whether the statement produces a result set.
func returnsRows(command string) bool {
	trimmed := strings.ToUpper(strings.TrimSpace(command))
	for _, prefix := range []string{"SELECT", "SHOW", "EXPLAIN", "DESCRIBE", "WITH", "PRAGMA"} {
		if strings.HasPrefix(trimmed, prefix) {
			return true
		}
	}
	return false
}
