// Package warehouse exposes a read-only SQL analytics surface over the
// tool-server RPC loop. The backing database is an external
// collaborator; only SELECT-shaped statements are allowed through.
package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"

	_ "github.com/lib/pq"

	"github.com/panoptes-ai/panoptes/internal/toolchan"
	"github.com/panoptes-ai/panoptes/internal/tools/rpc"
)

const (
	defaultRowLimit = 100
	maxRowLimit     = 1000
)

// Warehouse wraps a postgres connection pool.
type Warehouse struct {
	db     *sql.DB
	logger *log.Logger
}

// New opens and verifies a connection to the warehouse.
func New(ctx context.Context, dsn string, logger *log.Logger) (*Warehouse, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[WAREHOUSE] ", log.LstdFlags)
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open warehouse: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping warehouse: %w", err)
	}
	return &Warehouse{db: db, logger: logger}, nil
}

// Close releases the connection pool.
func (w *Warehouse) Close() error { return w.db.Close() }

// Tools advertises the warehouse tool surface.
func (w *Warehouse) Tools() []toolchan.ToolDescriptor {
	return []toolchan.ToolDescriptor{
		{
			Name:        "list_tables",
			Description: "List tables available in the public schema.",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		{
			Name:        "describe_table",
			Description: "Describe the columns of a table.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"table": map[string]any{"type": "string"},
				},
				"required": []string{"table"},
			},
		},
		{
			Name:        "read_query",
			Description: "Run a read-only SQL query. Only SELECT statements are accepted.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"sql":       map[string]any{"type": "string"},
					"row_limit": map[string]any{"type": "integer", "minimum": 1, "maximum": maxRowLimit},
				},
				"required": []string{"sql"},
			},
		},
	}
}

// Call dispatches one tool invocation.
func (w *Warehouse) Call(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	switch name {
	case "list_tables":
		return w.tListTables(ctx)
	case "describe_table":
		return w.tDescribeTable(ctx, args)
	case "read_query":
		return w.tReadQuery(ctx, args)
	default:
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
}

func (w *Warehouse) tListTables(ctx context.Context) (map[string]any, error) {
	rows, err := w.db.QueryContext(ctx,
		`SELECT table_name FROM information_schema.tables
		 WHERE table_schema = 'public' ORDER BY table_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tables := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return map[string]any{"tables": tables}, nil
}

func (w *Warehouse) tDescribeTable(ctx context.Context, args map[string]any) (map[string]any, error) {
	table := rpc.Str(args["table"])
	if table == "" {
		return nil, errors.New("table is required")
	}
	rows, err := w.db.QueryContext(ctx,
		`SELECT column_name, data_type, is_nullable FROM information_schema.columns
		 WHERE table_schema = 'public' AND table_name = $1 ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns := make([]map[string]any, 0)
	for rows.Next() {
		var name, dataType, nullable string
		if err := rows.Scan(&name, &dataType, &nullable); err != nil {
			return nil, err
		}
		columns = append(columns, map[string]any{
			"name":     name,
			"type":     dataType,
			"nullable": nullable == "YES",
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %q not found", table)
	}
	return map[string]any{"table": table, "columns": columns}, nil
}

func (w *Warehouse) tReadQuery(ctx context.Context, args map[string]any) (map[string]any, error) {
	query := rpc.Str(args["sql"])
	if query == "" {
		return nil, errors.New("sql is required")
	}
	if err := checkReadOnly(query); err != nil {
		return nil, err
	}
	limit := rpc.AsInt(args["row_limit"])
	if limit == 0 {
		limit = defaultRowLimit
	}
	limit = rpc.ClampInt(limit, 1, maxRowLimit)

	rows, err := w.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0)
	truncated := false
	for rows.Next() {
		if len(out) >= limit {
			truncated = true
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := values[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = values[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return map[string]any{
		"columns":   cols,
		"rows":      out,
		"row_count": len(out),
		"truncated": truncated,
	}, nil
}

// checkReadOnly accepts SELECT and WITH statements only, one statement
// per call.
func checkReadOnly(query string) error {
	trimmed := strings.TrimSpace(query)
	for strings.HasPrefix(trimmed, "--") {
		if i := strings.IndexByte(trimmed, '\n'); i >= 0 {
			trimmed = strings.TrimSpace(trimmed[i+1:])
		} else {
			trimmed = ""
		}
	}
	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return errors.New("only SELECT queries are allowed")
	}
	if strings.Contains(strings.TrimRight(trimmed, "; \t\n"), ";") {
		return errors.New("multiple statements are not allowed")
	}
	return nil
}
