package subagent

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Catalog is a SQLite-backed tool source: a persistent inventory of
// tool definitions the sub-agent manages on the main loop's behalf.
type Catalog struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenCatalog creates or opens the catalog at dbPath.
func OpenCatalog(dbPath string, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open catalog database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS tools (
		name TEXT PRIMARY KEY,
		spec TEXT NOT NULL,
		added_at TIMESTAMP NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate catalog: %w", err)
	}

	return &Catalog{db: db, logger: logger}, nil
}

// Close closes the database connection.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Add stores a tool definition. The definition's "parameters" member,
// when present, must compile as a JSON Schema; a definition that cannot
// validate arguments later is rejected now.
func (c *Catalog) Add(ctx context.Context, name string, spec map[string]any) error {
	if name == "" {
		return fmt.Errorf("tool name required")
	}
	if err := checkParameters(spec); err != nil {
		return fmt.Errorf("tool %s: %w", name, err)
	}

	raw, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("marshal spec: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO tools (name, spec, added_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET spec = excluded.spec
	`, name, string(raw), time.Now())
	if err != nil {
		return fmt.Errorf("store tool %s: %w", name, err)
	}
	c.logger.Info("tool added to catalog", "name", name)
	return nil
}

// Remove deletes a tool definition. Removing an unknown name is an
// error so the sub-agent can report it.
func (c *Catalog) Remove(ctx context.Context, name string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM tools WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("remove tool %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("tool %s not in catalog", name)
	}
	c.logger.Info("tool removed from catalog", "name", name)
	return nil
}

// Test verifies a stored definition still parses and its parameter
// schema still compiles.
func (c *Catalog) Test(ctx context.Context, name string) error {
	var raw string
	row := c.db.QueryRowContext(ctx, `SELECT spec FROM tools WHERE name = ?`, name)
	if err := row.Scan(&raw); err != nil {
		return fmt.Errorf("tool %s not in catalog", name)
	}

	var spec map[string]any
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		return fmt.Errorf("tool %s: stored spec unparseable: %w", name, err)
	}
	return checkParameters(spec)
}

// List returns all tool names, sorted.
func (c *Catalog) List(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT name FROM tools ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	defer rows.Close()
	return scanNames(rows)
}

// Search returns tool names whose name or definition contains query.
func (c *Catalog) Search(ctx context.Context, query string) ([]string, error) {
	pattern := "%" + query + "%"
	rows, err := c.db.QueryContext(ctx, `
		SELECT name FROM tools
		WHERE name LIKE ? OR spec LIKE ?
		ORDER BY name
	`, pattern, pattern)
	if err != nil {
		return nil, fmt.Errorf("search tools: %w", err)
	}
	defer rows.Close()
	return scanNames(rows)
}

func scanNames(rows *sql.Rows) ([]string, error) {
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// checkParameters compiles spec["parameters"] when present. A spec
// without parameters is valid; its arguments pass unvalidated.
func checkParameters(spec map[string]any) error {
	params, ok := spec["parameters"].(map[string]any)
	if !ok {
		return nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("parameters are not valid JSON: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return fmt.Errorf("parameters schema: %w", err)
	}
	if _, err := compiler.Compile("schema.json"); err != nil {
		return fmt.Errorf("parameters schema does not compile: %w", err)
	}
	return nil
}
