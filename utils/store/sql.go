package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	// Postgres driver registered for database/sql
	_ "github.com/lib/pq"

	"github.com/psd-ai/studio/utils/executor"
)

// DataAccess is the injected persistence boundary: a parameterized
// statement in, generic rows out. The engine never knows the underlying
// storage transport.
type DataAccess interface {
	ExecuteSQL(ctx context.Context, query string, params ...interface{}) ([]map[string]interface{}, error)
}

// DBDataAccess implements DataAccess over database/sql
type DBDataAccess struct {
	db *sql.DB
}

// Open connects to Postgres with the given DSN
func Open(dsn string) (*DBDataAccess, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &DBDataAccess{db: db}, nil
}

// NewDBDataAccess wraps an existing database handle
func NewDBDataAccess(db *sql.DB) *DBDataAccess {
	return &DBDataAccess{db: db}
}

// Close releases the underlying pool
func (d *DBDataAccess) Close() error {
	return d.db.Close()
}

// ExecuteSQL runs a parameterized statement and returns the rows as maps
// keyed by column name
func (d *DBDataAccess) ExecuteSQL(ctx context.Context, query string, params ...interface{}) ([]map[string]interface{}, error) {
	rows, err := d.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// SQLStore is the Postgres-backed executor.Store. JSON columns hold the
// list- and map-valued attributes (options, input mappings, input values).
type SQLStore struct {
	da DataAccess
}

// NewSQLStore creates a store over the given data access
func NewSQLStore(da DataAccess) *SQLStore {
	return &SQLStore{da: da}
}

// GetTool loads a tool with its input fields and prompts
func (s *SQLStore) GetTool(ctx context.Context, toolID string) (*executor.Tool, error) {
	rows, err := s.da.ExecuteSQL(ctx,
		`SELECT id, name, description, status, creator_id, on_error FROM tools WHERE id = $1`, toolID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("tool %q not found", toolID)
	}
	row := rows[0]
	tool := &executor.Tool{
		ID:          str(row["id"]),
		Name:        str(row["name"]),
		Description: str(row["description"]),
		Status:      executor.ToolStatus(str(row["status"])),
		CreatorID:   str(row["creator_id"]),
		OnError:     executor.OnErrorPolicy(str(row["on_error"])),
	}

	fieldRows, err := s.da.ExecuteSQL(ctx,
		`SELECT id, name, field_type, position, options FROM input_fields
		 WHERE tool_id = $1 ORDER BY position`, toolID)
	if err != nil {
		return nil, err
	}
	for _, fr := range fieldRows {
		field := executor.InputField{
			ID:       str(fr["id"]),
			ToolID:   toolID,
			Name:     str(fr["name"]),
			Type:     executor.FieldType(str(fr["field_type"])),
			Position: toInt(fr["position"]),
		}
		if err := decodeJSON(fr["options"], &field.Options); err != nil {
			return nil, fmt.Errorf("bad options for field %s: %w", field.ID, err)
		}
		tool.Fields = append(tool.Fields, field)
	}

	promptRows, err := s.da.ExecuteSQL(ctx,
		`SELECT id, name, content, system_context, provider, model_id, position,
		        parallel_group, input_mapping, repository_ids, enabled_tools, timeout_seconds
		 FROM chain_prompts WHERE tool_id = $1 ORDER BY position`, toolID)
	if err != nil {
		return nil, err
	}
	for _, pr := range promptRows {
		prompt := executor.ChainPrompt{
			ID:             str(pr["id"]),
			ToolID:         toolID,
			Name:           str(pr["name"]),
			Content:        str(pr["content"]),
			SystemContext:  str(pr["system_context"]),
			Provider:       str(pr["provider"]),
			ModelID:        str(pr["model_id"]),
			Position:       toInt(pr["position"]),
			TimeoutSeconds: toInt(pr["timeout_seconds"]),
		}
		if pr["parallel_group"] != nil {
			group := toInt(pr["parallel_group"])
			prompt.ParallelGroup = &group
		}
		if err := decodeJSON(pr["input_mapping"], &prompt.InputMapping); err != nil {
			return nil, fmt.Errorf("bad input mapping for prompt %s: %w", prompt.ID, err)
		}
		if err := decodeJSON(pr["repository_ids"], &prompt.RepositoryIDs); err != nil {
			return nil, fmt.Errorf("bad repository ids for prompt %s: %w", prompt.ID, err)
		}
		if err := decodeJSON(pr["enabled_tools"], &prompt.EnabledTools); err != nil {
			return nil, fmt.Errorf("bad enabled tools for prompt %s: %w", prompt.ID, err)
		}
		tool.Prompts = append(tool.Prompts, prompt)
	}
	return tool, nil
}

// CreateExecution inserts a pending execution row
func (s *SQLStore) CreateExecution(ctx context.Context, ex *executor.Execution) error {
	input, err := json.Marshal(ex.Input)
	if err != nil {
		return fmt.Errorf("failed to encode input: %w", err)
	}
	_, err = s.da.ExecuteSQL(ctx,
		`INSERT INTO executions (id, tool_id, user_id, status, input, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ex.ID, ex.ToolID, ex.UserID, string(ex.Status), string(input), ex.StartedAt)
	return err
}

// UpdateExecution persists the execution's current state
func (s *SQLStore) UpdateExecution(ctx context.Context, ex *executor.Execution) error {
	_, err := s.da.ExecuteSQL(ctx,
		`UPDATE executions
		 SET status = $2, started_at = $3, completed_at = $4,
		     total_input_tokens = $5, total_output_tokens = $6,
		     duration_ms = $7, error = $8
		 WHERE id = $1`,
		ex.ID, string(ex.Status), ex.StartedAt, ex.CompletedAt,
		ex.TotalInputTokens, ex.TotalOutputTokens, ex.DurationMs, ex.Error)
	return err
}

// GetExecution loads one execution row
func (s *SQLStore) GetExecution(ctx context.Context, id string) (*executor.Execution, error) {
	rows, err := s.da.ExecuteSQL(ctx,
		`SELECT id, tool_id, user_id, status, input, started_at, completed_at,
		        total_input_tokens, total_output_tokens, duration_ms, error
		 FROM executions WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("execution %q not found", id)
	}
	row := rows[0]
	ex := &executor.Execution{
		ID:                str(row["id"]),
		ToolID:            str(row["tool_id"]),
		UserID:            str(row["user_id"]),
		Status:            executor.ExecutionStatus(str(row["status"])),
		TotalInputTokens:  toInt(row["total_input_tokens"]),
		TotalOutputTokens: toInt(row["total_output_tokens"]),
		DurationMs:        int64(toInt(row["duration_ms"])),
		Error:             str(row["error"]),
	}
	if err := decodeJSON(row["input"], &ex.Input); err != nil {
		return nil, fmt.Errorf("bad input for execution %s: %w", ex.ID, err)
	}
	if t, ok := row["started_at"].(time.Time); ok {
		ex.StartedAt = t
	}
	if t, ok := row["completed_at"].(time.Time); ok {
		ex.CompletedAt = &t
	}
	return ex, nil
}

// CreatePromptResult inserts a new step result row
func (s *SQLStore) CreatePromptResult(ctx context.Context, pr *executor.PromptResult) error {
	_, err := s.da.ExecuteSQL(ctx,
		`INSERT INTO prompt_results
		 (id, execution_id, prompt_id, prompt_name, status, resolved_input,
		  output, error, started_at, completed_at, input_tokens, output_tokens)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		pr.ID, pr.ExecutionID, pr.PromptID, pr.PromptName, string(pr.Status),
		pr.ResolvedInput, pr.Output, pr.Error, pr.StartedAt, pr.CompletedAt,
		pr.InputTokens, pr.OutputTokens)
	return err
}

// UpdatePromptResult persists a step result's current state
func (s *SQLStore) UpdatePromptResult(ctx context.Context, pr *executor.PromptResult) error {
	_, err := s.da.ExecuteSQL(ctx,
		`UPDATE prompt_results
		 SET status = $2, resolved_input = $3, output = $4, error = $5,
		     completed_at = $6, input_tokens = $7, output_tokens = $8
		 WHERE id = $1`,
		pr.ID, string(pr.Status), pr.ResolvedInput, pr.Output, pr.Error,
		pr.CompletedAt, pr.InputTokens, pr.OutputTokens)
	return err
}

// ListPromptResults loads all step results for an execution in start order
func (s *SQLStore) ListPromptResults(ctx context.Context, executionID string) ([]executor.PromptResult, error) {
	rows, err := s.da.ExecuteSQL(ctx,
		`SELECT id, prompt_id, prompt_name, status, resolved_input, output,
		        error, started_at, completed_at, input_tokens, output_tokens
		 FROM prompt_results WHERE execution_id = $1 ORDER BY started_at, id`, executionID)
	if err != nil {
		return nil, err
	}
	results := make([]executor.PromptResult, 0, len(rows))
	for _, row := range rows {
		pr := executor.PromptResult{
			ID:            str(row["id"]),
			ExecutionID:   executionID,
			PromptID:      str(row["prompt_id"]),
			PromptName:    str(row["prompt_name"]),
			Status:        executor.PromptStatus(str(row["status"])),
			ResolvedInput: str(row["resolved_input"]),
			Output:        str(row["output"]),
			Error:         str(row["error"]),
			InputTokens:   toInt(row["input_tokens"]),
			OutputTokens:  toInt(row["output_tokens"]),
		}
		if t, ok := row["started_at"].(time.Time); ok {
			pr.StartedAt = t
		}
		if t, ok := row["completed_at"].(time.Time); ok {
			pr.CompletedAt = &t
		}
		results = append(results, pr)
	}
	return results, nil
}

func str(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

// decodeJSON decodes a JSON column into target; nil and empty values leave
// the target unchanged
func decodeJSON(v interface{}, target interface{}) error {
	if v == nil {
		return nil
	}
	s := str(v)
	if s == "" || s == "null" {
		return nil
	}
	return json.Unmarshal([]byte(s), target)
}
