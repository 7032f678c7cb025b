// Package storage is the durable store: append-only jinx call logging,
// pipeline run provenance, per-pipeline results tables, guardian
// conversation memory, and the entity event log.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/mpataki/guardian/internal/models"
	_ "modernc.org/sqlite"
)

type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jinx_calls (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT,
		message_id TEXT,
		team_name TEXT,
		guardian_name TEXT,
		jinx_name TEXT NOT NULL,
		inputs TEXT,
		output TEXT,
		status TEXT NOT NULL,
		error_message TEXT,
		duration_ms INTEGER,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS pipeline_runs (
		run_id INTEGER PRIMARY KEY AUTOINCREMENT,
		pipeline_name TEXT NOT NULL,
		pipeline_hash TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		guardian_name TEXT NOT NULL,
		conversation_id TEXT,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS entity_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_id TEXT NOT NULL,
		entry_type TEXT NOT NULL,
		content TEXT,
		metadata TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_jinx_calls_conversation ON jinx_calls(conversation_id);
	CREATE INDEX IF NOT EXISTS idx_messages_guardian ON messages(guardian_name);
	CREATE INDEX IF NOT EXISTS idx_entity_log_entity ON entity_log(entity_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var nonIdentChars = regexp.MustCompile(`[^A-Za-z0-9_]`)

// validIdent guards dynamic table names; everything else goes through
// placeholders.
func validIdent(name string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("invalid table name %q", name)
	}
	return nil
}

// ResultsTableName derives the per-pipeline results table name.
func ResultsTableName(pipelineName string) string {
	return nonIdentChars.ReplaceAllString(pipelineName, "_") + "_results"
}

func (s *Storage) LogJinxCall(call *models.JinxCall) (int64, error) {
	inputsJSON, err := json.Marshal(call.Inputs)
	if err != nil {
		return 0, err
	}
	outputJSON, err := json.Marshal(call.Output)
	if err != nil {
		return 0, err
	}

	result, err := s.db.Exec(
		`INSERT INTO jinx_calls (conversation_id, message_id, team_name, guardian_name, jinx_name, inputs, output, status, error_message, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		call.ConversationID, call.MessageID, call.TeamName, call.GuardianName,
		call.JinxName, string(inputsJSON), string(outputJSON), call.Status,
		call.ErrorMessage, call.DurationMS,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *Storage) ListJinxCalls(limit int) ([]*models.JinxCall, error) {
	rows, err := s.db.Query(
		`SELECT id, conversation_id, message_id, team_name, guardian_name, jinx_name, inputs, output, status, error_message, duration_ms, created_at
		 FROM jinx_calls ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []*models.JinxCall
	for rows.Next() {
		var call models.JinxCall
		var convID, msgID, teamName, guardianName sql.NullString
		var inputsJSON, outputJSON, errMsg sql.NullString
		var duration sql.NullInt64

		err := rows.Scan(
			&call.ID, &convID, &msgID, &teamName,
			&guardianName, &call.JinxName, &inputsJSON, &outputJSON,
			&call.Status, &errMsg, &duration, &call.CreatedAt,
		)
		if err != nil {
			return nil, err
		}

		call.ConversationID = convID.String
		call.MessageID = msgID.String
		call.TeamName = teamName.String
		call.GuardianName = guardianName.String
		if inputsJSON.Valid {
			json.Unmarshal([]byte(inputsJSON.String), &call.Inputs)
		}
		if outputJSON.Valid {
			var out any
			if err := json.Unmarshal([]byte(outputJSON.String), &out); err == nil {
				call.Output = out
			}
		}
		call.ErrorMessage = errMsg.String
		call.DurationMS = duration.Int64

		calls = append(calls, &call)
	}

	return calls, rows.Err()
}

func (s *Storage) CreatePipelineRun(name, hash string) (int64, error) {
	result, err := s.db.Exec(
		`INSERT INTO pipeline_runs (pipeline_name, pipeline_hash) VALUES (?, ?)`,
		name, hash,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *Storage) ListPipelineRuns(limit int) ([]*models.PipelineRun, error) {
	rows, err := s.db.Query(
		`SELECT run_id, pipeline_name, pipeline_hash, created_at
		 FROM pipeline_runs ORDER BY run_id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.PipelineRun
	for rows.Next() {
		var run models.PipelineRun
		if err := rows.Scan(&run.RunID, &run.Name, &run.Hash, &run.CreatedAt); err != nil {
			return nil, err
		}
		runs = append(runs, &run)
	}

	return runs, rows.Err()
}

// EnsureResultsTable creates the per-pipeline results table if missing
// and returns its name.
func (s *Storage) EnsureResultsTable(pipelineName string) (string, error) {
	table := ResultsTableName(pipelineName)
	if err := validIdent(table); err != nil {
		return "", err
	}

	_, err := s.db.Exec(fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		result_id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER,
		step_name TEXT,
		guardian_name TEXT,
		model TEXT,
		provider TEXT,
		inputs TEXT,
		outputs TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY(run_id) REFERENCES pipeline_runs(run_id)
	)`, table))
	if err != nil {
		return "", err
	}
	return table, nil
}

func (s *Storage) StoreStepResult(table string, res *models.StepResult) error {
	if err := validIdent(table); err != nil {
		return err
	}

	inputsJSON, err := json.Marshal(res.Inputs)
	if err != nil {
		return err
	}
	outputsJSON, err := json.Marshal(res.Outputs)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(fmt.Sprintf(`
		INSERT INTO %s (run_id, step_name, guardian_name, model, provider, inputs, outputs)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, table),
		res.RunID, res.StepName, res.GuardianName, res.Model, res.Provider,
		string(inputsJSON), string(outputsJSON),
	)
	return err
}

func (s *Storage) GetStepResults(table string, runID int64) ([]*models.StepResult, error) {
	if err := validIdent(table); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT result_id, run_id, step_name, guardian_name, model, provider, inputs, outputs, created_at
		FROM %s WHERE run_id = ? ORDER BY result_id`, table), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*models.StepResult
	for rows.Next() {
		var res models.StepResult
		var stepName, guardianName, model, provider sql.NullString
		var inputsJSON, outputsJSON sql.NullString

		err := rows.Scan(
			&res.ResultID, &res.RunID, &stepName, &guardianName,
			&model, &provider, &inputsJSON, &outputsJSON, &res.CreatedAt,
		)
		if err != nil {
			return nil, err
		}

		res.StepName = stepName.String
		res.GuardianName = guardianName.String
		res.Model = model.String
		res.Provider = provider.String
		if inputsJSON.Valid {
			json.Unmarshal([]byte(inputsJSON.String), &res.Inputs)
		}
		if outputsJSON.Valid {
			var out any
			if err := json.Unmarshal([]byte(outputsJSON.String), &out); err == nil {
				res.Outputs = out
			}
		}

		results = append(results, &res)
	}

	return results, rows.Err()
}

// FetchTable reads an entire table back as generic rows, in insertion
// order. Data-source pipeline steps iterate these.
func (s *Storage) FetchTable(table string) ([]map[string]any, error) {
	if err := validIdent(table); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(fmt.Sprintf(`SELECT * FROM %s`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(map[string]any, len(cols))
		for i, col := range cols {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		out = append(out, row)
	}

	return out, rows.Err()
}

func (s *Storage) LogEntry(entityID, entryType string, content any, metadata map[string]any) error {
	contentJSON, err := json.Marshal(content)
	if err != nil {
		return err
	}

	var metaJSON any
	if metadata != nil {
		data, err := json.Marshal(metadata)
		if err != nil {
			return err
		}
		metaJSON = string(data)
	}

	_, err = s.db.Exec(
		`INSERT INTO entity_log (entity_id, entry_type, content, metadata) VALUES (?, ?, ?, ?)`,
		entityID, entryType, string(contentJSON), metaJSON,
	)
	return err
}

func (s *Storage) GetLogEntries(entityID, entryType string, limit int) ([]*models.LogEntry, error) {
	query := `SELECT id, entity_id, entry_type, content, metadata, created_at FROM entity_log WHERE entity_id = ?`
	args := []any{entityID}
	if entryType != "" {
		query += ` AND entry_type = ?`
		args = append(args, entryType)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.LogEntry
	for rows.Next() {
		var entry models.LogEntry
		var contentJSON, metaJSON sql.NullString

		err := rows.Scan(&entry.ID, &entry.EntityID, &entry.EntryType, &contentJSON, &metaJSON, &entry.CreatedAt)
		if err != nil {
			return nil, err
		}

		if contentJSON.Valid {
			var content any
			if err := json.Unmarshal([]byte(contentJSON.String), &content); err == nil {
				entry.Content = content
			}
		}
		if metaJSON.Valid {
			json.Unmarshal([]byte(metaJSON.String), &entry.Metadata)
		}

		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}

func (s *Storage) SaveMessage(row *models.MessageRow) error {
	_, err := s.db.Exec(
		`INSERT INTO messages (guardian_name, conversation_id, role, content) VALUES (?, ?, ?, ?)`,
		row.GuardianName, row.ConversationID, row.Role, row.Content,
	)
	return err
}

// RecentMessages returns the newest n turns for a guardian in
// chronological order.
func (s *Storage) RecentMessages(guardianName string, n int) ([]*models.MessageRow, error) {
	rows, err := s.db.Query(
		`SELECT id, guardian_name, conversation_id, role, content, created_at
		 FROM messages WHERE guardian_name = ? ORDER BY id DESC LIMIT ?`,
		guardianName, n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*models.MessageRow
	for rows.Next() {
		var msg models.MessageRow
		var convID sql.NullString
		if err := rows.Scan(&msg.ID, &msg.GuardianName, &convID, &msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.ConversationID = convID.String
		msgs = append(msgs, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// FormatTimeAgo renders a timestamp for list views.
func FormatTimeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2 2006")
	}
}
