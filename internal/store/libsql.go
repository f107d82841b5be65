package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/corvid-labs/flume/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Definitions ---

func (s *LibSQLStore) SaveDefinition(ctx context.Context, def *Definition) error {
	doc, err := json.Marshal(def.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO definitions (id, name, definition, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, definition=excluded.definition, updated_at=CURRENT_TIMESTAMP`,
		def.ID, def.Name, string(doc), timeOrNow(def.CreatedAt), timeOrNow(def.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetDefinition(ctx context.Context, id string) (*Definition, error) {
	d := &Definition{}
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, definition, created_at, updated_at FROM definitions WHERE id = ?`, id,
	).Scan(&d.ID, &d.Name, &doc, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("definition", id)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(doc), &d.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return d, nil
}

func (s *LibSQLStore) ListDefinitions(ctx context.Context, limit int) ([]*Definition, error) {
	query := `SELECT id, name, definition, created_at, updated_at FROM definitions ORDER BY name`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*Definition
	for rows.Next() {
		d := &Definition{}
		var doc string
		if err := rows.Scan(&d.ID, &d.Name, &doc, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(doc), &d.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

func (s *LibSQLStore) DeleteDefinition(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM definitions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "definition", id)
}

// --- Executions ---

const executionColumns = `id, pipeline_id, status, input, output, error, current_node, created_at, started_at, completed_at, heartbeat_at, updated_at`

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	input, err := marshalMapOrDefault(exec.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.PipelineID, string(exec.Status), string(input),
		nullRaw(exec.Output), nullRaw(exec.Error), nullStr(exec.CurrentNode),
		timeOrNow(exec.CreatedAt), nullTime(exec.StartedAt), nullTime(exec.CompletedAt),
		nullTime(exec.HeartbeatAt), timeOrNow(exec.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	return exec, err
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	sets, args := executionSets(update)
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE executions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", id)
}

// UpdateExecutionIf applies the update only while the execution still has the
// expected status. Exactly one of several concurrent writers racing toward a
// terminal state sees true; the rest lose and must discard their outcome.
func (s *LibSQLStore) UpdateExecutionIf(ctx context.Context, id string, expect schema.ExecutionStatus, update ExecutionUpdate) (bool, error) {
	sets, args := executionSets(update)
	if len(sets) == 0 {
		return false, nil
	}
	args = append(args, id, string(expect))

	query := fmt.Sprintf("UPDATE executions SET %s WHERE id = ? AND status = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func executionSets(update ExecutionUpdate) ([]string, []any) {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.CurrentNode != nil {
		sets = append(sets, "current_node = ?")
		args = append(args, nullStr(*update.CurrentNode))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) > 0 {
		sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	}
	return sets, args
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any

	if filter.PipelineID != "" {
		where = append(where, "pipeline_id = ?")
		args = append(args, filter.PipelineID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

func (s *LibSQLStore) UpdateHeartbeat(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET heartbeat_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", id)
}

func (s *LibSQLStore) ListStalledExecutions(ctx context.Context, cutoff time.Time) ([]*Execution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM executions
		 WHERE status = ? AND heartbeat_at IS NOT NULL AND heartbeat_at < ?`,
		string(schema.ExecutionRunning), cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows for shared scan code.
type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (*Execution, error) {
	exec := &Execution{}
	var (
		inputJSON                         sql.NullString
		outputJSON, errorJSON, current    sql.NullString
		startedAt, completedAt, heartbeat sql.NullTime
		status                            string
	)
	err := row.Scan(&exec.ID, &exec.PipelineID, &status, &inputJSON, &outputJSON, &errorJSON,
		&current, &exec.CreatedAt, &startedAt, &completedAt, &heartbeat, &exec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	exec.Status = schema.ExecutionStatus(status)
	exec.CurrentNode = current.String
	if inputJSON.Valid && inputJSON.String != "" {
		_ = json.Unmarshal([]byte(inputJSON.String), &exec.Input)
	}
	exec.Output = rawOrNil(outputJSON)
	exec.Error = rawOrNil(errorJSON)
	if startedAt.Valid {
		exec.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Time
	}
	if heartbeat.Valid {
		exec.HeartbeatAt = &heartbeat.Time
	}
	return exec, nil
}

// --- Log entries ---

func (s *LibSQLStore) AppendLogEntry(ctx context.Context, entry *LogEntry) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO log_entries (execution_id, node_id, node_name, node_type, status, input, output, error, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ExecutionID, entry.NodeID, nullStr(entry.NodeName), string(entry.NodeType),
		string(entry.Status), nullRaw(entry.Input), nullRaw(entry.Output), nullRaw(entry.Error),
		timeOrNow(entry.StartedAt), nullTime(entry.CompletedAt), entry.DurationMs,
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	entry.ID = id
	return id, nil
}

func (s *LibSQLStore) CompleteLogEntry(ctx context.Context, id int64, status schema.LogStatus, output, errJSON []byte, completedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE log_entries SET status = ?, output = ?, error = ?, completed_at = ?,
		   duration_ms = CAST((julianday(?) - julianday(started_at)) * 86400000 AS INTEGER)
		 WHERE id = ?`,
		string(status), nullRaw(output), nullRaw(errJSON), completedAt, completedAt, id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "log entry", fmt.Sprintf("%d", id))
}

func (s *LibSQLStore) ListLogEntries(ctx context.Context, executionID string) ([]*LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, node_id, node_name, node_type, status, input, output, error, started_at, completed_at, duration_ms
		 FROM log_entries WHERE execution_id = ? ORDER BY id ASC`, executionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*LogEntry
	for rows.Next() {
		e := &LogEntry{}
		var (
			nodeName                  sql.NullString
			nodeType, status          string
			input, output, errJSON    sql.NullString
			completedAt               sql.NullTime
		)
		if err := rows.Scan(&e.ID, &e.ExecutionID, &e.NodeID, &nodeName, &nodeType, &status,
			&input, &output, &errJSON, &e.StartedAt, &completedAt, &e.DurationMs); err != nil {
			return nil, err
		}
		e.NodeName = nodeName.String
		e.NodeType = schema.NodeType(nodeType)
		e.Status = schema.LogStatus(status)
		e.Input = rawOrNil(input)
		e.Output = rawOrNil(output)
		e.Error = rawOrNil(errJSON)
		if completedAt.Valid {
			e.CompletedAt = &completedAt.Time
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Get next sequence number for this execution
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, node_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.NodeID), event.Type, nullRaw(event.Payload),
		timeOrNow(event.Timestamp), seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) ListEvents(ctx context.Context, executionID string, filter EventFilter) ([]*Event, error) {
	where := []string{"execution_id = ?"}
	args := []any{executionID}

	if filter.NodeID != "" {
		where = append(where, "node_id = ?")
		args = append(args, filter.NodeID)
	}
	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, execution_id, node_id, event_type, payload, timestamp, sequence FROM events WHERE ` +
		strings.Join(where, " AND ") + " ORDER BY sequence ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var nodeID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &nodeID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.NodeID = nodeID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Suspensions ---

func (s *LibSQLStore) CreateSuspension(ctx context.Context, susp *Suspension) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO suspensions (token, execution_id, node_id, kind, context, created_at, expires_at, consumed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		susp.Token, susp.ExecutionID, susp.NodeID, string(susp.Kind), nullRaw(susp.Context),
		timeOrNow(susp.CreatedAt), nullTime(susp.ExpiresAt), nullTime(susp.ConsumedAt),
	)
	return err
}

func (s *LibSQLStore) GetSuspension(ctx context.Context, token string) (*Suspension, error) {
	susp := &Suspension{}
	var (
		kind               string
		contextJSON        sql.NullString
		expires, consumed  sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT token, execution_id, node_id, kind, context, created_at, expires_at, consumed_at
		 FROM suspensions WHERE token = ?`, token,
	).Scan(&susp.Token, &susp.ExecutionID, &susp.NodeID, &kind, &contextJSON,
		&susp.CreatedAt, &expires, &consumed)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("suspension", token)
	}
	if err != nil {
		return nil, err
	}
	susp.Kind = schema.SuspensionKind(kind)
	susp.Context = rawOrNil(contextJSON)
	if expires.Valid {
		susp.ExpiresAt = &expires.Time
	}
	if consumed.Valid {
		susp.ConsumedAt = &consumed.Time
	}
	return susp, nil
}

// ConsumeSuspension is a single UPDATE guarded on consumed_at being unset and
// the TTL not having passed. Exactly one concurrent caller sees RowsAffected
// of 1; everyone else loses the race.
func (s *LibSQLStore) ConsumeSuspension(ctx context.Context, token string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE suspensions SET consumed_at = ?
		 WHERE token = ? AND consumed_at IS NULL AND (expires_at IS NULL OR expires_at > ?)`,
		now, token, now,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *LibSQLStore) ExpireSuspension(ctx context.Context, token string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE suspensions SET consumed_at = CURRENT_TIMESTAMP WHERE token = ? AND consumed_at IS NULL`,
		token,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *LibSQLStore) GetActiveSuspension(ctx context.Context, executionID string) (*Suspension, error) {
	var token string
	err := s.db.QueryRowContext(ctx,
		`SELECT token FROM suspensions WHERE execution_id = ? AND consumed_at IS NULL
		   AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY created_at DESC LIMIT 1`, executionID, time.Now().UTC(),
	).Scan(&token)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("active suspension for execution", executionID)
	}
	if err != nil {
		return nil, err
	}
	return s.GetSuspension(ctx, token)
}

func (s *LibSQLStore) ListExpiredSuspensions(ctx context.Context, now time.Time) ([]*Suspension, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token FROM suspensions
		 WHERE consumed_at IS NULL AND expires_at IS NOT NULL AND expires_at <= ?`, now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var susps []*Suspension
	for _, token := range tokens {
		susp, err := s.GetSuspension(ctx, token)
		if err != nil {
			return nil, err
		}
		susps = append(susps, susp)
	}
	return susps, nil
}

// --- Webhook endpoints ---

func (s *LibSQLStore) CreateWebhookEndpoint(ctx context.Context, ep *WebhookEndpoint) error {
	var allowedIPs any
	if len(ep.AllowedIPs) > 0 {
		b, err := json.Marshal(ep.AllowedIPs)
		if err != nil {
			return fmt.Errorf("marshal allowed_ips: %w", err)
		}
		allowedIPs = string(b)
	}
	method := ep.Method
	if method == "" {
		method = "POST"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_endpoints (correlation_id, suspension_token, execution_id, method, allowed_ips, secret, response, hit_count, last_hit_at, active, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ep.CorrelationID, ep.SuspensionToken, ep.ExecutionID, method, allowedIPs,
		nullStr(ep.Secret), nullRaw(ep.Response), ep.HitCount, nullTime(ep.LastHitAt),
		boolToInt(ep.Active), nullTime(ep.ExpiresAt), timeOrNow(ep.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetWebhookEndpoint(ctx context.Context, correlationID string) (*WebhookEndpoint, error) {
	ep := &WebhookEndpoint{}
	var (
		allowedIPs, secret, response sql.NullString
		lastHit, expires             sql.NullTime
		active                       int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT correlation_id, suspension_token, execution_id, method, allowed_ips, secret, response, hit_count, last_hit_at, active, expires_at, created_at
		 FROM webhook_endpoints WHERE correlation_id = ?`, correlationID,
	).Scan(&ep.CorrelationID, &ep.SuspensionToken, &ep.ExecutionID, &ep.Method,
		&allowedIPs, &secret, &response, &ep.HitCount, &lastHit, &active, &expires, &ep.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("webhook endpoint", correlationID)
	}
	if err != nil {
		return nil, err
	}
	if allowedIPs.Valid && allowedIPs.String != "" {
		_ = json.Unmarshal([]byte(allowedIPs.String), &ep.AllowedIPs)
	}
	ep.Secret = secret.String
	ep.Response = rawOrNil(response)
	ep.Active = active != 0
	if lastHit.Valid {
		ep.LastHitAt = &lastHit.Time
	}
	if expires.Valid {
		ep.ExpiresAt = &expires.Time
	}
	return ep, nil
}

func (s *LibSQLStore) RecordWebhookHit(ctx context.Context, correlationID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhook_endpoints SET hit_count = hit_count + 1, last_hit_at = ? WHERE correlation_id = ?`,
		at, correlationID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "webhook endpoint", correlationID)
}

func (s *LibSQLStore) DeactivateWebhookEndpoint(ctx context.Context, correlationID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhook_endpoints SET active = 0 WHERE correlation_id = ?`, correlationID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "webhook endpoint", correlationID)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlumeError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
