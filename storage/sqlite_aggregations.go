package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"warden/core"
)

const deleteChunkSize = 500

var _ AggregationStore = (*SQLiteAggregationStore)(nil)

var identSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_]+`)

// SQLiteAggregationStore persists bucketed events for aggregation rules.
//
// Each rule gets its own table (agg_events_<rule id>) with fixed columns
// (id, event_time, payload) plus one TEXT column per observed data-field
// name, added on demand. The payload column holds the full msgpack-encoded
// event so Query can hand back complete events; the per-field columns exist
// so aggregate producers can group and filter in SQL. Column sets grow over
// a rule's lifetime and are merged, never overwritten.
type SQLiteAggregationStore struct {
	db     *SQLite
	logger *zap.SugaredLogger

	// schemaMu guards tables: rule id -> sanitized column names present
	schemaMu sync.Mutex
	tables   map[string]map[string]struct{}
}

// NewSQLiteAggregationStore wraps an open SQLite handle as an AggregationStore
func NewSQLiteAggregationStore(db *SQLite, logger *zap.SugaredLogger) *SQLiteAggregationStore {
	return &SQLiteAggregationStore{
		db:     db,
		logger: logger,
		tables: make(map[string]map[string]struct{}),
	}
}

// TableName returns the bucket table name for a rule id
func TableName(ruleID string) string {
	return "agg_events_" + sanitizeIdent(ruleID)
}

func sanitizeIdent(s string) string {
	return identSanitizer.ReplaceAllString(strings.ToLower(s), "_")
}

// fieldColumn maps an event data-field name to its column name. The prefix
// keeps user-controlled field names clear of the fixed columns.
func fieldColumn(field string) string {
	return "f_" + sanitizeIdent(field)
}

// ensureSchema creates the rule's table on first use and adds any columns
// not yet present for the given field names. Must not run concurrently with
// itself; schemaMu serializes all DDL.
func (s *SQLiteAggregationStore) ensureSchema(ctx context.Context, ruleID string, fields []string) error {
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()

	table := TableName(ruleID)
	cols, known := s.tables[ruleID]
	if !known {
		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_time TEXT NOT NULL,
			payload BLOB NOT NULL
		)`, table)
		if _, err := s.db.WriteDB.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create bucket table for rule %s: %w", ruleID, err)
		}
		cols = make(map[string]struct{})

		// the table may predate this process; pick up existing columns
		rows, err := s.db.WriteDB.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
		if err != nil {
			return fmt.Errorf("read bucket schema for rule %s: %w", ruleID, err)
		}
		for rows.Next() {
			var (
				cid        int
				name, typ  string
				notNull    int
				defaultVal sql.NullString
				pk         int
			)
			if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
				rows.Close()
				return fmt.Errorf("scan bucket schema for rule %s: %w", ruleID, err)
			}
			cols[name] = struct{}{}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("read bucket schema for rule %s: %w", ruleID, err)
		}
		rows.Close()
		s.tables[ruleID] = cols
	}

	for _, field := range fields {
		col := fieldColumn(field)
		if _, ok := cols[col]; ok {
			continue
		}
		ddl := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s TEXT`, table, col)
		if _, err := s.db.WriteDB.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("add column %s for rule %s: %w", col, ruleID, err)
		}
		cols[col] = struct{}{}
	}
	return nil
}

// Insert persists each rule's events and reports every assigned id and the
// column set involved through onInsert. Failures are scoped per rule: one
// rule's broken insert never blocks the rest of the batch.
func (s *SQLiteAggregationStore) Insert(ctx context.Context, byRule map[*core.AggregationRule][]*core.Event, onInsert InsertCallback, props RulePropertiesProvider) error {
	var errs []error
	for rule, events := range byRule {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := s.insertForRule(ctx, rule, events, onInsert, props); err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", rule.ID(), err))
		}
	}
	return errors.Join(errs...)
}

func (s *SQLiteAggregationStore) insertForRule(ctx context.Context, rule *core.AggregationRule, events []*core.Event, onInsert InsertCallback, props RulePropertiesProvider) error {
	// the properties provider supplies grouping fields that must exist as
	// columns even before an event carrying them arrives
	properties := rule.Properties()
	if props != nil {
		if p := props.GetProperties(rule.ID()); len(p) > 0 {
			properties = p
		}
	}

	for _, event := range events {
		if err := ctx.Err(); err != nil {
			return err
		}

		fields := event.FieldNames()
		columns := mergeFieldSets(fields, properties)
		if err := s.ensureSchema(ctx, rule.ID(), columns); err != nil {
			return err
		}

		payload, err := msgpack.Marshal(event)
		if err != nil {
			return fmt.Errorf("encode event payload: %w", err)
		}

		colNames := []string{"event_time", "payload"}
		args := []any{event.Timestamp.UTC().Format(time.RFC3339Nano), payload}
		for _, field := range fields {
			v, _ := event.Field(field)
			colNames = append(colNames, fieldColumn(field))
			args = append(args, v)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(colNames)), ",")

		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			TableName(rule.ID()), strings.Join(colNames, ", "), placeholders)
		res, err := s.db.WriteDB.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("insert bucketed event: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("read assigned event id: %w", err)
		}

		if onInsert != nil {
			onInsert(rule, id, columns)
		}
	}
	return nil
}

func mergeFieldSets(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, set := range [][]string{a, b} {
		for _, f := range set {
			if _, ok := seen[f]; ok {
				continue
			}
			seen[f] = struct{}{}
			out = append(out, f)
		}
	}
	return out
}

// Query runs an ad hoc lookup against a rule's bucket and maps the result
// rows back to events. Rows selecting the payload column decode to the full
// original event (with StoreID populated when id is selected too); rows
// produced by grouped/derived queries are synthesized into events whose
// data fields are the result columns.
func (s *SQLiteAggregationStore) Query(ruleID string, query string) ([]*core.Event, error) {
	rows, err := s.db.ReadDB.Query(query)
	if err != nil {
		return nil, fmt.Errorf("query bucket for rule %s: %w", ruleID, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read result columns for rule %s: %w", ruleID, err)
	}

	var events []*core.Event
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan bucket row for rule %s: %w", ruleID, err)
		}
		event, err := rowToEvent(columns, values)
		if err != nil {
			return nil, fmt.Errorf("decode bucket row for rule %s: %w", ruleID, err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bucket rows for rule %s: %w", ruleID, err)
	}
	return events, nil
}

func rowToEvent(columns []string, values []any) (*core.Event, error) {
	var (
		event   *core.Event
		storeID int64
		data    = make(map[string]string)
		ts      time.Time
	)

	for i, col := range columns {
		v := values[i]
		switch col {
		case "payload":
			blob, ok := v.([]byte)
			if !ok || len(blob) == 0 {
				continue
			}
			decoded := &core.Event{}
			if err := msgpack.Unmarshal(blob, decoded); err != nil {
				return nil, fmt.Errorf("decode payload: %w", err)
			}
			event = decoded
		case "id":
			if n, ok := v.(int64); ok {
				storeID = n
			}
		case "event_time":
			if str := valueToString(v); str != "" {
				if parsed, err := time.Parse(time.RFC3339Nano, str); err == nil {
					ts = parsed
				}
			}
		default:
			name := strings.TrimPrefix(col, "f_")
			data[name] = valueToString(v)
		}
	}

	if event == nil {
		event = &core.Event{Timestamp: ts, Data: data}
		if ts.IsZero() {
			event.Timestamp = time.Now().UTC()
		}
	}
	if storeID != 0 {
		event.StoreID = storeID
	}
	return event, nil
}

func valueToString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case int64:
		return fmt.Sprintf("%d", x)
	case float64:
		return fmt.Sprintf("%g", x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// Delete removes the given event ids from a rule's bucket. Ids are chunked
// to stay under SQLite's bound-parameter limit. Deleting from a bucket that
// was never created is a no-op.
func (s *SQLiteAggregationStore) Delete(ctx context.Context, ruleID string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	s.schemaMu.Lock()
	_, known := s.tables[ruleID]
	s.schemaMu.Unlock()
	if !known {
		return nil
	}

	table := TableName(ruleID)
	for start := 0; start < len(ids); start += deleteChunkSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + deleteChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		query := fmt.Sprintf("DELETE FROM %s WHERE id IN (%s)", table, placeholders)
		if _, err := s.db.WriteDB.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("prune bucket for rule %s: %w", ruleID, err)
		}
	}
	return nil
}
