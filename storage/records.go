package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Record is one captured HTTP request/response cycle. Records are written
// once and never updated.
type Record struct {
	ID              string            `json:"id"`
	Timestamp       int64             `json:"timestamp"`
	Method          string            `json:"method"`
	Path            string            `json:"path"`
	Query           string            `json:"query"`
	StatusCode      int               `json:"status_code"`
	DurationMs      int64             `json:"duration_ms"`
	ClientIP        string            `json:"client_ip"`
	UserAgent       string            `json:"user_agent"`
	RequestHeaders  map[string]string `json:"request_headers"`
	RequestBody     string            `json:"request_body"`
	ResponseHeaders map[string]string `json:"response_headers"`
	ResponseBody    string            `json:"response_body"`
	ResponseSize    int64             `json:"response_size"`
	Error           string            `json:"error"`
}

// Field looks a value up by its JSON name.
func (r *Record) Field(name string) (interface{}, bool) {
	switch name {
	case "id":
		return r.ID, true
	case "timestamp":
		return r.Timestamp, true
	case "method":
		return r.Method, true
	case "path":
		return r.Path, true
	case "query":
		return r.Query, true
	case "status_code":
		return r.StatusCode, true
	case "duration_ms":
		return r.DurationMs, true
	case "client_ip":
		return r.ClientIP, true
	case "user_agent":
		return r.UserAgent, true
	case "request_headers":
		return r.RequestHeaders, true
	case "request_body":
		return r.RequestBody, true
	case "response_headers":
		return r.ResponseHeaders, true
	case "response_body":
		return r.ResponseBody, true
	case "response_size":
		return r.ResponseSize, true
	case "error":
		return r.Error, true
	}
	return nil, false
}

// RecordRepo is the persistent record store. All returns records in creation
// order.
type RecordRepo interface {
	Save(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	All(ctx context.Context) ([]*Record, error)
	Count(ctx context.Context) (int64, error)
	DeleteAll(ctx context.Context) (int64, error)
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// prepare assigns identity before insert. ulid.Make draws from a
// process-wide monotonic source, so IDs sort in creation order.
func prepare(rec *Record) {
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().UnixMilli()
	}
}

type SQLiteRecordRepo struct {
	db *sql.DB
}

func NewSQLiteRecordRepo(db *sql.DB) *SQLiteRecordRepo {
	return &SQLiteRecordRepo{db: db}
}

const recordColumns = `id, timestamp, method, path, query, status_code, duration_ms, client_ip, user_agent,
	request_headers, request_body, response_headers, response_body, response_size, error`

func (r *SQLiteRecordRepo) Save(ctx context.Context, rec *Record) error {
	prepare(rec)

	reqHeaders, err := json.Marshal(rec.RequestHeaders)
	if err != nil {
		return fmt.Errorf("marshal request headers: %w", err)
	}
	respHeaders, err := json.Marshal(rec.ResponseHeaders)
	if err != nil {
		return fmt.Errorf("marshal response headers: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO request_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Timestamp, rec.Method, rec.Path, rec.Query, rec.StatusCode, rec.DurationMs, rec.ClientIP, rec.UserAgent,
		string(reqHeaders), rec.RequestBody, string(respHeaders), rec.ResponseBody, rec.ResponseSize, rec.Error)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

func (r *SQLiteRecordRepo) Get(ctx context.Context, id string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM request_records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *SQLiteRecordRepo) All(ctx context.Context) ([]*Record, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM request_records ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	records := []*Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *SQLiteRecordRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM request_records").Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

func (r *SQLiteRecordRepo) DeleteAll(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM request_records")
	if err != nil {
		return 0, fmt.Errorf("delete records: %w", err)
	}
	return res.RowsAffected()
}

func (r *SQLiteRecordRepo) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM request_records WHERE timestamp < ?", olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune records: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	rec := &Record{}
	var reqHeaders, respHeaders string
	err := row.Scan(&rec.ID, &rec.Timestamp, &rec.Method, &rec.Path, &rec.Query, &rec.StatusCode, &rec.DurationMs,
		&rec.ClientIP, &rec.UserAgent, &reqHeaders, &rec.RequestBody, &respHeaders, &rec.ResponseBody,
		&rec.ResponseSize, &rec.Error)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan record: %w", err)
	}

	if err := json.Unmarshal([]byte(reqHeaders), &rec.RequestHeaders); err != nil {
		return nil, fmt.Errorf("unmarshal request headers: %w", err)
	}
	if err := json.Unmarshal([]byte(respHeaders), &rec.ResponseHeaders); err != nil {
		return nil, fmt.Errorf("unmarshal response headers: %w", err)
	}
	return rec, nil
}
