package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"quoteline/internal/db"
	"quoteline/internal/domain"
	"quoteline/internal/events"
)

type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
	Events  events.Writer
}

func New(conn *sql.DB, d db.Dialect) Repo {
	return Repo{DB: conn, Dialect: d, Events: events.Writer{Dialect: d}}
}

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionMismatch = errors.New("version mismatch")
	ErrAlreadyExists   = errors.New("already exists")
)

func (r Repo) q(query string) string {
	return r.Dialect.Rebind(query)
}

// Insert stores a new quotation at version 1 along with its history.
func (r Repo) Insert(ctx context.Context, q domain.Quotation) (domain.Quotation, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return q, err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, r.q(`SELECT 1 FROM quotations WHERE id=?`), q.ID).Scan(&exists)
	if err == nil {
		return q, fmt.Errorf("quotation %s: %w", q.ID, ErrAlreadyExists)
	}
	if err != sql.ErrNoRows {
		return q, err
	}
	q.Version = 1
	doc, err := encodeDoc(q)
	if err != nil {
		return q, err
	}
	if _, err := tx.ExecContext(ctx, r.q(`INSERT INTO quotations(id,state,supplier_email,pending,sent_at,version,created_at,updated_at,doc_json) VALUES (?,?,?,?,?,?,?,?,?)`),
		q.ID, string(q.State), normalizeEmail(q.Supplier.Email), boolInt(q.Pending), nullableTime(q.SentAt), q.Version,
		formatTime(q.CreatedAt), formatTime(q.UpdatedAt), doc); err != nil {
		return q, fmt.Errorf("insert quotation: %w", err)
	}
	for _, h := range q.History {
		if err := r.Events.Append(ctx, tx, h); err != nil {
			return q, err
		}
	}
	if err := tx.Commit(); err != nil {
		return q, err
	}
	return q, nil
}

// Commit persists q if the stored version still equals q.Version and appends
// entries in the same transaction. It returns q at its new version.
func (r Repo) Commit(ctx context.Context, q domain.Quotation, entries []domain.HistoryEntry) (domain.Quotation, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return q, err
	}
	defer tx.Rollback()

	expected := q.Version
	next := q
	next.Version = expected + 1
	doc, err := encodeDoc(next)
	if err != nil {
		return q, err
	}
	res, err := tx.ExecContext(ctx, r.q(`UPDATE quotations SET state=?, supplier_email=?, pending=?, sent_at=?, version=?, updated_at=?, doc_json=? WHERE id=? AND version=?`),
		string(next.State), normalizeEmail(next.Supplier.Email), boolInt(next.Pending), nullableTime(next.SentAt), next.Version,
		formatTime(next.UpdatedAt), doc, next.ID, expected)
	if err != nil {
		return q, fmt.Errorf("update quotation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var stored int64
		err := tx.QueryRowContext(ctx, r.q(`SELECT version FROM quotations WHERE id=?`), q.ID).Scan(&stored)
		if err == sql.ErrNoRows {
			return q, fmt.Errorf("quotation %s: %w", q.ID, ErrNotFound)
		}
		if err != nil {
			return q, err
		}
		return q, fmt.Errorf("quotation %s at version %d, expected %d: %w", q.ID, stored, expected, ErrVersionMismatch)
	}
	for _, h := range entries {
		if err := r.Events.Append(ctx, tx, h); err != nil {
			return q, err
		}
	}
	if err := tx.Commit(); err != nil {
		return q, err
	}
	return next, nil
}

const selectQuotation = `SELECT version,doc_json FROM quotations`

func scanQuotation(scan func(dest ...any) error) (domain.Quotation, error) {
	var (
		version int64
		doc     string
		q       domain.Quotation
	)
	if err := scan(&version, &doc); err != nil {
		if err == sql.ErrNoRows {
			return q, ErrNotFound
		}
		return q, err
	}
	if err := json.Unmarshal([]byte(doc), &q); err != nil {
		return q, fmt.Errorf("decode quotation: %w", err)
	}
	q.Version = version
	return q, nil
}

// Get returns the quotation without its history.
func (r Repo) Get(ctx context.Context, id string) (domain.Quotation, error) {
	row := r.DB.QueryRowContext(ctx, r.q(selectQuotation+` WHERE id=?`), id)
	return scanQuotation(row.Scan)
}

// GetWithHistory returns the quotation with its full history attached.
func (r Repo) GetWithHistory(ctx context.Context, id string) (domain.Quotation, error) {
	q, err := r.Get(ctx, id)
	if err != nil {
		return q, err
	}
	q.History, err = r.History(ctx, id)
	return q, err
}

type Filter struct {
	State         domain.State
	SupplierEmail string
	Pending       *bool
	Limit         int
}

func (r Repo) List(ctx context.Context, f Filter) ([]domain.Quotation, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, string(f.State))
	}
	if f.SupplierEmail != "" {
		clauses = append(clauses, "supplier_email=?")
		args = append(args, normalizeEmail(f.SupplierEmail))
	}
	if f.Pending != nil {
		clauses = append(clauses, "pending=?")
		args = append(args, boolInt(*f.Pending))
	}
	query := selectQuotation + ` WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return r.list(ctx, query, args...)
}

// AwaitingReply returns quotations in sent or waitingReply, oldest send first.
func (r Repo) AwaitingReply(ctx context.Context) ([]domain.Quotation, error) {
	res, err := r.list(ctx, selectQuotation+` WHERE state IN (?,?)`, string(domain.StateSent), string(domain.StateWaitingReply))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(res, func(i, j int) bool {
		a, b := res[i].SentAt, res[j].SentAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.Before(*b)
		}
	})
	return res, nil
}

func (r Repo) list(ctx context.Context, query string, args ...any) ([]domain.Quotation, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Quotation
	for rows.Next() {
		q, err := scanQuotation(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, q)
	}
	return res, rows.Err()
}

const selectHistory = `SELECT id,quotation_id,seq,ts,event,previous_state,state,payload_json FROM history`

func (r Repo) History(ctx context.Context, quotationID string) ([]domain.HistoryEntry, error) {
	return r.history(ctx, selectHistory+` WHERE quotation_id=? ORDER BY seq ASC`, quotationID)
}

// HistoryAfter returns entries with IDs greater than the cursor in ascending order.
func (r Repo) HistoryAfter(ctx context.Context, cursor int64, limit int) ([]domain.HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.history(ctx, selectHistory+` WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

// LatestHistoryID returns the most recent history row id.
func (r Repo) LatestHistoryID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM history`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) history(ctx context.Context, query string, args ...any) ([]domain.HistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		var (
			h                    domain.HistoryEntry
			ts, evt, prev, state string
			payload              string
		)
		if err := rows.Scan(&h.ID, &h.QuotationID, &h.Seq, &ts, &evt, &prev, &state, &payload); err != nil {
			return nil, err
		}
		h.Event = domain.EventType(evt)
		h.PreviousState = domain.State(prev)
		h.State = domain.State(state)
		if h.Timestamp, err = time.Parse(events.TimeLayout, ts); err != nil {
			return nil, fmt.Errorf("history %d timestamp: %w", h.ID, err)
		}
		if payload != "" && payload != "{}" {
			if err := json.Unmarshal([]byte(payload), &h.Payload); err != nil {
				return nil, fmt.Errorf("history %d payload: %w", h.ID, err)
			}
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

// MarkProcessed records that a mailbox message was handled. It reports false
// when the message had already been recorded.
func (r Repo) MarkProcessed(ctx context.Context, messageID, quotationID string, at time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO processed_messages(message_id,quotation_id,processed_at) VALUES (?,?,?) ON CONFLICT(message_id) DO NOTHING`),
		messageID, nullable(quotationID), formatTime(at))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT 1 FROM processed_messages WHERE message_id=?`), messageID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func encodeDoc(q domain.Quotation) (string, error) {
	q.History = nil
	data, err := json.Marshal(q)
	if err != nil {
		return "", fmt.Errorf("encode quotation: %w", err)
	}
	return string(data), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(events.TimeLayout)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
