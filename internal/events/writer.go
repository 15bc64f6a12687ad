package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"quoteline/internal/db"
	"quoteline/internal/domain"
)

// TimeLayout is fixed-width so stored timestamps sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Writer appends history rows inside the caller's transaction, so an entry is
// committed together with the state change it records.
type Writer struct {
	Dialect db.Dialect
	Now     func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, entry domain.HistoryEntry) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = w.Now()
	}
	payload := entry.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal history payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, w.Dialect.Rebind(`INSERT INTO history(quotation_id,seq,ts,event,previous_state,state,payload_json) VALUES (?,?,?,?,?,?,?)`),
		entry.QuotationID, entry.Seq, ts.UTC().Format(TimeLayout), string(entry.Event), string(entry.PreviousState), string(entry.State), string(data))
	if err != nil {
		return fmt.Errorf("append history %s#%d: %w", entry.QuotationID, entry.Seq, err)
	}
	return nil
}
