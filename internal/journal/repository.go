// Package journal records what the UPnP node observed (device lifecycle,
// outgoing subscription lifecycle and evented state values) in SQLite so it
// can be inspected after the fact.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Device event kinds.
const (
	KindRemoteAdded   = "remote_added"
	KindRemoteUpdated = "remote_updated"
	KindRemoteRemoved = "remote_removed"
	KindLocalAdded    = "local_added"
	KindLocalRemoved  = "local_removed"
)

// Subscription event kinds.
const (
	KindEstablished  = "established"
	KindFailed       = "failed"
	KindEnded        = "ended"
	KindEventsMissed = "events_missed"
	KindInvalid      = "invalid_message"
)

const (
	// timeLayout is fixed width so stored timestamps sort as text.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

	defaultListLimit = 50
	maxListLimit     = 500
)

// DeviceEvent is one registry change of a device.
type DeviceEvent struct {
	ID           int64     `json:"id"`
	Kind         string    `json:"kind"`
	UDN          string    `json:"udn"`
	DeviceType   string    `json:"device_type"`
	FriendlyName string    `json:"friendly_name,omitempty"`
	Location     string    `json:"location,omitempty"`
	Local        bool      `json:"local"`
	CreatedAt    time.Time `json:"created_at"`
}

// SubscriptionEvent is one lifecycle change of an outgoing subscription.
type SubscriptionEvent struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	SID       string    `json:"sid,omitempty"`
	UDN       string    `json:"udn"`
	ServiceID string    `json:"service_id"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// StateEvent is one state variable value received in a GENA event.
type StateEvent struct {
	ID         int64     `json:"id"`
	SID        string    `json:"sid"`
	UDN        string    `json:"udn"`
	ServiceID  string    `json:"service_id"`
	Sequence   uint32    `json:"sequence"`
	Variable   string    `json:"variable"`
	Value      string    `json:"value"`
	ReceivedAt time.Time `json:"received_at"`
}

// Filter controls which entries List calls return.
type Filter struct {
	UDN       string    // optional: only this device
	Kind      string    // optional: device or subscription event kind
	ServiceID string    // optional: state events of this service
	Since     time.Time // optional: entries at or after this time
	Limit     int       // default 50, max 500
}

// Repository defines the journal operations.
type Repository interface {
	RecordDevice(ctx context.Context, e *DeviceEvent) error
	RecordSubscription(ctx context.Context, e *SubscriptionEvent) error
	RecordStates(ctx context.Context, events []StateEvent) error
	ListDeviceEvents(ctx context.Context, filter Filter) ([]DeviceEvent, error)
	ListStateEvents(ctx context.Context, filter Filter) ([]StateEvent, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// SQLiteRepository stores the journal in SQLite.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository creates a journal on an open, migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// RecordDevice inserts a device event. CreatedAt is set if zero.
func (r *SQLiteRepository) RecordDevice(ctx context.Context, e *DeviceEvent) error {
	if e.UDN == "" || e.Kind == "" {
		return fmt.Errorf("device event needs kind and udn")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now()
	}

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO device_events (kind, udn, device_type, friendly_name, location, local, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Kind, e.UDN, e.DeviceType,
		nullableString(e.FriendlyName), nullableString(e.Location),
		boolToInt(e.Local), e.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting device event: %w", err)
	}
	e.ID, _ = res.LastInsertId() //nolint:errcheck // sqlite3 always reports the rowid
	return nil
}

// RecordSubscription inserts a subscription event. CreatedAt is set if zero.
func (r *SQLiteRepository) RecordSubscription(ctx context.Context, e *SubscriptionEvent) error {
	if e.Kind == "" || e.UDN == "" || e.ServiceID == "" {
		return fmt.Errorf("subscription event needs kind, udn and service id")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now()
	}

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO subscription_events (kind, sid, udn, service_id, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.Kind, nullableString(e.SID), e.UDN, e.ServiceID,
		nullableString(e.Detail), e.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting subscription event: %w", err)
	}
	e.ID, _ = res.LastInsertId() //nolint:errcheck // sqlite3 always reports the rowid
	return nil
}

// RecordStates inserts the values of one event in a single transaction.
func (r *SQLiteRepository) RecordStates(ctx context.Context, events []StateEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO state_events (sid, udn, service_id, sequence, variable, value, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing state insert: %w", err)
	}
	defer stmt.Close()

	now := r.now()
	for i := range events {
		e := &events[i]
		if e.ReceivedAt.IsZero() {
			e.ReceivedAt = now
		}
		if _, err := stmt.ExecContext(ctx,
			e.SID, e.UDN, e.ServiceID, int64(e.Sequence), e.Variable, e.Value,
			e.ReceivedAt.UTC().Format(timeLayout),
		); err != nil {
			return fmt.Errorf("inserting state event %s: %w", e.Variable, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing state events: %w", err)
	}
	return nil
}

// ListDeviceEvents returns device events matching the filter, newest first.
func (r *SQLiteRepository) ListDeviceEvents(ctx context.Context, filter Filter) ([]DeviceEvent, error) {
	where, args := buildWhere(filter, "created_at", map[string]string{"udn": filter.UDN, "kind": filter.Kind})
	// WHERE clause is built from fixed column names and ? placeholders.
	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions
		`SELECT id, kind, udn, device_type, friendly_name, location, local, created_at
		 FROM device_events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, clampLimit(filter.Limit))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying device events: %w", err)
	}
	defer rows.Close()

	events := []DeviceEvent{}
	for rows.Next() {
		var (
			e                      DeviceEvent
			friendlyName, location sql.NullString
			local                  int
			createdAt              string
		)
		if err := rows.Scan(&e.ID, &e.Kind, &e.UDN, &e.DeviceType, &friendlyName, &location, &local, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning device event: %w", err)
		}
		e.FriendlyName = friendlyName.String
		e.Location = location.String
		e.Local = local != 0
		if e.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("parsing device event timestamp %q: %w", createdAt, err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device events: %w", err)
	}
	return events, nil
}

// ListStateEvents returns received state values matching the filter, newest
// first.
func (r *SQLiteRepository) ListStateEvents(ctx context.Context, filter Filter) ([]StateEvent, error) {
	where, args := buildWhere(filter, "received_at", map[string]string{"udn": filter.UDN, "service_id": filter.ServiceID})
	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions
		`SELECT id, sid, udn, service_id, sequence, variable, value, received_at
		 FROM state_events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, clampLimit(filter.Limit))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying state events: %w", err)
	}
	defer rows.Close()

	events := []StateEvent{}
	for rows.Next() {
		var (
			e          StateEvent
			seq        int64
			receivedAt string
		)
		if err := rows.Scan(&e.ID, &e.SID, &e.UDN, &e.ServiceID, &seq, &e.Variable, &e.Value, &receivedAt); err != nil {
			return nil, fmt.Errorf("scanning state event: %w", err)
		}
		e.Sequence = uint32(seq) //nolint:gosec // stored from a uint32
		if e.ReceivedAt, err = time.Parse(timeLayout, receivedAt); err != nil {
			return nil, fmt.Errorf("parsing state event timestamp %q: %w", receivedAt, err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating state events: %w", err)
	}
	return events, nil
}

// Prune deletes entries older than before from every journal table and
// returns how many rows were removed.
func (r *SQLiteRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	cutoff := before.UTC().Format(timeLayout)
	var total int64
	for _, q := range []string{
		"DELETE FROM device_events WHERE created_at < ?",
		"DELETE FROM subscription_events WHERE created_at < ?",
		"DELETE FROM state_events WHERE received_at < ?",
	} {
		res, err := r.db.ExecContext(ctx, q, cutoff)
		if err != nil {
			return total, fmt.Errorf("pruning journal: %w", err)
		}
		n, _ := res.RowsAffected() //nolint:errcheck // sqlite3 always reports affected rows
		total += n
	}
	return total, nil
}

// buildWhere assembles equality conditions for the non-empty columns and a
// lower time bound on timeColumn.
func buildWhere(filter Filter, timeColumn string, equals map[string]string) (string, []any) {
	var (
		conditions []string
		args       []any
	)
	// Fixed order keeps the generated SQL stable.
	for _, col := range []string{"udn", "kind", "service_id"} {
		if v, ok := equals[col]; ok && v != "" {
			conditions = append(conditions, col+" = ?")
			args = append(args, v)
		}
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, timeColumn+" >= ?")
		args = append(args, filter.Since.UTC().Format(timeLayout))
	}
	if len(conditions) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// nullableString returns nil for empty strings, or the string otherwise.
// Used for nullable TEXT columns in SQLite.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
