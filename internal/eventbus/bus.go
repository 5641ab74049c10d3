package eventbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Bus persists every emitted event, forwards it to an optional broadcaster,
// and dispatches it to subscribed handlers. Persistence is attempted before
// broadcast and dispatch, but a storage or broadcast failure never blocks
// delivery to the remaining steps.
type Bus struct {
	db *sql.DB

	mu          sync.RWMutex
	broadcaster Broadcaster
	byType      map[Type][]Handler
	byNamespace map[string][]Handler
}

func NewBus(db *sql.DB) *Bus {
	return &Bus{
		db:          db,
		byType:      map[Type][]Handler{},
		byNamespace: map[string][]Handler{},
	}
}

// SetBroadcaster attaches the external listener sink. Passing nil detaches it.
func (b *Bus) SetBroadcaster(bc Broadcaster) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broadcaster = bc
}

// Subscribe registers a handler for one exact event type.
func (b *Bus) Subscribe(t Type, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byType[t] = append(b.byType[t], h)
}

// SubscribeNamespace registers a handler for every event whose type lives
// under the given namespace, e.g. "job" matches job.created, job.cancelled.
func (b *Bus) SubscribeNamespace(namespace string, h Handler) {
	if h == nil {
		return
	}
	namespace = strings.TrimSuffix(strings.TrimSpace(namespace), ".*")
	if namespace == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byNamespace[namespace] = append(b.byNamespace[namespace], h)
}

// Emit records and delivers one event. The returned event carries the
// generated ID and timestamp. Emit only fails on invalid input; persistence
// and delivery problems are logged and contained.
func (b *Bus) Emit(ctx context.Context, input EventInput) (Event, error) {
	if strings.TrimSpace(string(input.Type)) == "" {
		return Event{}, fmt.Errorf("event type is required")
	}
	level := input.Level
	if level == "" {
		level = LevelInfo
	}

	event := Event{
		ID:            ulid.Make().String(),
		CorrelationID: input.CorrelationID,
		Type:          input.Type,
		Source:        input.Source,
		Payload:       input.Payload,
		Level:         level,
		Timestamp:     time.Now().UTC(),
	}

	if err := b.persist(ctx, event); err != nil {
		slog.Error("persist event failed", "type", event.Type, "err", err)
	}

	b.mu.RLock()
	bc := b.broadcaster
	handlers := append([]Handler{}, b.byType[event.Type]...)
	handlers = append(handlers, b.byNamespace[event.Type.Namespace()]...)
	b.mu.RUnlock()

	if bc != nil {
		if err := bc.Broadcast(event.Wire()); err != nil {
			slog.Error("broadcast event failed", "type", event.Type, "err", err)
		}
	}

	for _, h := range handlers {
		go b.dispatch(h, event)
	}

	return event, nil
}

func (b *Bus) dispatch(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked", "type", event.Type, "panic", r)
		}
	}()
	h(event)
}

func (b *Bus) persist(ctx context.Context, event Event) error {
	payloadJSON, err := encodeJSON(event.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO events (id, correlation_id, type, source, payload, level, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, event.ID, nullString(event.CorrelationID), string(event.Type), nullString(event.Source),
		payloadJSON, string(event.Level), event.Timestamp.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// List queries persisted event history. History is never redelivered to
// handlers; this is a read-only audit view.
func (b *Bus) List(ctx context.Context, filter ListFilter) ([]Event, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, correlation_id, type, source, payload, level, created_at FROM events`
	var clauses []string
	var args []any
	if filter.TypePrefix != "" {
		clauses = append(clauses, "type LIKE ?")
		args = append(args, filter.TypePrefix+"%")
	}
	if filter.CorrelationID != "" {
		clauses = append(clauses, "correlation_id = ?")
		args = append(args, filter.CorrelationID)
	}
	if filter.Level != "" {
		clauses = append(clauses, "level = ?")
		args = append(args, string(filter.Level))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var event Event
		var correlationStr, sourceStr, payloadStr sql.NullString
		var typeStr, levelStr, createdAtStr string
		if err := rows.Scan(&event.ID, &correlationStr, &typeStr, &sourceStr, &payloadStr, &levelStr, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event.CorrelationID = correlationStr.String
		event.Type = Type(typeStr)
		event.Source = sourceStr.String
		event.Payload = decodeJSONMap(payloadStr.String)
		event.Level = Level(levelStr)
		event.Timestamp, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func encodeJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeJSONMap(v string) map[string]any {
	if v == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil
	}
	return out
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
