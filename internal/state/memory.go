package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// MemoryEntry is a per-agent scratch value keyed by (agent_name, key).
type MemoryEntry struct {
	AgentName   string    `json:"agent_name"`
	Key         string    `json:"key"`
	Value       any       `json:"value"`
	CreatedAt   time.Time `json:"created_at"`
	TTLSeconds  int64     `json:"ttl_seconds,omitempty"`
	AccessCount int64     `json:"access_count"`
}

// MemorySet upserts a value. A ttl of zero means the entry never expires.
func (s *Store) MemorySet(ctx context.Context, agentName, key string, value any, ttl time.Duration) error {
	valueJSON, err := encodeJSON(value)
	if err != nil {
		return fmt.Errorf("encode memory value: %w", err)
	}
	var ttlSeconds any
	if ttl > 0 {
		ttlSeconds = int64(ttl / time.Second)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memory_store (agent_name, key, value, created_at, ttl_seconds, access_count)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT(agent_name, key) DO UPDATE SET
			value = excluded.value,
			created_at = excluded.created_at,
			ttl_seconds = excluded.ttl_seconds,
			access_count = 0
	`, agentName, key, valueJSON, now.Format(time.RFC3339Nano), ttlSeconds)
	if err != nil {
		return fmt.Errorf("upsert memory entry: %w", err)
	}
	return nil
}

// MemoryGet reads a value. Expiry is checked lazily: an entry whose
// created_at + ttl_seconds has passed is deleted on access and reported
// as missing.
func (s *Store) MemoryGet(ctx context.Context, agentName, key string) (MemoryEntry, error) {
	var entry MemoryEntry
	var valueStr sql.NullString
	var createdAtStr string
	var ttlSeconds sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT value, created_at, ttl_seconds, access_count
		FROM memory_store WHERE agent_name = ? AND key = ?
	`, agentName, key).Scan(&valueStr, &createdAtStr, &ttlSeconds, &entry.AccessCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MemoryEntry{}, fmt.Errorf("memory entry %s/%s: %w", agentName, key, ErrNotFound)
		}
		return MemoryEntry{}, fmt.Errorf("load memory entry: %w", err)
	}

	entry.AgentName = agentName
	entry.Key = key
	entry.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	if ttlSeconds.Valid {
		entry.TTLSeconds = ttlSeconds.Int64
		expiry := entry.CreatedAt.Add(time.Duration(ttlSeconds.Int64) * time.Second)
		if time.Now().UTC().After(expiry) {
			if err := s.MemoryDelete(ctx, agentName, key); err != nil {
				return MemoryEntry{}, err
			}
			return MemoryEntry{}, fmt.Errorf("memory entry %s/%s expired: %w", agentName, key, ErrNotFound)
		}
	}

	if valueStr.Valid && valueStr.String != "" {
		var value any
		if err := decodeJSONValue(valueStr.String, &value); err != nil {
			return MemoryEntry{}, fmt.Errorf("decode memory value: %w", err)
		}
		entry.Value = value
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE memory_store SET access_count = access_count + 1 WHERE agent_name = ? AND key = ?
	`, agentName, key); err != nil {
		return MemoryEntry{}, fmt.Errorf("bump memory access count: %w", err)
	}
	entry.AccessCount++
	return entry, nil
}

func (s *Store) MemoryDelete(ctx context.Context, agentName, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM memory_store WHERE agent_name = ? AND key = ?`, agentName, key)
	if err != nil {
		return fmt.Errorf("delete memory entry: %w", err)
	}
	return nil
}

// MemoryKeys lists the live keys for an agent. Expired entries are skipped
// but not deleted; deletion stays an on-access concern.
func (s *Store) MemoryKeys(ctx context.Context, agentName string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, created_at, ttl_seconds FROM memory_store WHERE agent_name = ? ORDER BY key
	`, agentName)
	if err != nil {
		return nil, fmt.Errorf("list memory keys: %w", err)
	}
	defer rows.Close()

	now := time.Now().UTC()
	var out []string
	for rows.Next() {
		var key, createdAtStr string
		var ttlSeconds sql.NullInt64
		if err := rows.Scan(&key, &createdAtStr, &ttlSeconds); err != nil {
			return nil, fmt.Errorf("scan memory key: %w", err)
		}
		if ttlSeconds.Valid {
			createdAt, _ := time.Parse(time.RFC3339Nano, createdAtStr)
			if now.After(createdAt.Add(time.Duration(ttlSeconds.Int64) * time.Second)) {
				continue
			}
		}
		out = append(out, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory keys: %w", err)
	}
	return out, nil
}
