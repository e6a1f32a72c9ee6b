package broker

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// Status code families written to the ledger. 2xx progress, 4xx recoverable
// waiting states, 5xx hard failures, 9xx administrative.
const (
	StatusNew      = "200"
	StatusWaiting  = "201"
	StatusOpen     = "210"
	StatusStarted  = "220"
	StatusMailSent = "250"

	StatusError        = "400"
	StatusUnauthorized = "401"
	StatusNotFound     = "404"
	StatusBlocked      = "420"
	StatusRetry        = "440"

	StatusMailFailed = "550"

	StatusDisabled = "900"
)

// StatusTimeFormat is how ledger timestamps are rendered.
const StatusTimeFormat = "2006-01-02 15:04:05.000000"

// Status is one decoded ledger entry.
type Status struct {
	Date    string
	Code    string
	Message string
}

func statusKey(kind, id string) string {
	return kind + ":" + id + ":status"
}

// StatusField joins a status path into the canonical hash field name.
func StatusField(path ...string) string {
	return strings.Join(path, "_")
}

// Encode renders the entry in its wire form.
func (s Status) Encode() string {
	return s.Date + "|" + s.Code + "|" + s.Message
}

// DecodeStatus parses one "date|code|message" entry. The message part may
// itself contain separators, so only the first two splits count.
func DecodeStatus(entry string) (Status, bool) {
	parts := strings.SplitN(entry, "|", 3)
	if len(parts) != 3 {
		return Status{}, false
	}
	return Status{Date: parts[0], Code: parts[1], Message: parts[2]}, true
}

func decodeHistory(raw string) []Status {
	var entries []string
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil
	}
	statuses := make([]Status, 0, len(entries))
	for _, entry := range entries {
		if s, ok := DecodeStatus(entry); ok {
			statuses = append(statuses, s)
		}
	}
	return statuses
}

// GetStatus returns the latest ledger entry for a status path, or nil when
// the path has never been written or its history is unreadable. Reading
// refreshes the hash TTL.
func (b *Broker) GetStatus(ctx context.Context, kind, id string, path ...string) (*Status, error) {
	key := statusKey(kind, id)
	raw, err := b.client.HGet(ctx, key, StatusField(path...)).Result()
	if err != nil {
		if isNil(err) {
			return nil, nil
		}
		return nil, err
	}
	b.client.Expire(ctx, key, b.ttl)
	history := decodeHistory(raw)
	if len(history) == 0 {
		return nil, nil
	}
	latest := history[len(history)-1]
	return &latest, nil
}

// SetStatus appends a ledger entry unless the latest entry already carries
// the same code; repeated writes of one state are idempotent. Returns
// whether an entry was written.
func (b *Broker) SetStatus(ctx context.Context, kind, id string, path []string, code, message string, now time.Time) (bool, error) {
	key := statusKey(kind, id)
	field := StatusField(path...)

	var entries []string
	raw, err := b.client.HGet(ctx, key, field).Result()
	if err != nil && !isNil(err) {
		return false, err
	}
	if err == nil {
		_ = json.Unmarshal([]byte(raw), &entries)
		if len(entries) > 0 {
			if latest, ok := DecodeStatus(entries[len(entries)-1]); ok && latest.Code == code {
				return false, nil
			}
		}
	}

	entry := Status{Date: now.Format(StatusTimeFormat), Code: code, Message: message}
	entries = append(entries, entry.Encode())
	encoded, err := json.Marshal(entries)
	if err != nil {
		return false, err
	}
	if err := b.client.HSet(ctx, key, field, string(encoded)).Err(); err != nil {
		return false, err
	}
	b.client.Expire(ctx, key, b.ttl)

	b.logger.WithFields(map[string]interface{}{
		"record": RecordKey(kind, id),
		"path":   field,
		"code":   code,
	}).Debug(message)
	return true, nil
}

// StatusAll returns the raw status hash of a record: field name to JSON
// history array.
func (b *Broker) StatusAll(ctx context.Context, kind, id string) (map[string]string, error) {
	all, err := b.client.HGetAll(ctx, statusKey(kind, id)).Result()
	if err != nil {
		return nil, err
	}
	return all, nil
}

// DeleteStatusField removes one status path from a record's ledger.
func (b *Broker) DeleteStatusField(ctx context.Context, kind, id string, path ...string) error {
	return b.client.HDel(ctx, statusKey(kind, id), StatusField(path...)).Err()
}

// DeleteStatus removes the whole ledger of a record.
func (b *Broker) DeleteStatus(ctx context.Context, kind, id string) error {
	return b.client.Del(ctx, statusKey(kind, id)).Err()
}
