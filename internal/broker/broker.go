package broker

import (
	"context"
	"errors"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/aau-zid/scheduLight/pkg/logging"
)

// Namespaces, sets and streams owned by the broker.
const (
	KindServer  = "server"
	KindMeeting = "meeting"

	ServersSet  = "servers"
	MeetingsSet = "meetings"

	CommandStream = "commandStream"
	CommandGroup  = "commandNotifications"
	MailStream    = "mailStream"
	MailGroup     = "mailNotifications"

	DefaultConsumer = "consumer1"

	// DefaultKeepCacheSeconds is the record/status TTL: one year.
	DefaultKeepCacheSeconds = 31536000
)

// Message is one flattened stream entry. Entries carry exactly one field;
// the field name is a caller-chosen correlation key and the value the JSON
// payload.
type Message struct {
	ID      string
	Key     string
	Payload []byte
}

// Broker wraps the shared Redis connection: keyed records, membership sets,
// status hashes and the command/mail streams.
type Broker struct {
	client *goredis.Client
	logger logging.Logger
	ttl    time.Duration
}

// New creates a Broker around an established client. keepCacheSeconds <= 0
// falls back to the one-year default.
func New(client *goredis.Client, logger logging.Logger, keepCacheSeconds int) *Broker {
	if keepCacheSeconds <= 0 {
		keepCacheSeconds = DefaultKeepCacheSeconds
	}
	return &Broker{
		client: client,
		logger: logger,
		ttl:    time.Duration(keepCacheSeconds) * time.Second,
	}
}

// Client exposes the underlying connection for health checks.
func (b *Broker) Client() *goredis.Client { return b.client }

func isNil(err error) bool { return errors.Is(err, goredis.Nil) }

// RecordKey builds the storage key of a keyed record.
func RecordKey(kind, id string) string {
	return kind + ":" + id
}

// GetRecord fetches a record; a missing key returns (nil, nil).
func (b *Broker) GetRecord(ctx context.Context, kind, id string) ([]byte, error) {
	val, err := b.client.Get(ctx, RecordKey(kind, id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// PutRecord stores a record and refreshes its TTL.
func (b *Broker) PutRecord(ctx context.Context, kind, id string, value []byte) error {
	return b.client.Set(ctx, RecordKey(kind, id), value, b.ttl).Err()
}

// DeleteRecord removes a record and its status hash.
func (b *Broker) DeleteRecord(ctx context.Context, kind, id string) error {
	return b.client.Del(ctx, RecordKey(kind, id), statusKey(kind, id)).Err()
}

// SetAdd adds a member to a membership set.
func (b *Broker) SetAdd(ctx context.Context, set, member string) error {
	return b.client.SAdd(ctx, set, member).Err()
}

// SetRemove removes a member from a membership set.
func (b *Broker) SetRemove(ctx context.Context, set, member string) error {
	return b.client.SRem(ctx, set, member).Err()
}

// SetMembers lists a membership set. Transient errors surface as an empty
// slice so worker loops treat them as "no work".
func (b *Broker) SetMembers(ctx context.Context, set string) []string {
	members, err := b.client.SMembers(ctx, set).Result()
	if err != nil {
		b.logger.WithError(err).WithField("set", set).Warn("Failed to read set members")
		return nil
	}
	return members
}

// RenameSet renames a set if it exists; used by the loader to diff old
// membership against a fresh load.
func (b *Broker) RenameSet(ctx context.Context, from, to string) error {
	exists, err := b.client.Exists(ctx, from).Result()
	if err != nil || exists == 0 {
		return err
	}
	return b.client.Rename(ctx, from, to).Err()
}

// SetDiffStore stores the difference a-minus-b into dest and returns dest's
// members.
func (b *Broker) SetDiffStore(ctx context.Context, dest, a, bSet string) ([]string, error) {
	if err := b.client.SDiffStore(ctx, dest, a, bSet).Err(); err != nil {
		return nil, err
	}
	return b.client.SMembers(ctx, dest).Result()
}

// DeleteKey removes arbitrary keys.
func (b *Broker) DeleteKey(ctx context.Context, keys ...string) error {
	return b.client.Del(ctx, keys...).Err()
}

// EnsureGroup creates a consumer group starting at id 0-0, creating the
// stream when missing. An already-existing group is fine.
func (b *Broker) EnsureGroup(ctx context.Context, stream, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, group, "0-0").Err()
	if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

// StreamAppend appends a single-field entry to a stream.
func (b *Broker) StreamAppend(ctx context.Context, stream, key string, payload []byte) (string, error) {
	return b.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{key: string(payload)},
	}).Result()
}

// ReadGroup reads from a stream through a consumer group. Cursor "0" replays
// this consumer's pending entries, ">" delivers new ones. A timed-out or
// empty read returns no messages.
func (b *Broker) ReadGroup(ctx context.Context, stream, group, consumer, cursor string, count int64, block time.Duration) []Message {
	res, err := b.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, cursor},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, goredis.Nil) {
		return nil
	}
	if err != nil {
		b.logger.WithError(err).WithField("stream", stream).Warn("Failed to read stream")
		return nil
	}

	var messages []Message
	for _, streamRes := range res {
		for _, entry := range streamRes.Messages {
			for key, value := range entry.Values {
				payload, _ := value.(string)
				messages = append(messages, Message{ID: entry.ID, Key: key, Payload: []byte(payload)})
			}
		}
	}
	return messages
}

// Ack acknowledges one stream entry for a group.
func (b *Broker) Ack(ctx context.Context, stream, group, id string) error {
	return b.client.XAck(ctx, stream, group, id).Err()
}

// BgSave requests a background persistence snapshot; failures are logged
// only, shutdown must not hang on them.
func (b *Broker) BgSave(ctx context.Context) {
	if err := b.client.BgSave(ctx).Err(); err != nil {
		b.logger.WithError(err).Debug("Broker background save failed")
	}
}

// Close releases the underlying connection.
func (b *Broker) Close() error {
	return b.client.Close()
}
