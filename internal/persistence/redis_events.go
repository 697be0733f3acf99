package persistence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/flowline/pkg/api"
)

// RedisEventStore keeps history in Redis lists:
//
//	<prefix>history:<processInstanceID>  => LIST of JSON-encoded events
type RedisEventStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ EventStore = (*RedisEventStore)(nil)

// NewRedisEventStore creates a RedisEventStore.
// prefix is optional but recommended (e.g. "flowline:"). A positive ttl
// expires an instance's history that long after its last event.
func NewRedisEventStore(client *redis.Client, prefix string, ttl time.Duration) *RedisEventStore {
	if prefix == "" {
		prefix = "flowline:"
	}
	return &RedisEventStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (s *RedisEventStore) keyHistory(processInstanceID string) string {
	return s.prefix + "history:" + processInstanceID
}

func (s *RedisEventStore) AppendEvent(ctx context.Context, ev api.HistoryEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	key := s.keyHistory(ev.ProcessInstanceID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisEventStore) ListEvents(ctx context.Context, processInstanceID string) ([]api.HistoryEvent, error) {
	raw, err := s.client.LRange(ctx, s.keyHistory(processInstanceID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]api.HistoryEvent, 0, len(raw))
	for _, item := range raw {
		var ev api.HistoryEvent
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}
