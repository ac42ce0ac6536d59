package index

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
)

// GapLedger records identifiers whose index state may diverge from the
// authoritative store because an event could not be applied. The next full
// reindex clears them.
type GapLedger interface {
	// Flag records id with a short reason. Flagging twice keeps the latest reason.
	Flag(ctx context.Context, id, reason string) error
	// List returns the flagged identifiers, sorted.
	List(ctx context.Context) ([]string, error)
	// Clear removes ids. Unknown ids are ignored.
	Clear(ctx context.Context, ids ...string) error
	// Count returns the number of flagged identifiers.
	Count(ctx context.Context) (int, error)
}

// MemoryGaps is a process-local GapLedger.
type MemoryGaps struct {
	mu   sync.Mutex
	gaps map[string]string
}

// NewMemoryGaps creates an empty ledger.
func NewMemoryGaps() *MemoryGaps {
	return &MemoryGaps{gaps: make(map[string]string)}
}

// Flag implements GapLedger.
func (m *MemoryGaps) Flag(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gaps[id] = reason
	return nil
}

// List implements GapLedger.
func (m *MemoryGaps) List(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.gaps))
	for id := range m.gaps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Reason returns the recorded reason for id.
func (m *MemoryGaps) Reason(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.gaps[id]
	return r, ok
}

// Clear implements GapLedger.
func (m *MemoryGaps) Clear(ctx context.Context, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.gaps, id)
	}
	return nil
}

// Count implements GapLedger.
func (m *MemoryGaps) Count(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.gaps), nil
}

// RedisGaps is a GapLedger shared by every process using the same Redis.
// Identifiers live in a set; reasons in a hash beside it.
type RedisGaps struct {
	client  redis.UniversalClient
	setKey  string
	hashKey string
}

// NewRedisGaps creates a ledger under prefix (for example "tutosearch:").
func NewRedisGaps(client redis.UniversalClient, prefix string) *RedisGaps {
	return &RedisGaps{
		client:  client,
		setKey:  prefix + "gaps",
		hashKey: prefix + "gaps:reasons",
	}
}

// Flag implements GapLedger.
func (r *RedisGaps) Flag(ctx context.Context, id, reason string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, r.setKey, id)
		pipe.HSet(ctx, r.hashKey, id, reason)
		return nil
	})
	if err != nil {
		return fmt.Errorf("flag gap %s: %w", id, err)
	}
	return nil
}

// List implements GapLedger.
func (r *RedisGaps) List(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, r.setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list gaps: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Reason returns the recorded reason for id.
func (r *RedisGaps) Reason(ctx context.Context, id string) (string, error) {
	reason, err := r.client.HGet(ctx, r.hashKey, id).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return reason, err
}

// Clear implements GapLedger.
func (r *RedisGaps) Clear(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, r.setKey, members...)
		pipe.HDel(ctx, r.hashKey, ids...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("clear gaps: %w", err)
	}
	return nil
}

// Count implements GapLedger.
func (r *RedisGaps) Count(ctx context.Context) (int, error) {
	n, err := r.client.SCard(ctx, r.setKey).Result()
	if err != nil {
		return 0, fmt.Errorf("count gaps: %w", err)
	}
	return int(n), nil
}

var (
	_ GapLedger = (*MemoryGaps)(nil)
	_ GapLedger = (*RedisGaps)(nil)
)
