// Package store provides key-value persistence for per-thread dialog state.
// The engine is storage-agnostic: any backend satisfying Store works, with
// optional expiry. Backends: memory, file, database (GORM), redis, dynamodb.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/srws-psg/meta-analysis-bot/internal/models"
)

// Store is the key-value contract every backend satisfies. A zero ttl on
// Set means the value never expires. Get reports absence via the bool, not
// an error.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Sweeper is implemented by backends that need explicit expiry sweeps
// (memory, file, database). Redis and DynamoDB expire keys natively.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// ThreadKey builds the canonical storage key for a thread context.
func ThreadKey(channel, thread string) string {
	if channel == "" {
		return "thread:" + thread
	}
	return fmt.Sprintf("thread:%s:%s", channel, thread)
}

// ContextStore is the typed wrapper the rest of the bot uses: it loads and
// saves ThreadContext aggregates as JSON through any Store backend.
type ContextStore struct {
	backend      Store
	ttl          time.Duration
	historyLimit int
}

// ContextStoreOpts holds parameters for creating a ContextStore.
type ContextStoreOpts struct {
	Backend      Store
	TTL          time.Duration // 0 disables expiry
	HistoryLimit int           // 0 uses models.DefaultHistoryLimit
}

// NewContextStore creates a ContextStore.
func NewContextStore(opts ContextStoreOpts) (*ContextStore, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("store: backend is required")
	}
	return &ContextStore{backend: opts.Backend, ttl: opts.TTL, historyLimit: opts.HistoryLimit}, nil
}

// Load returns the context for (channel, thread), creating a fresh one in
// the waiting-for-file state when none is stored.
func (cs *ContextStore) Load(ctx context.Context, channel, thread string) (*models.ThreadContext, error) {
	raw, ok, err := cs.backend.Get(ctx, ThreadKey(channel, thread))
	if err != nil {
		return nil, fmt.Errorf("store: load %s: %w", ThreadKey(channel, thread), err)
	}
	if !ok {
		tc := models.NewThreadContext(channel, thread)
		if cs.historyLimit > 0 {
			tc.HistoryLimit = cs.historyLimit
		}
		return tc, nil
	}
	var tc models.ThreadContext
	if err := json.Unmarshal(raw, &tc); err != nil {
		return nil, fmt.Errorf("store: decode %s: %w", ThreadKey(channel, thread), err)
	}
	return &tc, nil
}

// Save writes the full context back under its key.
func (cs *ContextStore) Save(ctx context.Context, tc *models.ThreadContext) error {
	tc.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(tc)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", ThreadKey(tc.Channel, tc.Thread), err)
	}
	if err := cs.backend.Set(ctx, ThreadKey(tc.Channel, tc.Thread), raw, cs.ttl); err != nil {
		return fmt.Errorf("store: save %s: %w", ThreadKey(tc.Channel, tc.Thread), err)
	}
	return nil
}

// Clear removes a thread's stored context.
func (cs *ContextStore) Clear(ctx context.Context, channel, thread string) error {
	if err := cs.backend.Delete(ctx, ThreadKey(channel, thread)); err != nil {
		return fmt.Errorf("store: clear %s: %w", ThreadKey(channel, thread), err)
	}
	return nil
}

// Sweep removes expired entries if the backend supports explicit sweeps.
func (cs *ContextStore) Sweep(ctx context.Context) (int, error) {
	if s, ok := cs.backend.(Sweeper); ok {
		return s.Sweep(ctx)
	}
	return 0, nil
}
