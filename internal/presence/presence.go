// Package presence tracks which users currently hold an open realtime
// connection. The tracker is purely ephemeral and process-scoped: it is
// the authoritative source for the online flag. Persisted last-active
// timestamps are a separate heartbeat signal and never feed back into it.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c-pro/geche"
)

// ActivityStore persists heartbeat timestamps. Implemented by the auth
// service.
type ActivityStore interface {
	RecordActivity(userID string, ts int64) error
}

// ChangeFunc is invoked on every online/offline transition.
type ChangeFunc func(userID string, online bool)

type Tracker struct {
	mu     sync.RWMutex
	online map[string]int64 // userID -> connected-at

	// hearts throttles persisted heartbeat writes: one write per user per
	// interval, the rest are absorbed here.
	hearts geche.Geche[string, int64]

	store    ActivityStore
	onChange ChangeFunc
	now      func() time.Time
}

func NewTracker(ctx context.Context, store ActivityStore, heartbeatInterval time.Duration) *Tracker {
	return &Tracker{
		online: make(map[string]int64),
		hearts: geche.NewMapTTLCache[string, int64](ctx, heartbeatInterval, heartbeatInterval),
		store:  store,
		now:    time.Now,
	}
}

// SetOnChange registers the transition callback. Must be called before the
// tracker receives traffic; the hub does this during wiring.
func (t *Tracker) SetOnChange(fn ChangeFunc) {
	t.onChange = fn
}

// Join registers the user as connected and records a heartbeat.
func (t *Tracker) Join(userID string) {
	t.mu.Lock()
	_, already := t.online[userID]
	t.online[userID] = t.now().Unix()
	t.mu.Unlock()

	if !already && t.onChange != nil {
		t.onChange(userID, true)
	}
	t.Touch(userID)
}

// Leave removes the user. Safe to call for users that never joined;
// browsers firing "page is closing" signals make duplicate leaves common.
func (t *Tracker) Leave(userID string) {
	t.mu.Lock()
	_, was := t.online[userID]
	delete(t.online, userID)
	t.mu.Unlock()

	if was && t.onChange != nil {
		t.onChange(userID, false)
	}
}

func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[userID]
	return ok
}

// OnlineIDs returns a snapshot of currently connected user ids.
func (t *Tracker) OnlineIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.online))
	for id := range t.online {
		ids = append(ids, id)
	}
	return ids
}

// Touch records heartbeat activity for the user. Writes are throttled to
// the configured interval, and persistence failures are logged and
// swallowed: a heartbeat must never fail the request that carried it.
func (t *Tracker) Touch(userID string) {
	if _, err := t.hearts.Get(userID); err == nil {
		return // written within the current interval
	}

	ts := t.now().Unix()
	t.hearts.Set(userID, ts)
	if err := t.store.RecordActivity(userID, ts); err != nil {
		slog.Warn("failed to persist heartbeat", "user_id", userID, "error", err)
	}
}
