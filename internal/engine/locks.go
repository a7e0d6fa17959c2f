package engine

import (
	"context"
	"sync"
	"time"
)

const defaultLockIdle = 30 * time.Minute

// lockTable hands out one exclusive lock per conversation id so turns on
// the same conversation are processed strictly one at a time. Entries idle
// past the expiry are reaped so the table does not grow without bound.
type lockTable struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
	expiry  time.Duration
	stopCh  chan struct{}
}

type lockEntry struct {
	ch       chan struct{} // capacity 1; holding the token means holding the lock
	waiters  int
	lastUsed time.Time
}

func newLockTable(expiry time.Duration) *lockTable {
	if expiry <= 0 {
		expiry = defaultLockIdle
	}
	t := &lockTable{
		entries: make(map[string]*lockEntry),
		expiry:  expiry,
		stopCh:  make(chan struct{}),
	}
	go t.reapStale()
	return t
}

// acquire blocks until the conversation lock is held or ctx expires.
func (t *lockTable) acquire(ctx context.Context, id string) error {
	t.mu.Lock()
	entry, ok := t.entries[id]
	if !ok {
		entry = &lockEntry{ch: make(chan struct{}, 1)}
		t.entries[id] = entry
	}
	entry.waiters++
	t.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		t.mu.Lock()
		entry.waiters--
		entry.lastUsed = time.Now()
		t.mu.Unlock()
		return ctx.Err()
	}
}

func (t *lockTable) release(id string) {
	t.mu.Lock()
	entry, ok := t.entries[id]
	t.mu.Unlock()
	if !ok {
		return
	}
	<-entry.ch
	t.mu.Lock()
	entry.waiters--
	entry.lastUsed = time.Now()
	t.mu.Unlock()
}

// forget drops an unused entry, e.g. after a reset or a cross-instance
// invalidation. A held lock is left alone; the reaper collects it later.
func (t *lockTable) forget(id string) {
	t.mu.Lock()
	if entry, ok := t.entries[id]; ok && entry.waiters == 0 && len(entry.ch) == 0 {
		delete(t.entries, id)
	}
	t.mu.Unlock()
}

func (t *lockTable) stop() {
	close(t.stopCh)
}

func (t *lockTable) reapStale() {
	ticker := time.NewTicker(t.expiry)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			t.mu.Lock()
			for id, entry := range t.entries {
				if entry.waiters == 0 && len(entry.ch) == 0 && now.Sub(entry.lastUsed) >= t.expiry {
					delete(t.entries, id)
				}
			}
			t.mu.Unlock()
		}
	}
}
