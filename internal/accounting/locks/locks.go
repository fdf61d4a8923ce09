// Package locks serialises balance mutation per account. Keys are always
// acquired in sorted order so overlapping postings cannot deadlock.
package locks

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrLockBusy indicates a key stayed held past the wait budget.
var ErrLockBusy = errors.New("locks: resource busy")

// Release frees every key obtained by a single Acquire call.
type Release func()

// Manager acquires a set of keys atomically: either all are held or none.
type Manager interface {
	Acquire(ctx context.Context, keys []string) (Release, error)
}

// AccountKey namespaces an account id.
func AccountKey(accountID string) string {
	return "ledger:lock:account:" + accountID
}

// Normalize sorts and de-duplicates keys.
func Normalize(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type localEntry struct {
	ch   chan struct{}
	refs int
}

// Local is an in-process Manager.
type Local struct {
	mu      sync.Mutex
	entries map[string]*localEntry
	wait    time.Duration
}

// NewLocal builds a Local manager. wait bounds how long a single key is
// waited for before ErrLockBusy.
func NewLocal(wait time.Duration) *Local {
	if wait <= 0 {
		wait = 2 * time.Second
	}
	return &Local{entries: make(map[string]*localEntry), wait: wait}
}

// Acquire implements Manager.
func (l *Local) Acquire(ctx context.Context, keys []string) (Release, error) {
	keys = Normalize(keys)
	held := make([]string, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.unlock(held[i])
		}
	}

	timer := time.NewTimer(l.wait)
	defer timer.Stop()
	for _, key := range keys {
		entry := l.ref(key)
		select {
		case entry.ch <- struct{}{}:
			held = append(held, key)
		case <-timer.C:
			l.unref(key)
			release()
			return nil, ErrLockBusy
		case <-ctx.Done():
			l.unref(key)
			release()
			return nil, ctx.Err()
		}
	}
	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (l *Local) ref(key string) *localEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &localEntry{ch: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *Local) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

func (l *Local) unlock(key string) {
	l.mu.Lock()
	e := l.entries[key]
	l.mu.Unlock()
	if e != nil {
		<-e.ch
	}
	l.unref(key)
}
