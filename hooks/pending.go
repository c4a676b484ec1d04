package hooks

import (
	"strings"
	"sync"
	"time"
)

// pendingTTL bounds how long a verified agent stays eligible for discount
// recovery between the request phase and the facilitator callback.
const pendingTTL = 5 * time.Minute

type pendingEntry struct {
	humanID   string
	address   string
	createdAt time.Time
}

// pendingTable bridges the request hook and the verify-failure hook in
// discount mode. Entries are single-use and swept on insert.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]pendingEntry
	now     func() time.Time
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		entries: make(map[string]pendingEntry),
		now:     time.Now,
	}
}

func pendingKey(path, address string) string {
	return path + "|" + strings.ToLower(address)
}

func (t *pendingTable) put(path, address, humanID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for key, entry := range t.entries {
		if now.Sub(entry.createdAt) > pendingTTL {
			delete(t.entries, key)
		}
	}

	t.entries[pendingKey(path, address)] = pendingEntry{
		humanID:   humanID,
		address:   address,
		createdAt: now,
	}
}

// take removes and returns the entry for (path, address). An entry consumed
// by one callback is gone for any later one.
func (t *pendingTable) take(path, address string) (pendingEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := pendingKey(path, address)
	entry, ok := t.entries[key]
	if !ok {
		return pendingEntry{}, false
	}
	delete(t.entries, key)

	if t.now().Sub(entry.createdAt) > pendingTTL {
		return pendingEntry{}, false
	}
	return entry, true
}
