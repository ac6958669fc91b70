package call

import (
	"slices"
	"sync"
	"time"
)

// Conversation is the append-only conversation log.
type Conversation struct {
	mu      sync.RWMutex
	entries []Entry
}

// Append adds an entry unless the latest entry of the same role has the
// same content. It reports whether the entry was stored. Backends may
// deliver transcripts and responses more than once.
func (c *Conversation) Append(e Entry) bool {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for i := len(c.entries) - 1; i >= 0; i-- {
		if c.entries[i].Role != e.Role {
			continue
		}
		if c.entries[i].Content == e.Content {
			return false
		}
		break
	}
	c.entries = append(c.entries, e)
	return true
}

// Entries returns a copy of the log.
func (c *Conversation) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.entries)
}

// Len returns the number of entries.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
