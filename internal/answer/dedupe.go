package answer

import (
	"strings"
	"sync"
	"time"
)

// Deduper suppresses repeat questions within a window, per session. Continuous
// recognition sometimes finalizes the same utterance twice. A zero window
// disables suppression.
type Deduper struct {
	window time.Duration
	clock  func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewDeduper(window time.Duration) *Deduper {
	return &Deduper{window: window, clock: time.Now, seen: make(map[string]time.Time)}
}

// Allow reports whether question should be answered for sessionID and
// records it when it is.
func (d *Deduper) Allow(sessionID, question string) bool {
	if d == nil || d.window <= 0 {
		return true
	}
	key := sessionID + "\x00" + normalize(question)
	now := d.clock()

	d.mu.Lock()
	defer d.mu.Unlock()
	for k, at := range d.seen {
		if now.Sub(at) >= d.window {
			delete(d.seen, k)
		}
	}
	if _, ok := d.seen[key]; ok {
		return false
	}
	d.seen[key] = now
	return true
}

// Forget drops all entries for sessionID.
func (d *Deduper) Forget(sessionID string) {
	if d == nil {
		return
	}
	prefix := sessionID + "\x00"
	d.mu.Lock()
	defer d.mu.Unlock()
	for k := range d.seen {
		if strings.HasPrefix(k, prefix) {
			delete(d.seen, k)
		}
	}
}

func normalize(text string) string {
	fields := strings.Fields(strings.ToLower(text))
	joined := strings.Join(fields, " ")
	return strings.TrimRight(joined, "?.!, ")
}
