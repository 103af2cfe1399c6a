package answer

import (
	"testing"
	"time"
)

func TestDeduperDisabledByDefault(t *testing.T) {
	d := NewDeduper(0)
	for i := 0; i < 3; i++ {
		if !d.Allow("s1", "What is Go?") {
			t.Fatal("zero window must never suppress")
		}
	}
}

func TestDeduperSuppressesWithinWindow(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	d := NewDeduper(5 * time.Second)
	d.clock = func() time.Time { return now }

	if !d.Allow("s1", "What is Go?") {
		t.Fatal("first question must pass")
	}
	if d.Allow("s1", "  what is   go ") {
		t.Fatal("normalized repeat must be suppressed")
	}
	if !d.Allow("s2", "What is Go?") {
		t.Fatal("other sessions are independent")
	}

	now = now.Add(6 * time.Second)
	if !d.Allow("s1", "What is Go?") {
		t.Fatal("question must pass again after the window")
	}
}

func TestDeduperForget(t *testing.T) {
	d := NewDeduper(time.Minute)
	d.Allow("s1", "why?")
	d.Forget("s1")
	if !d.Allow("s1", "why?") {
		t.Fatal("forgotten session must accept the question again")
	}
}
