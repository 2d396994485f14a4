package ids

import (
	"testing"
	"time"
)

func TestNewAtIsMonotonic(t *testing.T) {
	at := time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC)
	prev := NewAt(at)
	for i := 0; i < 100; i++ {
		next := NewAt(at)
		if next <= prev {
			t.Fatalf("ids not increasing: %s then %s", prev, next)
		}
		prev = next
	}
}

func TestValid(t *testing.T) {
	if !Valid(New()) {
		t.Fatal("fresh id should be valid")
	}
	if Valid("not-a-ulid") {
		t.Fatal("garbage accepted")
	}
}
