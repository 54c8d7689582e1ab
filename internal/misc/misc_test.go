package misc

import (
	"testing"
	"time"
)

func TestRandomPort(t *testing.T) {
	for range 1000 {
		if p := RandomPort(); p < 1024 {
			t.Fatalf("port %d is in the reserved range", p)
		}
	}
}

func TestJitter(t *testing.T) {
	if j := Jitter(0); j != 0 {
		t.Errorf("expected no jitter for a zero bound, got %v", j)
	}
	if j := Jitter(-time.Second); j != 0 {
		t.Errorf("expected no jitter for a negative bound, got %v", j)
	}
	for range 1000 {
		if j := Jitter(time.Second); j < 0 || j >= time.Second {
			t.Fatalf("jitter %v is out of bounds", j)
		}
	}
}
