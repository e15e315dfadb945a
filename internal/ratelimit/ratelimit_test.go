package ratelimit

import (
	"testing"
	"time"
)

func TestLimiter_AllowsUpToRate(t *testing.T) {
	l := New(5, time.Minute)
	for i := 0; i < 5; i++ {
		if !l.Allow() {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if l.Allow() {
		t.Fatal("6th request should be denied")
	}
}

func TestLimiter_ResetsAfterWindow(t *testing.T) {
	l := New(2, 50*time.Millisecond)
	l.Allow()
	l.Allow()
	if l.Allow() {
		t.Fatal("3rd should be denied")
	}
	time.Sleep(60 * time.Millisecond)
	if !l.Allow() {
		t.Fatal("after window reset should be allowed")
	}
}

func TestKeyed_IndependentWindows(t *testing.T) {
	k := NewKeyed(2, time.Minute)
	k.Allow("w1")
	k.Allow("w1")
	if k.Allow("w1") {
		t.Fatal("3rd request for w1 should be denied")
	}
	if !k.Allow("w2") {
		t.Fatal("w2 should not share w1's window")
	}
}

func TestKeyed_ResetsAfterWindow(t *testing.T) {
	k := NewKeyed(1, 50*time.Millisecond)
	k.Allow("w1")
	if k.Allow("w1") {
		t.Fatal("2nd should be denied")
	}
	time.Sleep(60 * time.Millisecond)
	if !k.Allow("w1") {
		t.Fatal("after window reset should be allowed")
	}
}
