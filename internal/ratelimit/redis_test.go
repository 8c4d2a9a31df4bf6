package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newSharedWindow(t *testing.T, max int, window time.Duration) (*SharedWindow, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewSharedWindow(rdb, max, window, "op"), mr
}

func TestSharedWindowAdmit(t *testing.T) {
	l, _ := newSharedWindow(t, 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, _, err := l.Admit(ctx, "k")
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("call %d denied", i+1)
		}
	}

	ok, retry, err := l.Admit(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("3rd call admitted, want denied")
	}
	if retry <= 0 {
		t.Fatalf("retryAfter = %v, want positive", retry)
	}
}

func TestSharedWindowCapsCounter(t *testing.T) {
	l, mr := newSharedWindow(t, 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		l.Admit(ctx, "k")
	}
	if got, err := mr.Get("op:k"); err != nil || got != "2" {
		t.Fatalf("stored count = %q (err=%v), want 2", got, err)
	}
}

func TestSharedWindowExpiry(t *testing.T) {
	l, mr := newSharedWindow(t, 1, time.Minute)
	ctx := context.Background()

	l.Admit(ctx, "k")
	if ok, _, _ := l.Admit(ctx, "k"); ok {
		t.Fatal("second call admitted within window")
	}

	mr.FastForward(time.Minute)
	if ok, _, _ := l.Admit(ctx, "k"); !ok {
		t.Fatal("call after expiry denied")
	}
}

func TestSharedWindowRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	l := NewSharedWindow(rdb, 1, time.Minute, "op")

	mr.Close()
	if _, _, err := l.Admit(context.Background(), "k"); err == nil {
		t.Fatal("expected error when redis is unreachable")
	}
}
