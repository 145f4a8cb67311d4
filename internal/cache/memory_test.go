package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryProviderExpiry(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemoryProvider()
	m.now = func() time.Time { return now }
	ctx := context.Background()

	if err := m.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := m.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("expected hit, got %q err=%v", got, err)
	}

	now = now.Add(time.Minute)
	if _, err := m.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss after ttl, got %v", err)
	}
}

func TestMemoryProviderSetNX(t *testing.T) {
	m := NewMemoryProvider()
	ctx := context.Background()

	ok, _ := m.SetNX(ctx, "lock", []byte("a"), 0)
	if !ok {
		t.Fatalf("first SetNX should win")
	}
	ok, _ = m.SetNX(ctx, "lock", []byte("b"), 0)
	if ok {
		t.Fatalf("second SetNX should lose")
	}
	_ = m.Del(ctx, "lock")
	if ok, _ := m.SetNX(ctx, "lock", []byte("c"), 0); !ok {
		t.Fatalf("SetNX after Del should win")
	}
}

func TestJSONHelpers(t *testing.T) {
	m := NewMemoryProvider()
	ctx := context.Background()
	type payload struct {
		Name string `json:"name"`
	}
	if err := SetJSON(ctx, m, "p", payload{Name: "prod"}, 0); err != nil {
		t.Fatalf("SetJSON: %v", err)
	}
	var out payload
	if err := GetJSON(ctx, m, "p", &out); err != nil || out.Name != "prod" {
		t.Fatalf("GetJSON: %+v %v", out, err)
	}
	if err := GetJSON(ctx, NoopProvider{}, "p", &out); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("noop should miss, got %v", err)
	}
}
