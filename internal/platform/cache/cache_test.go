package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

type labTest struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

func TestMemoryCache_RoundTrip(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()

	in := []labTest{{ID: 1, Name: "CBC"}, {ID: 2, Name: "TSH"}}
	if err := c.Set(ctx, "lab-tests", in, time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	var out []labTest
	if err := c.Get(ctx, "lab-tests", &out); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(out) != 2 || out[1].Name != "TSH" {
		t.Errorf("unexpected value %+v", out)
	}
}

func TestMemoryCache_Miss(t *testing.T) {
	c := NewMemory()
	var out labTest
	if err := c.Get(context.Background(), "absent", &out); !errors.Is(err, ErrMiss) {
		t.Errorf("expected ErrMiss, got %v", err)
	}
}

func TestMemoryCache_Expiry(t *testing.T) {
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	c := NewMemory()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	c.Set(ctx, "doctor:7", labTest{ID: 7}, 10*time.Minute)
	now = now.Add(9 * time.Minute)
	var out labTest
	if err := c.Get(ctx, "doctor:7", &out); err != nil {
		t.Fatalf("expected a hit before expiry, got %v", err)
	}
	now = now.Add(time.Minute)
	if err := c.Get(ctx, "doctor:7", &out); !errors.Is(err, ErrMiss) {
		t.Errorf("expected ErrMiss at expiry, got %v", err)
	}
}

func TestMemoryCache_NoTTL(t *testing.T) {
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	c := NewMemory()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	c.Set(ctx, "k", 1, 0)
	now = now.Add(24 * time.Hour)
	var out int
	if err := c.Get(ctx, "k", &out); err != nil || out != 1 {
		t.Errorf("expected entry without ttl to persist, got %d, %v", out, err)
	}
}

func TestMemoryCache_Delete(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()
	c.Set(ctx, "a", 1, time.Minute)
	c.Set(ctx, "b", 2, time.Minute)

	c.Delete(ctx, "a", "b")
	var out int
	if err := c.Get(ctx, "a", &out); !errors.Is(err, ErrMiss) {
		t.Error("expected a to be deleted")
	}
	if err := c.Get(ctx, "b", &out); !errors.Is(err, ErrMiss) {
		t.Error("expected b to be deleted")
	}
}

func TestNewRedis_InvalidURL(t *testing.T) {
	if _, err := NewRedis(context.Background(), "not-a-redis-url", RedisOptions{}); err == nil {
		t.Error("expected an error for an invalid url")
	}
}

func TestRedisCache_KeyPrefix(t *testing.T) {
	c := &RedisCache{prefix: "opd:"}
	if got := c.key("lab-tests"); got != "opd:lab-tests" {
		t.Errorf("got %q", got)
	}
}
