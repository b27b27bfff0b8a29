package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryCacheRoundTrip(t *testing.T) {
	c := NewMemory(DefaultConfig())
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	value, ok, err := c.Get(ctx, "k")
	if err != nil || !ok || string(value) != "v" {
		t.Fatalf("Get = %q, %v, %v", value, ok, err)
	}

	c.Delete(ctx, "k")
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatal("Get after Delete reported found")
	}
}

func TestMemoryCacheExpiration(t *testing.T) {
	c := NewMemory(DefaultConfig())
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "short", []byte("v"), 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	if _, ok, _ := c.Get(ctx, "short"); ok {
		t.Fatal("expired entry still readable")
	}
}

func TestMemoryCacheDeletePrefix(t *testing.T) {
	c := NewMemory(DefaultConfig())
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "mod:a:1", []byte("1"), 0)
	c.Set(ctx, "mod:a:2", []byte("2"), 0)
	c.Set(ctx, "mod:b:1", []byte("3"), 0)

	c.DeletePrefix(ctx, "mod:a:")

	if _, ok, _ := c.Get(ctx, "mod:a:1"); ok {
		t.Fatal("prefixed entry survived DeletePrefix")
	}
	if _, ok, _ := c.Get(ctx, "mod:b:1"); !ok {
		t.Fatal("unrelated entry removed")
	}
}
