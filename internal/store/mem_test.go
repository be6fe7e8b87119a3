package store

import (
	"context"
	"testing"
	"time"
)

func TestMemKVStringsAndTTL(t *testing.T) {
	kv := NewMem()
	ctx := context.Background()

	if v, _ := kv.Get(ctx, "missing"); v != "" {
		t.Fatalf("missing key = %q, want empty", v)
	}

	kv.SetEx(ctx, "k", "v", 0)
	if v, _ := kv.Get(ctx, "k"); v != "v" {
		t.Fatalf("got %q", v)
	}

	kv.SetEx(ctx, "short", "v", 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	if v, _ := kv.Get(ctx, "short"); v != "" {
		t.Fatal("expired key still readable")
	}
	if ok, _ := kv.Exists(ctx, "short"); ok {
		t.Fatal("expired key still exists")
	}
}

func TestMemKVIncrKeepsTTL(t *testing.T) {
	kv := NewMem()
	ctx := context.Background()

	n, _ := kv.Incr(ctx, "c")
	if n != 1 {
		t.Fatalf("first incr = %d", n)
	}
	kv.Expire(ctx, "c", time.Hour)
	n, _ = kv.Incr(ctx, "c")
	if n != 2 {
		t.Fatalf("second incr = %d", n)
	}
}

func TestMemKVSetNX(t *testing.T) {
	kv := NewMem()
	ctx := context.Background()

	ok, _ := kv.SetNX(ctx, "lock", "a", time.Minute)
	if !ok {
		t.Fatal("first SetNX should win")
	}
	ok, _ = kv.SetNX(ctx, "lock", "b", time.Minute)
	if ok {
		t.Fatal("second SetNX should lose")
	}
	if v, _ := kv.Get(ctx, "lock"); v != "a" {
		t.Fatalf("lock = %q", v)
	}
}

func TestMemKVHashesAndSets(t *testing.T) {
	kv := NewMem()
	ctx := context.Background()

	kv.HSet(ctx, "h", map[string]string{"a": "1"})
	kv.HSet(ctx, "h", map[string]string{"b": "2"})
	data, _ := kv.HGetAll(ctx, "h")
	if data["a"] != "1" || data["b"] != "2" {
		t.Fatalf("hash = %v", data)
	}

	kv.SAdd(ctx, "s", "x", "y")
	kv.SRem(ctx, "s", "x")
	members, _ := kv.SMembers(ctx, "s")
	if len(members) != 1 || members[0] != "y" {
		t.Fatalf("members = %v", members)
	}

	kv.Del(ctx, "h", "s")
	if data, _ := kv.HGetAll(ctx, "h"); len(data) != 0 {
		t.Fatal("hash survived Del")
	}
}
