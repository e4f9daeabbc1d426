package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ggoodman/mcp-gateway/storage"
	"github.com/ggoodman/mcp-gateway/storage/storagetest"
	"github.com/redis/go-redis/v9"
)

func newTestStorage(t *testing.T) (*Storage, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s, err := New(Config{Client: client, KeyPrefix: "test:", ScanCount: 10})
	if err != nil {
		t.Fatalf("Failed to create Redis storage: %v", err)
	}
	return s, mr
}

func TestRedisStorage(t *testing.T) {
	storagetest.RunStorageTests(t, func(t *testing.T) storage.Storage {
		s, _ := newTestStorage(t)
		return s
	})
}

func TestRedisKeyLayout(t *testing.T) {
	s, mr := newTestStorage(t)
	defer s.Close()

	if err := s.Set(context.Background(), "perm", []byte("1"), storage.WithMember("org1", "u1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	const key = "test:org:org1:member:u1:perm"
	if !mr.Exists(key) {
		t.Fatalf("unexpected keys: %v", mr.Keys())
	}
	if got := mr.HGet(key, fieldData); got != "1" {
		t.Fatalf("data field = %q", got)
	}
	if ttl := mr.TTL(key); ttl != 0 {
		t.Fatalf("ttl = %s for entry without expiry", ttl)
	}
}

func TestRedisNativeExpiry(t *testing.T) {
	s, mr := newTestStorage(t)
	defer s.Close()
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("v"), storage.WithTTL(5*time.Minute)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if ttl := mr.TTL("test:global:k"); ttl != 5*time.Minute {
		t.Fatalf("ttl = %s", ttl)
	}
	mr.FastForward(6 * time.Minute)
	if mr.Exists("test:global:k") {
		t.Fatal("key survived its ttl")
	}
}

func TestRedisOverwriteClearsExpiry(t *testing.T) {
	s, mr := newTestStorage(t)
	defer s.Close()
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("a"), storage.WithTTL(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "k", []byte("b")); err != nil {
		t.Fatal(err)
	}
	item, err := s.Get(ctx, "k")
	if err != nil || item == nil {
		t.Fatalf("Get = %v, %v", item, err)
	}
	if string(item.Data) != "b" || item.ExpiresAt != nil {
		t.Fatalf("item = %+v", item)
	}
	if ttl := mr.TTL("test:global:k"); ttl != 0 {
		t.Fatalf("ttl = %s", ttl)
	}
}

func TestRedisDeleteOrganizationSpansBatches(t *testing.T) {
	s, mr := newTestStorage(t)
	defer s.Close()
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		if err := s.Set(ctx, fmt.Sprintf("k%d", i), []byte("v"), storage.WithMember("org1", fmt.Sprintf("u%d", i))); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Set(ctx, "k", []byte("v"), storage.WithMember("org2", "u1")); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, storage.WithOrganization("org1")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if keys := mr.Keys(); len(keys) != 1 || keys[0] != "test:org:org2:member:u1:k" {
		t.Fatalf("remaining keys = %v", keys)
	}
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without client")
	}
}
