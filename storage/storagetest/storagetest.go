// Package storagetest provides a conformance suite that every storage.Storage
// backend must pass.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/ggoodman/mcp-gateway/storage"
)

// Factory returns a fresh, empty backend. The suite closes it.
type Factory func(t *testing.T) storage.Storage

// RunStorageTests exercises the storage.Storage contract.
func RunStorageTests(t *testing.T, factory Factory) {
	t.Helper()

	t.Run("SetAndGet", func(t *testing.T) {
		s := open(t, factory)
		ctx := context.Background()
		if err := s.Set(ctx, "k", []byte("v"), storage.WithMember("org1", "u1")); err != nil {
			t.Fatalf("Set: %v", err)
		}
		item, err := s.Get(ctx, "k", storage.WithMember("org1", "u1"))
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if item == nil || string(item.Data) != "v" {
			t.Fatalf("Get = %+v, want v", item)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := open(t, factory)
		item, err := s.Get(context.Background(), "nope")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if item != nil {
			t.Fatalf("expected nil item, got %+v", item)
		}
	})

	t.Run("TTLExpiry", func(t *testing.T) {
		s := open(t, factory)
		ctx := context.Background()
		if err := s.Set(ctx, "short", []byte("x"), storage.WithTTL(50*time.Millisecond)); err != nil {
			t.Fatalf("Set: %v", err)
		}
		item, err := s.Get(ctx, "short")
		if err != nil || item == nil {
			t.Fatalf("expected item before expiry, got %v %v", item, err)
		}
		if item.ExpiresAt == nil {
			t.Fatalf("expected ExpiresAt to be set")
		}
		time.Sleep(120 * time.Millisecond)
		item, err = s.Get(ctx, "short")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if item != nil {
			t.Fatalf("expected expired item to be gone")
		}
	})

	t.Run("NamespaceIsolation", func(t *testing.T) {
		s := open(t, factory)
		ctx := context.Background()
		mustSet(t, s, "k", "global")
		mustSet(t, s, "k", "org", storage.WithOrganization("org1"))
		mustSet(t, s, "k", "member", storage.WithMember("org1", "u1"))

		for _, tc := range []struct {
			opts []storage.Option
			want string
		}{
			{nil, "global"},
			{[]storage.Option{storage.WithOrganization("org1")}, "org"},
			{[]storage.Option{storage.WithMember("org1", "u1")}, "member"},
		} {
			item, err := s.Get(ctx, "k", tc.opts...)
			if err != nil || item == nil || string(item.Data) != tc.want {
				t.Fatalf("Get = %v %v, want %s", item, err, tc.want)
			}
		}
	})

	t.Run("DeleteKey", func(t *testing.T) {
		s := open(t, factory)
		ctx := context.Background()
		mustSet(t, s, "a", "1", storage.WithMember("org1", "u1"))
		mustSet(t, s, "b", "2", storage.WithMember("org1", "u1"))
		if err := s.Delete(ctx, storage.WithMember("org1", "u1"), storage.WithKey("a")); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		assertMissing(t, s, "a", storage.WithMember("org1", "u1"))
		assertPresent(t, s, "b", storage.WithMember("org1", "u1"))
	})

	t.Run("DeleteMemberNamespace", func(t *testing.T) {
		s := open(t, factory)
		ctx := context.Background()
		mustSet(t, s, "a", "1", storage.WithMember("org1", "u1"))
		mustSet(t, s, "b", "2", storage.WithMember("org1", "u1"))
		mustSet(t, s, "a", "3", storage.WithMember("org1", "u2"))
		if err := s.Delete(ctx, storage.WithMember("org1", "u1")); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		assertMissing(t, s, "a", storage.WithMember("org1", "u1"))
		assertMissing(t, s, "b", storage.WithMember("org1", "u1"))
		assertPresent(t, s, "a", storage.WithMember("org1", "u2"))
	})

	t.Run("DeleteOrganizationNamespace", func(t *testing.T) {
		s := open(t, factory)
		ctx := context.Background()
		mustSet(t, s, "a", "1", storage.WithMember("org1", "u1"))
		mustSet(t, s, "a", "2", storage.WithMember("org1", "u2"))
		mustSet(t, s, "a", "3", storage.WithMember("org2", "u1"))
		mustSet(t, s, "a", "4")
		if err := s.Delete(ctx, storage.WithOrganization("org1")); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		assertMissing(t, s, "a", storage.WithMember("org1", "u1"))
		assertMissing(t, s, "a", storage.WithMember("org1", "u2"))
		assertPresent(t, s, "a", storage.WithMember("org2", "u1"))
		assertPresent(t, s, "a")
	})

	t.Run("DeleteManyKeys", func(t *testing.T) {
		s := open(t, factory)
		ctx := context.Background()
		for i := 0; i < 250; i++ {
			mustSet(t, s, "k"+string(rune('a'+i%26))+string(rune('a'+i/26)), "x", storage.WithMember("org1", "u1"))
		}
		if err := s.Delete(ctx, storage.WithOrganization("org1")); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		assertMissing(t, s, "kaa", storage.WithMember("org1", "u1"))
		assertMissing(t, s, "kzi", storage.WithMember("org1", "u1"))
	})
}

func open(t *testing.T, factory Factory) storage.Storage {
	t.Helper()
	s := factory(t)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustSet(t *testing.T, s storage.Storage, key, val string, opts ...storage.Option) {
	t.Helper()
	if err := s.Set(context.Background(), key, []byte(val), opts...); err != nil {
		t.Fatalf("Set(%s): %v", key, err)
	}
}

func assertMissing(t *testing.T, s storage.Storage, key string, opts ...storage.Option) {
	t.Helper()
	item, err := s.Get(context.Background(), key, opts...)
	if err != nil {
		t.Fatalf("Get(%s): %v", key, err)
	}
	if item != nil {
		t.Fatalf("expected %s to be deleted, got %q", key, item.Data)
	}
}

func assertPresent(t *testing.T, s storage.Storage, key string, opts ...storage.Option) {
	t.Helper()
	item, err := s.Get(context.Background(), key, opts...)
	if err != nil {
		t.Fatalf("Get(%s): %v", key, err)
	}
	if item == nil {
		t.Fatalf("expected %s to be present", key)
	}
}
