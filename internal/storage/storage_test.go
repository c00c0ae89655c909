package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestGetSet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	var got doc
	found, err := s.Get(ctx, "settings", "missing", &got)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if found {
		t.Error("Get() found = true for missing key")
	}

	if err := s.Set(ctx, "settings", "doc", doc{Name: "a", Count: 3}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	found, err = s.Get(ctx, "settings", "doc", &got)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !found {
		t.Fatal("Get() found = false after Set")
	}
	if got.Name != "a" || got.Count != 3 {
		t.Errorf("Get() = %+v, want {a 3}", got)
	}

	if err := s.Delete(ctx, "settings", "doc"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	found, _ = s.Get(ctx, "settings", "doc", &got)
	if found {
		t.Error("key still present after Delete")
	}
}

func TestPersistAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.Set(ctx, "settings", "doc", doc{Name: "persisted"}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s.Close()

	var got doc
	found, err := s.Get(ctx, "settings", "doc", &got)
	if err != nil || !found {
		t.Fatalf("Get() found=%v err=%v", found, err)
	}
	if got.Name != "persisted" {
		t.Errorf("Name = %q, want persisted", got.Name)
	}
}

func TestWipeKeepsBuckets(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.EnsureBuckets([]byte("a"), []byte("b")); err != nil {
		t.Fatalf("EnsureBuckets() error = %v", err)
	}
	if err := s.Set(ctx, "a", "k", doc{Name: "x"}); err != nil {
		t.Fatal(err)
	}

	if err := s.Wipe(ctx); err != nil {
		t.Fatalf("Wipe() error = %v", err)
	}

	err := s.DB().View(func(tx *bolt.Tx) error {
		for _, name := range []string{"a", "b"} {
			b := tx.Bucket([]byte(name))
			if b == nil {
				t.Errorf("bucket %s missing after wipe", name)
				continue
			}
			if k, _ := b.Cursor().First(); k != nil {
				t.Errorf("bucket %s not empty after wipe", name)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestWipeKeep(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	s.Set(ctx, "settings", "automation", doc{Name: "keep me"})
	s.Set(ctx, "recipients", "r1", doc{Name: "drop me"})

	if err := s.Wipe(ctx, "settings"); err != nil {
		t.Fatalf("Wipe() error = %v", err)
	}

	var got doc
	if found, _ := s.Get(ctx, "settings", "automation", &got); !found || got.Name != "keep me" {
		t.Errorf("kept bucket lost data: found=%v %+v", found, got)
	}
	if found, _ := s.Get(ctx, "recipients", "r1", &got); found {
		t.Error("recipients should be wiped")
	}
}

func TestIndexKeyOrdering(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	k1 := MakeIndexKey(base, "b")
	k2 := MakeIndexKey(base.Add(time.Millisecond), "a")
	k3 := MakeIndexKey(base.Add(10*time.Second), "a")

	if string(k1) >= string(k2) || string(k2) >= string(k3) {
		t.Errorf("index keys not time ordered: %s %s %s", k1, k2, k3)
	}

	if got := ParseTimestampFromKey(k2); !got.Equal(base.Add(time.Millisecond)) {
		t.Errorf("ParseTimestampFromKey() = %v, want %v", got, base.Add(time.Millisecond))
	}
}
