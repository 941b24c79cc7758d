package store

import (
	"bytes"
	"context"
	"path/filepath"
	"reflect"
	"testing"
)

func openKV(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "kv.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background(), "kv", KVMigrations); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return s
}

func TestKVGetPutDelete(t *testing.T) {
	kv := openKV(t).NewPluginKV("weather")
	ctx := context.Background()

	if _, ok, err := kv.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("Get(missing) = ok=%v err=%v, want absent", ok, err)
	}

	if err := kv.Put(ctx, "last_report", []byte(`{"temp":21}`)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	v, ok, err := kv.Get(ctx, "last_report")
	if err != nil || !ok || !bytes.Equal(v, []byte(`{"temp":21}`)) {
		t.Fatalf("Get() = %q ok=%v err=%v", v, ok, err)
	}

	// Put replaces.
	if err := kv.Put(ctx, "last_report", []byte(`{"temp":22}`)); err != nil {
		t.Fatalf("Put(replace) error = %v", err)
	}
	v, _, _ = kv.Get(ctx, "last_report")
	if !bytes.Equal(v, []byte(`{"temp":22}`)) {
		t.Errorf("Get() after replace = %q", v)
	}

	if err := kv.Delete(ctx, "last_report"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok, _ := kv.Get(ctx, "last_report"); ok {
		t.Error("key survived Delete()")
	}
	// Absent key is not an error.
	if err := kv.Delete(ctx, "last_report"); err != nil {
		t.Errorf("Delete(absent) error = %v", err)
	}
}

func TestKVKeysPrefixSorted(t *testing.T) {
	kv := openKV(t).NewPluginKV("bbs")
	ctx := context.Background()

	for _, k := range []string{"msg/2", "msg/1", "config", "msg/3"} {
		if err := kv.Put(ctx, k, []byte("x")); err != nil {
			t.Fatal(err)
		}
	}

	keys, err := kv.Keys(ctx, "msg/")
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	if want := []string{"msg/1", "msg/2", "msg/3"}; !reflect.DeepEqual(keys, want) {
		t.Errorf("Keys(msg/) = %v, want %v", keys, want)
	}

	all, err := kv.Keys(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Errorf("Keys(\"\") = %v, want 4 keys", all)
	}
}

func TestKVIsolatedPerPlugin(t *testing.T) {
	s := openKV(t)
	ctx := context.Background()

	a := s.NewPluginKV("alpha")
	b := s.NewPluginKV("beta")

	if err := a.Put(ctx, "shared-name", []byte("from alpha")); err != nil {
		t.Fatal(err)
	}
	if err := b.Put(ctx, "shared-name", []byte("from beta")); err != nil {
		t.Fatal(err)
	}

	v, _, _ := a.Get(ctx, "shared-name")
	if string(v) != "from alpha" {
		t.Errorf("alpha read %q", v)
	}

	if err := a.DeleteAll(ctx); err != nil {
		t.Fatalf("DeleteAll() error = %v", err)
	}
	if _, ok, _ := a.Get(ctx, "shared-name"); ok {
		t.Error("alpha key survived DeleteAll()")
	}
	if _, ok, _ := b.Get(ctx, "shared-name"); !ok {
		t.Error("DeleteAll on alpha removed beta's key")
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := openKV(t)
	if err := s.Migrate(context.Background(), "kv", KVMigrations); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
}
