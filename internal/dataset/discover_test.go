package dataset

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDiscoverShardsBasic(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "shard-000000.tar"))
	mustWrite(t, filepath.Join(dir, "nested", "shard-000001.tar"))
	mustWrite(t, filepath.Join(dir, "ignore.txt"))
	mustWrite(t, filepath.Join(dir, "shard-1.tar"))

	shards, err := DiscoverShards(dir)
	if err != nil {
		t.Fatalf("DiscoverShards error: %v", err)
	}
	want := []string{
		filepath.Join(dir, "nested", "shard-000001.tar"),
		filepath.Join(dir, "shard-000000.tar"),
	}
	if len(shards) != len(want) {
		t.Fatalf("expected %d shards, got %d", len(want), len(shards))
	}
	for i, shard := range want {
		if shards[i] != shard {
			t.Fatalf("shard[%d]=%s want %s", i, shards[i], shard)
		}
	}
}

func TestDiscoverByRootSkipsDuplicates(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "shard-000000.tar"))

	byRoot, err := DiscoverByRoot([]string{dir, dir})
	if err != nil {
		t.Fatalf("DiscoverByRoot: %v", err)
	}
	if len(byRoot) != 1 || len(byRoot[dir]) != 1 {
		t.Fatalf("unexpected discovery %v", byRoot)
	}
}

func TestDiscoverShardsMissingRoot(t *testing.T) {
	if _, err := DiscoverShards(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatal("expected error for missing root")
	}
}

func TestDiscoverShardsSingleFileAndEmptyRoot(t *testing.T) {
	dir := t.TempDir()
	shard := filepath.Join(dir, "shard-000007.tar")
	mustWrite(t, shard)
	shards, err := DiscoverShards(shard)
	if err != nil || len(shards) != 1 || shards[0] != shard {
		t.Fatalf("single shard root: %v %v", shards, err)
	}

	other := filepath.Join(dir, "notes.txt")
	mustWrite(t, other)
	if _, err := DiscoverShards(other); !errors.Is(err, ErrNoShards) {
		t.Fatalf("expected ErrNoShards for non-shard file, got %v", err)
	}
	if _, err := DiscoverShards(t.TempDir()); !errors.Is(err, ErrNoShards) {
		t.Fatalf("expected ErrNoShards for empty root, got %v", err)
	}
}

func mustWrite(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
