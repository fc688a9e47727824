package dataset

import (
	"context"
	"math/rand"
	"path/filepath"
	"reflect"
	"testing"
)

func TestBuildRoundRobinOrderDeterministic(t *testing.T) {
	roots := map[string][]string{
		"/rootA": {"/rootA/shard-000000.tar", "/rootA/shard-000002.tar"},
		"/rootB": {"/rootB/shard-000001.tar"},
	}
	order1 := buildRoundRobinOrder(roots, rand.New(rand.NewSource(7)))
	order2 := buildRoundRobinOrder(roots, rand.New(rand.NewSource(7)))

	if !reflect.DeepEqual(order1, order2) {
		t.Fatalf("round robin order not deterministic: %v vs %v", order1, order2)
	}
	if len(order1) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(order1))
	}
	if order1[0].root == order1[1].root {
		t.Fatalf("expected alternating roots, got %v", order1)
	}
}

func TestLoadShardsCollectsEverySampleOnce(t *testing.T) {
	temp := t.TempDir()
	rootA := filepath.Join(temp, "rootA")
	rootB := filepath.Join(temp, "rootB")
	writeShard(t, filepath.Join(rootA, "shard-000000.tar"), []shardEntry{{key: "a0", level: 1, label: 0}, {key: "a1", level: 2, label: 1}})
	writeShard(t, filepath.Join(rootA, "shard-000002.tar"), []shardEntry{{key: "a2", level: 3, label: 1}})
	writeShard(t, filepath.Join(rootB, "shard-000001.tar"), []shardEntry{{key: "b0", level: 4, label: 0}})

	run := func() Set {
		set, err := LoadShards(context.Background(), []string{rootA, rootB}, 123, 2)
		if err != nil {
			t.Fatalf("LoadShards: %v", err)
		}
		return set
	}
	first := run()
	second := run()

	if first.Len() != 4 {
		t.Fatalf("expected 4 samples, got %d", first.Len())
	}
	if !reflect.DeepEqual(first.Labels, second.Labels) || !reflect.DeepEqual(first.Images, second.Images) {
		t.Fatal("sample order not deterministic across runs")
	}
	seen := map[float64]bool{}
	for _, img := range first.Images {
		seen[img[0]] = true
	}
	if len(seen) != 4 {
		t.Fatalf("expected 4 distinct samples, got %v", seen)
	}
}

func TestLoadShardsEmptyRoot(t *testing.T) {
	if _, err := LoadShards(context.Background(), []string{t.TempDir()}, 1, 1); err == nil {
		t.Fatal("expected error for root without shards")
	}
}
