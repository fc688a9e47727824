package dataset

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
)

// ErrNoShards is returned when a shard root holds no shard-NNNNNN.tar files.
var ErrNoShards = errors.New("dataset: no shards found")

var shardName = regexp.MustCompile(`^shard-[0-9]{6,}\.tar$`)

// DiscoverShards lists the shards under root in lexical path order. A root
// that names a single shard file yields just that file.
func DiscoverShards(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("shard root: %w", err)
	}
	if !info.IsDir() {
		if !shardName.MatchString(info.Name()) {
			return nil, fmt.Errorf("%w: %s is not a shard file", ErrNoShards, root)
		}
		return []string{root}, nil
	}

	var shards []string
	walk := func(path string, d fs.DirEntry, err error) error {
		switch {
		case err != nil:
			return err
		case d.Type().IsRegular() && shardName.MatchString(d.Name()):
			shards = append(shards, path)
		}
		return nil
	}
	if err := filepath.WalkDir(root, walk); err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	if len(shards) == 0 {
		return nil, fmt.Errorf("%w under %s", ErrNoShards, root)
	}
	sort.Strings(shards)
	return shards, nil
}

// DiscoverByRoot maps each distinct cleaned root to its shards.
func DiscoverByRoot(roots []string) (map[string][]string, error) {
	byRoot := make(map[string][]string, len(roots))
	for _, root := range roots {
		root = filepath.Clean(root)
		if _, dup := byRoot[root]; dup {
			continue
		}
		shards, err := DiscoverShards(root)
		if err != nil {
			return nil, err
		}
		byRoot[root] = shards
	}
	return byRoot, nil
}
