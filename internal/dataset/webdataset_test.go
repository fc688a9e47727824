package dataset

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"testing"
)

func TestStreamShardPairsEntries(t *testing.T) {
	shard := filepath.Join(t.TempDir(), "shard-000000.tar")
	writeShard(t, shard, []shardEntry{
		{key: "000001", level: 10, label: 3},
		{key: "000002", level: 200, label: 7},
	})

	samples, err := drainShard(StreamShard(context.Background(), shard, 4))
	if err != nil {
		t.Fatalf("StreamShard returned error: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(samples))
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].Key < samples[j].Key })
	if samples[0].Label != 3 || samples[1].Label != 7 {
		t.Fatalf("unexpected labels %d %d", samples[0].Label, samples[1].Label)
	}
	if len(samples[1].Pixels) != Pixels {
		t.Fatalf("expected %d pixels, got %d", Pixels, len(samples[1].Pixels))
	}
	for _, v := range samples[1].Pixels {
		if v != 200 {
			t.Fatalf("expected uniform intensity 200, got %f", v)
		}
	}
}

func TestStreamShardIncompletePair(t *testing.T) {
	shard := filepath.Join(t.TempDir(), "shard-000000.tar")
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	addTarEntry(t, tw, "lonely.cls", []byte("1"))
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := os.WriteFile(shard, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write shard: %v", err)
	}

	if _, err := drainShard(StreamShard(context.Background(), shard, 4)); err == nil {
		t.Fatal("expected error for incomplete sample")
	}
}

func TestStreamShardPendingOverflow(t *testing.T) {
	shard := filepath.Join(t.TempDir(), "shard-000000.tar")
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	for i := 0; i < 3; i++ {
		addTarEntry(t, tw, strconv.Itoa(i)+".cls", []byte("1"))
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := os.WriteFile(shard, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write shard: %v", err)
	}

	_, err := drainShard(StreamShard(context.Background(), shard, 2))
	if !errors.Is(err, ErrPendingOverflow) {
		t.Fatalf("expected ErrPendingOverflow, got %v", err)
	}
}

func TestDecodeGridDownsamples(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 2*Side, 2*Side))
	for y := 0; y < 2*Side; y++ {
		for x := 0; x < 2*Side; x++ {
			if x < Side {
				img.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	grid, err := DecodeGrid(buf.Bytes())
	if err != nil {
		t.Fatalf("DecodeGrid: %v", err)
	}
	if grid[0] != 255 || grid[Side-1] != 0 {
		t.Fatalf("unexpected corners %f %f", grid[0], grid[Side-1])
	}
}

type shardEntry struct {
	key   string
	level uint8
	label int
}

func drainShard(samplesCh <-chan Sample, errCh <-chan error) ([]Sample, error) {
	var samples []Sample
	var firstErr error
	for samplesCh != nil || errCh != nil {
		select {
		case sample, ok := <-samplesCh:
			if !ok {
				samplesCh = nil
				continue
			}
			samples = append(samples, sample)
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return samples, firstErr
}

func writeShard(t *testing.T, path string, entries []shardEntry) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	for _, e := range entries {
		addTarEntry(t, tw, e.key+".png", grayPNG(t, e.level))
		addTarEntry(t, tw, e.key+".cls", []byte(strconv.Itoa(e.label)))
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write shard: %v", err)
	}
}

func grayPNG(t *testing.T, level uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, Side, Side))
	for i := range img.Pix {
		img.Pix[i] = level
	}
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func addTarEntry(t *testing.T, tw *tar.Writer, name string, data []byte) {
	t.Helper()
	hdr := &tar.Header{Name: name, Size: int64(len(data)), Mode: 0o644}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if _, err := tw.Write(data); err != nil {
		t.Fatalf("write data: %v", err)
	}
}
