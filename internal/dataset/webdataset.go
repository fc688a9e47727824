package dataset

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Sample is one decoded image/label pair from a WebDataset shard.
type Sample struct {
	Key    string
	Pixels []float64
	Label  int
}

// ErrPendingOverflow indicates the pairing map exceeded the configured bound.
var ErrPendingOverflow = errors.New("webdataset: pending pair buffer exceeded")

const defaultPendingCap = 1024

// StreamShard streams paired samples from the shard at path. Images are
// resampled to a Side x Side grayscale grid with intensities in [0,255].
func StreamShard(ctx context.Context, path string, pendingCap int) (<-chan Sample, <-chan error) {
	if pendingCap <= 0 {
		pendingCap = defaultPendingCap
	}
	out := make(chan Sample)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)
		if err := streamShard(ctx, path, pendingCap, out); err != nil {
			errCh <- err
		}
	}()

	return out, errCh
}

func streamShard(ctx context.Context, path string, pendingCap int, out chan<- Sample) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open shard: %w", err)
	}
	defer f.Close()

	tr := tar.NewReader(bufio.NewReader(f))
	pending := make(map[string]*partial)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}
		if hdr.FileInfo().IsDir() {
			continue
		}
		name := filepath.Base(hdr.Name)
		ext := strings.ToLower(filepath.Ext(name))
		key := strings.TrimSuffix(name, ext)

		switch ext {
		case ".jpg", ".jpeg", ".png":
			data, err := io.ReadAll(tr)
			if err != nil {
				return fmt.Errorf("read image %s: %w", name, err)
			}
			grid, err := DecodeGrid(data)
			if err != nil {
				return fmt.Errorf("decode image %s: %w", name, err)
			}
			pendingFor(pending, key).pixels = grid
		case ".cls":
			payload, err := io.ReadAll(tr)
			if err != nil {
				return fmt.Errorf("read label %s: %w", name, err)
			}
			label, err := strconv.Atoi(strings.TrimSpace(string(payload)))
			if err != nil {
				return fmt.Errorf("parse label %s: %w", name, err)
			}
			if label < 0 {
				return fmt.Errorf("label %s is negative", name)
			}
			pendingFor(pending, key).label = &label
		default:
			continue
		}

		if len(pending) > pendingCap {
			return ErrPendingOverflow
		}

		if part := pending[key]; part.ready() {
			delete(pending, key)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- Sample{Key: key, Pixels: part.pixels, Label: *part.label}:
			}
		}
	}

	if len(pending) > 0 {
		return fmt.Errorf("%d samples incomplete in %s", len(pending), path)
	}
	return nil
}

// DecodeGrid decodes a PNG or JPEG and nearest-samples it to a Side x Side
// grayscale grid.
func DecodeGrid(raw []byte) ([]float64, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width == 0 || height == 0 {
		return nil, errors.New("empty image")
	}
	grid := make([]float64, Pixels)
	for gy := 0; gy < Side; gy++ {
		py := bounds.Min.Y + gy*height/Side
		for gx := 0; gx < Side; gx++ {
			px := bounds.Min.X + gx*width/Side
			r, g, b, _ := img.At(px, py).RGBA()
			grid[gy*Side+gx] = (float64(r) + float64(g) + float64(b)) / (3 * 257.0)
		}
	}
	return grid, nil
}

type partial struct {
	pixels []float64
	label  *int
}

func pendingFor(pending map[string]*partial, key string) *partial {
	part := pending[key]
	if part == nil {
		part = &partial{}
		pending[key] = part
	}
	return part
}

func (p *partial) ready() bool {
	return p != nil && len(p.pixels) > 0 && p.label != nil
}
