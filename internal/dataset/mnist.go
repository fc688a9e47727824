package dataset

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/errgroup"
)

// Standard MNIST file names.
const (
	MNISTTrainImages = "train-images-idx3-ubyte.gz"
	MNISTTrainLabels = "train-labels-idx1-ubyte.gz"
	MNISTTestImages  = "t10k-images-idx3-ubyte.gz"
	MNISTTestLabels  = "t10k-labels-idx1-ubyte.gz"
)

const (
	idxImagesMagic = 2051
	idxLabelsMagic = 2049
)

// LoadMNIST reads the four idx files under dir into train and test partitions.
func LoadMNIST(ctx context.Context, dir string) (Split, error) {
	var split Split
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		imgs, err := readIDXImages(ctx, filepath.Join(dir, MNISTTrainImages))
		split.Train.Images = imgs
		return err
	})
	g.Go(func() error {
		labels, err := readIDXLabels(ctx, filepath.Join(dir, MNISTTrainLabels))
		split.Train.Labels = labels
		return err
	})
	g.Go(func() error {
		imgs, err := readIDXImages(ctx, filepath.Join(dir, MNISTTestImages))
		split.Test.Images = imgs
		return err
	})
	g.Go(func() error {
		labels, err := readIDXLabels(ctx, filepath.Join(dir, MNISTTestLabels))
		split.Test.Labels = labels
		return err
	})
	if err := g.Wait(); err != nil {
		return Split{}, err
	}
	if err := split.Train.Validate(); err != nil {
		return Split{}, fmt.Errorf("mnist train: %w", err)
	}
	if err := split.Test.Validate(); err != nil {
		return Split{}, fmt.Errorf("mnist test: %w", err)
	}
	return split, nil
}

func openIDX(path string) (*bufio.Reader, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open idx: %w", err)
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("%w: gunzip %s: %v", ErrMalformedArchive, path, err)
	}
	closer := func() {
		gz.Close()
		f.Close()
	}
	return bufio.NewReader(gz), closer, nil
}

func readIDXImages(ctx context.Context, path string) ([][]float64, error) {
	r, closeFn, err := openIDX(path)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	var hdr [4]uint32
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: %s header: %v", ErrMalformedArchive, path, err)
	}
	if hdr[0] != idxImagesMagic {
		return nil, fmt.Errorf("%w: %s magic %d", ErrMalformedArchive, path, hdr[0])
	}
	if hdr[2] != Side || hdr[3] != Side {
		return nil, fmt.Errorf("%w: %s images are %dx%d", ErrShapeMismatch, path, hdr[2], hdr[3])
	}
	images := make([][]float64, hdr[1])
	buf := make([]byte, Pixels)
	for i := range images {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("%w: %s image %d: %v", ErrMalformedArchive, path, i, err)
		}
		img := make([]float64, Pixels)
		for j, b := range buf {
			img[j] = float64(b)
		}
		images[i] = img
	}
	return images, nil
}

func readIDXLabels(ctx context.Context, path string) ([]int, error) {
	r, closeFn, err := openIDX(path)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	var hdr [2]uint32
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: %s header: %v", ErrMalformedArchive, path, err)
	}
	if hdr[0] != idxLabelsMagic {
		return nil, fmt.Errorf("%w: %s magic %d", ErrMalformedArchive, path, hdr[0])
	}
	raw := make([]byte, hdr[1])
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("%w: %s labels: %v", ErrMalformedArchive, path, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	labels := make([]int, len(raw))
	for i, b := range raw {
		labels[i] = int(b)
	}
	return labels, nil
}
