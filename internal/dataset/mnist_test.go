package dataset

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func TestLoadMNIST(t *testing.T) {
	dir := t.TempDir()
	writeIDXImages(t, filepath.Join(dir, MNISTTrainImages), 3, 7)
	writeIDXLabels(t, filepath.Join(dir, MNISTTrainLabels), []byte{1, 2, 3})
	writeIDXImages(t, filepath.Join(dir, MNISTTestImages), 2, 9)
	writeIDXLabels(t, filepath.Join(dir, MNISTTestLabels), []byte{4, 5})

	split, err := LoadMNIST(context.Background(), dir)
	if err != nil {
		t.Fatalf("LoadMNIST: %v", err)
	}
	if split.Train.Len() != 3 || split.Test.Len() != 2 {
		t.Fatalf("unexpected sizes %d/%d", split.Train.Len(), split.Test.Len())
	}
	if split.Train.Images[2][Pixels-1] != 7 || split.Test.Images[0][0] != 9 {
		t.Fatal("unexpected pixel values")
	}
	if split.Test.Labels[1] != 5 {
		t.Fatalf("unexpected label %d", split.Test.Labels[1])
	}
}

func TestLoadMNISTLabelCountMismatch(t *testing.T) {
	dir := t.TempDir()
	writeIDXImages(t, filepath.Join(dir, MNISTTrainImages), 3, 7)
	writeIDXLabels(t, filepath.Join(dir, MNISTTrainLabels), []byte{1, 2})
	writeIDXImages(t, filepath.Join(dir, MNISTTestImages), 1, 9)
	writeIDXLabels(t, filepath.Join(dir, MNISTTestLabels), []byte{4})

	_, err := LoadMNIST(context.Background(), dir)
	if !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestLoadMNISTMissingFile(t *testing.T) {
	if _, err := LoadMNIST(context.Background(), t.TempDir()); err == nil {
		t.Fatal("expected error for missing files")
	}
}

func writeIDXImages(t *testing.T, path string, n int, fill byte) {
	t.Helper()
	payload := make([]byte, 16+n*Pixels)
	binary.BigEndian.PutUint32(payload[0:], idxImagesMagic)
	binary.BigEndian.PutUint32(payload[4:], uint32(n))
	binary.BigEndian.PutUint32(payload[8:], Side)
	binary.BigEndian.PutUint32(payload[12:], Side)
	for i := 16; i < len(payload); i++ {
		payload[i] = fill
	}
	writeGzip(t, path, payload)
}

func writeIDXLabels(t *testing.T, path string, labels []byte) {
	t.Helper()
	payload := make([]byte, 8+len(labels))
	binary.BigEndian.PutUint32(payload[0:], idxLabelsMagic)
	binary.BigEndian.PutUint32(payload[4:], uint32(len(labels)))
	copy(payload[8:], labels)
	writeGzip(t, path, payload)
}

func writeGzip(t *testing.T, path string, payload []byte) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	gz := gzip.NewWriter(f)
	if _, err := gz.Write(payload); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
}
