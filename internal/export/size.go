package export

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"
)

// ZippedSize returns the byte size of a DEFLATE zip archive holding only
// the file at path. The archive is written to a temporary file and removed.
func ZippedSize(path string) (int64, error) {
	src, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("export: open %s: %w", path, err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp("", "sparsecnn-*.zip")
	if err != nil {
		return 0, fmt.Errorf("export: temp archive: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	zw := zip.NewWriter(tmp)
	entry, err := zw.CreateHeader(&zip.FileHeader{Name: filepath.Base(path), Method: zip.Deflate})
	if err != nil {
		return 0, fmt.Errorf("export: zip header: %w", err)
	}
	if _, err := io.Copy(entry, src); err != nil {
		return 0, fmt.Errorf("export: zip %s: %w", path, err)
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("export: zip close: %w", err)
	}
	info, err := tmp.Stat()
	if err != nil {
		return 0, fmt.Errorf("export: stat archive: %w", err)
	}
	return info.Size(), nil
}
