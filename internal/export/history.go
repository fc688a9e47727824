package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	writerfile "github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"sparsecnn/internal/metrics"
)

const historySchema = `{
  "Tag": "name=parquet_go_root, repetitiontype=REQUIRED",
  "Fields": [
    {"Tag": "name=run, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=REQUIRED"},
    {"Tag": "name=epoch, type=INT64, repetitiontype=REQUIRED"},
    {"Tag": "name=loss, type=DOUBLE, repetitiontype=REQUIRED"},
    {"Tag": "name=accuracy, type=DOUBLE, repetitiontype=REQUIRED"},
    {"Tag": "name=val_loss, type=DOUBLE, repetitiontype=REQUIRED"},
    {"Tag": "name=val_accuracy, type=DOUBLE, repetitiontype=REQUIRED"},
    {"Tag": "name=sparsity, type=DOUBLE, repetitiontype=REQUIRED"}
  ]
}`

type historyRow struct {
	Run string `json:"run"`
	metrics.Epoch
}

// WriteHistory writes the epochs of one or more named fits to a single
// SNAPPY-compressed Parquet file, one row per epoch.
func WriteHistory(path string, runs map[string]metrics.History) error {
	buf := &bytes.Buffer{}
	pfw := writerfile.NewWriterFile(buf)
	pw, err := writer.NewJSONWriter(historySchema, pfw, 1)
	if err != nil {
		return fmt.Errorf("export: parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, name := range sortedKeys(runs) {
		for _, e := range runs[name] {
			row, err := json.Marshal(historyRow{Run: name, Epoch: e})
			if err != nil {
				_ = pw.WriteStop()
				return fmt.Errorf("export: encode history row: %w", err)
			}
			if err := pw.Write(string(row)); err != nil {
				_ = pw.WriteStop()
				return fmt.Errorf("export: write history row: %w", err)
			}
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("export: finish parquet: %w", err)
	}
	_ = pfw.Close()
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("export: write %s: %w", path, err)
	}
	return nil
}

func sortedKeys(runs map[string]metrics.History) []string {
	keys := make([]string, 0, len(runs))
	for k := range runs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
