package export

import (
	"bytes"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"sparsecnn/internal/metrics"
	"sparsecnn/internal/model"
	"sparsecnn/internal/pruning"
)

func newNet(t *testing.T) *model.ConvNet {
	t.Helper()
	net, err := model.NewConvNet(model.Architecture{Side: 28, Filters: 12, KernelSize: 3, PoolSize: 2, NumClasses: 10, L1: 0.01}, 0.001, 3)
	if err != nil {
		t.Fatalf("NewConvNet: %v", err)
	}
	return net
}

func prunedNet(t *testing.T, net *model.ConvNet) *model.ConvNet {
	t.Helper()
	w, err := pruning.Wrap(net, pruning.NewPolynomialDecay(0.5, 0.9, 0, 1))
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	w.UpdateStep(1)
	return w.Strip()
}

func testImage() []float64 {
	img := make([]float64, 784)
	for i := range img {
		img[i] = float64(i%17) / 17
	}
	return img
}

func TestDenseRoundTrip(t *testing.T) {
	net := newNet(t)
	path := filepath.Join(t.TempDir(), "baseline.scnn")
	if err := SaveDense(path, net); err != nil {
		t.Fatalf("SaveDense: %v", err)
	}
	loaded, err := LoadDense(path, 0.001)
	if err != nil {
		t.Fatalf("LoadDense: %v", err)
	}
	if loaded.Architecture() != net.Architecture() {
		t.Fatalf("architecture mismatch: %+v vs %+v", loaded.Architecture(), net.Architecture())
	}
	want, got := net.Predict(testImage()), loaded.Predict(testImage())
	for i := range want {
		if math.Abs(want[i]-got[i]) > 1e-4 {
			t.Fatalf("logit %d: %f vs %f", i, want[i], got[i])
		}
	}
}

func TestLoadDenseRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.scnn")
	if err := os.WriteFile(path, []byte("NOPE and then some"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadDense(path, 0); !errors.Is(err, ErrBadModelFile) {
		t.Fatalf("expected ErrBadModelFile, got %v", err)
	}
}

func TestLiteRoundTripKeepsZeros(t *testing.T) {
	net := prunedNet(t, newNet(t))
	path := filepath.Join(t.TempDir(), "pruned.msgpack")
	if err := SaveLite(path, net); err != nil {
		t.Fatalf("SaveLite: %v", err)
	}
	loaded, err := LoadLite(path)
	if err != nil {
		t.Fatalf("LoadLite: %v", err)
	}
	orig, back := net.Params(), loaded.Params()
	for i := range orig {
		for j, v := range orig[i].Values {
			if float64(float32(v)) != back[i].Values[j] {
				t.Fatalf("%s[%d]: %g vs %g", orig[i].Name, j, v, back[i].Values[j])
			}
		}
	}
}

func TestPrunedModelZipsSmaller(t *testing.T) {
	dir := t.TempDir()
	base := newNet(t)
	pruned := prunedNet(t, base)

	basePath := filepath.Join(dir, "baseline.scnn")
	prunedPath := filepath.Join(dir, "pruned.scnn")
	litePath := filepath.Join(dir, "pruned.msgpack")
	if err := SaveDense(basePath, base); err != nil {
		t.Fatalf("SaveDense: %v", err)
	}
	if err := SaveDense(prunedPath, pruned); err != nil {
		t.Fatalf("SaveDense: %v", err)
	}
	if err := SaveLite(litePath, pruned); err != nil {
		t.Fatalf("SaveLite: %v", err)
	}

	report, err := Compare("run-1", 0.8, 0.79, 0.9, Artifacts{Baseline: basePath, Pruned: prunedPath, Lite: litePath})
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if report.PrunedZipped > report.BaselineZipped {
		t.Fatalf("pruned archive %d larger than baseline %d", report.PrunedZipped, report.BaselineZipped)
	}
	if report.LiteZipped <= 0 || report.CompressionRatio() < 1 {
		t.Fatalf("unexpected report %+v", report)
	}

	var out bytes.Buffer
	report.Print(&out)
	for _, line := range []string{"Baseline test accuracy: 0.8000", "Size of zipped pruned model:", "Size of zipped pruned lite model:", "Run: run-1"} {
		if !strings.Contains(out.String(), line) {
			t.Fatalf("report missing %q:\n%s", line, out.String())
		}
	}
}

func TestZippedSizeMissingFile(t *testing.T) {
	if _, err := ZippedSize(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func sampleHistory() metrics.History {
	return metrics.History{
		{Epoch: 1, Loss: 1.2, Accuracy: 0.5, ValLoss: 1.3, ValAccuracy: 0.45},
		{Epoch: 2, Loss: 0.8, Accuracy: 0.7, ValLoss: 0.9, ValAccuracy: 0.65, Sparsity: 0.6},
	}
}

func TestPlotHistory(t *testing.T) {
	dir := t.TempDir()
	paths, err := PlotHistory(sampleHistory(), "baseline", dir, "run")
	if err != nil {
		t.Fatalf("PlotHistory: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("expected 2 plots, got %v", paths)
	}
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil || info.Size() == 0 {
			t.Fatalf("plot %s not written: %v", p, err)
		}
	}
	if _, err := PlotHistory(nil, "empty", dir, "x"); err == nil {
		t.Fatal("expected error for empty history")
	}
}

func TestWriteHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.parquet")
	runs := map[string]metrics.History{"baseline": sampleHistory(), "pruned": sampleHistory()}
	if err := WriteHistory(path, runs); err != nil {
		t.Fatalf("WriteHistory: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(data) < 8 || string(data[:4]) != "PAR1" || string(data[len(data)-4:]) != "PAR1" {
		t.Fatalf("not a parquet file (%d bytes)", len(data))
	}
}

func TestObjectKeyAndEndpoint(t *testing.T) {
	if got := objectKey("models", "abc", "/tmp/out/pruned.scnn"); got != "models/run=abc/pruned.scnn" {
		t.Fatalf("unexpected key %s", got)
	}
	host, ssl, err := parseEndpoint("https://s3.example.com", false)
	if err != nil || host != "s3.example.com" || !ssl {
		t.Fatalf("parseEndpoint https: %s %v %v", host, ssl, err)
	}
	host, ssl, err = parseEndpoint("localhost:9000", false)
	if err != nil || ssl {
		t.Fatalf("parseEndpoint bare: %s %v %v", host, ssl, err)
	}
	if _, err := NewUploader(UploadConfig{Endpoint: "localhost:9000"}); err == nil {
		t.Fatal("expected error without bucket")
	}
}
