package export

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
)

// Report compares the baseline and pruned runs.
type Report struct {
	RunID            string
	BaselineAccuracy float64
	PrunedAccuracy   float64
	Sparsity         float64

	BaselineFile string
	PrunedFile   string
	LiteFile     string

	BaselineZipped int64
	PrunedZipped   int64
	LiteZipped     int64
}

// Artifacts lists the model files a Report measured.
type Artifacts struct {
	Baseline string
	Pruned   string
	Lite     string
}

// Compare measures the zipped size of every artifact. An empty Lite path is
// skipped.
func Compare(runID string, baselineAcc, prunedAcc, sparsity float64, files Artifacts) (Report, error) {
	r := Report{
		RunID:            runID,
		BaselineAccuracy: baselineAcc,
		PrunedAccuracy:   prunedAcc,
		Sparsity:         sparsity,
		BaselineFile:     files.Baseline,
		PrunedFile:       files.Pruned,
		LiteFile:         files.Lite,
	}
	var err error
	if r.BaselineZipped, err = ZippedSize(files.Baseline); err != nil {
		return r, err
	}
	if r.PrunedZipped, err = ZippedSize(files.Pruned); err != nil {
		return r, err
	}
	if files.Lite != "" {
		if r.LiteZipped, err = ZippedSize(files.Lite); err != nil {
			return r, err
		}
	}
	return r, nil
}

// CompressionRatio is baseline zipped size over pruned zipped size.
func (r Report) CompressionRatio() float64 {
	if r.PrunedZipped == 0 {
		return 0
	}
	return float64(r.BaselineZipped) / float64(r.PrunedZipped)
}

// Print writes the accuracy comparison and the zipped size lines.
func (r Report) Print(w io.Writer) {
	if r.RunID != "" {
		fmt.Fprintf(w, "Run: %s\n", r.RunID)
	}
	fmt.Fprintf(w, "Baseline test accuracy: %.4f\n", r.BaselineAccuracy)
	fmt.Fprintf(w, "Pruned test accuracy: %.4f\n", r.PrunedAccuracy)
	fmt.Fprintf(w, "Pruned weight sparsity: %.2f%%\n", 100*r.Sparsity)
	fmt.Fprintf(w, "Saved baseline model to: %s\n", r.BaselineFile)
	fmt.Fprintf(w, "Saved pruned model to: %s\n", r.PrunedFile)
	fmt.Fprintf(w, "Size of zipped baseline model: %.2f bytes (%s)\n", float64(r.BaselineZipped), humanize.Bytes(uint64(r.BaselineZipped)))
	fmt.Fprintf(w, "Size of zipped pruned model: %.2f bytes (%s)\n", float64(r.PrunedZipped), humanize.Bytes(uint64(r.PrunedZipped)))
	if r.LiteFile != "" {
		fmt.Fprintf(w, "Saved pruned lite model to: %s\n", r.LiteFile)
		fmt.Fprintf(w, "Size of zipped pruned lite model: %.2f bytes (%s)\n", float64(r.LiteZipped), humanize.Bytes(uint64(r.LiteZipped)))
	}
	fmt.Fprintf(w, "Compression ratio: %sx\n", humanize.FormatFloat("#.##", r.CompressionRatio()))
}
