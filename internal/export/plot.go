package export

import (
	"fmt"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"sparsecnn/internal/metrics"
)

// PlotHistory renders the train/validation accuracy and loss curves of
// history as two PNG files in dir and returns their paths.
func PlotHistory(history metrics.History, title, dir, prefix string) ([]string, error) {
	if len(history) == 0 {
		return nil, fmt.Errorf("export: empty history for %s", title)
	}
	charts := []struct {
		name        string
		train, test string
	}{
		{name: "accuracy", train: metrics.Accuracy, test: metrics.ValAccuracy},
		{name: "loss", train: metrics.Loss, test: metrics.ValLoss},
	}
	paths := make([]string, 0, len(charts))
	for _, c := range charts {
		path := filepath.Join(dir, fmt.Sprintf("%s_%s.png", prefix, c.name))
		if err := plotSeries(history, title+" "+c.name, c.name, c.train, c.test, path); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func plotSeries(history metrics.History, title, ylabel, train, test, path string) error {
	trainPts, err := epochPoints(history, train)
	if err != nil {
		return err
	}
	testPts, err := epochPoints(history, test)
	if err != nil {
		return err
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = ylabel
	p.Legend.Top = true
	if err := plotutil.AddLinePoints(p, "train", trainPts, "validation", testPts); err != nil {
		return fmt.Errorf("export: plot %s: %w", title, err)
	}
	if err := p.Save(6*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("export: save plot %s: %w", path, err)
	}
	return nil
}

func epochPoints(history metrics.History, series string) (plotter.XYs, error) {
	values, err := history.Series(series)
	if err != nil {
		return nil, err
	}
	pts := make(plotter.XYs, len(values))
	for i, v := range values {
		pts[i].X = float64(history[i].Epoch)
		pts[i].Y = v
	}
	return pts, nil
}
