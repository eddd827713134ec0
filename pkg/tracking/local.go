// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tracking implements a local experiment tracker: after the evaluation, it writes into a directory
//
//   - summary.txt: the model summary and the evaluation metrics.
//   - samples.png: a grid with one row per sample test image: noisy input, reconstruction and clean target.
//   - loss_curve.png: training and validation loss per epoch, if the training history is available.
//   - run.json: the run ID, the metrics, and the list of files written.
//
// It implements evaluation.Tracker.
package tracking

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gomlx/denoiser/pkg/artifacts"
	"github.com/gomlx/denoiser/pkg/dataset"
	"github.com/gomlx/denoiser/pkg/diagnostics"
	"github.com/gomlx/denoiser/pkg/evaluation"
	"github.com/gomlx/denoiser/pkg/training"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// File names written in the tracking directory.
const (
	SummaryFile   = "summary.txt"
	SamplesFile   = "samples.png"
	LossCurveFile = "loss_curve.png"
	RunFile       = "run.json"
)

// GridGap is the number of pixels between (and around) the images of the samples grid.
const GridGap = 2

// Local is a tracker that writes into a local directory.
type Local struct {
	dir        string
	store      *artifacts.Store
	observer   diagnostics.Observer
	maxSamples int
	scale      int
}

var _ evaluation.Tracker = (*Local)(nil)

// NewLocal creates a tracker writing into dir, through store.
// It defaults to 8 sample images, at their original size.
func NewLocal(dir string, store *artifacts.Store, observer diagnostics.Observer) *Local {
	return &Local{
		dir:        dir,
		store:      store,
		observer:   diagnostics.OrDefault(observer),
		maxSamples: 8,
		scale:      1,
	}
}

// WithSamples sets the maximum number of rows of the samples grid.
func (l *Local) WithSamples(n int) *Local {
	l.maxSamples = n
	return l
}

// WithScale sets the upscaling factor of the images in the samples grid (nearest neighbor), for small images.
func (l *Local) WithScale(scale int) *Local {
	l.scale = max(scale, 1)
	return l
}

// RunInfo is the content of run.json.
type RunInfo struct {
	RunID      string             `json:"run_id"`
	Time       time.Time          `json:"time"`
	ModelPath  string             `json:"model_path"`
	ReportPath string             `json:"report_path"`
	Duration   float64            `json:"duration_seconds"`
	Metrics    *evaluation.Report `json:"metrics"`
	Files      []string           `json:"files"`
}

// Track implements evaluation.Tracker. It writes as many files as it can, and returns the errors of the
// ones that failed.
func (l *Local) Track(run *evaluation.Run) error {
	info := &RunInfo{
		RunID:      uuid.NewString(),
		Time:       time.Now(),
		ModelPath:  run.ModelPath,
		ReportPath: run.ReportPath,
		Duration:   run.Duration.Seconds(),
		Metrics:    run.Report,
	}
	var failed []string
	record := func(name string, err error) {
		if err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", name, err))
			return
		}
		info.Files = append(info.Files, name)
	}
	record(SummaryFile, l.writeSummary(run))
	record(SamplesFile, l.writeSamples(run))
	if run.HistoryPath != "" && l.store.Exists(run.HistoryPath) {
		record(LossCurveFile, l.writeLossCurve(run.HistoryPath))
	} else {
		l.observer.Debugf("tracking: no training history, skipping %s", LossCurveFile)
	}
	record(RunFile, l.store.WriteJSON(filepath.Join(l.dir, RunFile), info))
	if len(failed) > 0 {
		return errors.Errorf("tracker failed to write %s", strings.Join(failed, "; "))
	}
	l.observer.Infof("tracking: run %s logged to %q", info.RunID, l.dir)
	return nil
}

func (l *Local) writeSummary(run *evaluation.Run) error {
	return l.store.WriteFile(filepath.Join(l.dir, SummaryFile), func(w io.Writer) error {
		var sb strings.Builder
		sb.WriteString(run.ModelSummary)
		if !strings.HasSuffix(run.ModelSummary, "\n") {
			sb.WriteByte('\n')
		}
		if r := run.Report; r != nil {
			fmt.Fprintf(&sb, "\nEvaluation on %d examples:\n", r.NumExamples)
			fmt.Fprintf(&sb, "  mse: %.6g\n", r.MSE)
			if r.PSNR != nil {
				fmt.Fprintf(&sb, "  psnr: %.2f dB\n", *r.PSNR)
			}
			fmt.Fprintf(&sb, "  per-image mse: mean=%.6g std=%.6g min=%.6g max=%.6g\n",
				r.PerImage.Mean, r.PerImage.Std, r.PerImage.Min, r.PerImage.Max)
		}
		_, err := io.WriteString(w, sb.String())
		return err
	})
}

// SamplesGrid returns the image with one row per example, up to maxRows: noisy, reconstructed and clean.
// All tensors must be shaped [N, H, W, C] with values in [0, 1].
func SamplesGrid(noisy, reconstructed, clean *tensors.Tensor, maxRows, scale int) (*image.NRGBA, error) {
	columns := []*tensors.Tensor{noisy, reconstructed, clean}
	for _, t := range columns {
		if t == nil {
			return nil, errors.New("noisy, reconstructed and clean images must be given")
		}
		if !t.Shape().Equal(clean.Shape()) || t.Rank() != 4 {
			return nil, errors.Errorf("images shaped %s, %s and %s must all have the same [N, H, W, C] shape",
				noisy.Shape(), reconstructed.Shape(), clean.Shape())
		}
	}
	dims := clean.Shape().Dimensions
	rows := min(dims[0], maxRows)
	if rows <= 0 {
		return nil, errors.New("no sample images")
	}
	indices := make([]int, rows)
	for ii := range indices {
		indices[ii] = ii
	}
	scale = max(scale, 1)
	height, width := dims[1]*scale, dims[2]*scale
	grid := imaging.New(len(columns)*width+(len(columns)+1)*GridGap, rows*height+(rows+1)*GridGap,
		color.NRGBA{R: 255, G: 255, B: 255, A: 255})
	for col, t := range columns {
		samples, err := dataset.Gather[float32](t, indices)
		if err != nil {
			return nil, err
		}
		var images []image.Image
		err = exceptions.TryCatch[error](func() { images = timage.ToImage().Batch(samples) })
		if err != nil {
			return nil, errors.WithMessage(err, "converting tensor to images")
		}
		for row, img := range images {
			if scale > 1 {
				img = imaging.Resize(img, width, height, imaging.NearestNeighbor)
			}
			pos := image.Pt(GridGap+col*(width+GridGap), GridGap+row*(height+GridGap))
			grid = imaging.Paste(grid, img, pos)
		}
	}
	return grid, nil
}

func (l *Local) writeSamples(run *evaluation.Run) error {
	grid, err := SamplesGrid(run.Noisy, run.Reconstructed, run.Clean, l.maxSamples, l.scale)
	if err != nil {
		return err
	}
	return l.store.WriteFile(filepath.Join(l.dir, SamplesFile), func(w io.Writer) error {
		return imaging.Encode(w, grid, imaging.PNG)
	})
}

func (l *Local) writeLossCurve(historyPath string) error {
	var history training.History
	err := l.store.ReadFile(historyPath, func(r io.Reader) error {
		var err error
		history, err = training.ReadHistoryCSV(r)
		return err
	})
	if err != nil {
		return err
	}
	p, err := LossCurve(history)
	if err != nil {
		return err
	}
	writerTo, err := p.WriterTo(8*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return errors.Wrap(err, "rendering loss curve")
	}
	return l.store.WriteFile(filepath.Join(l.dir, LossCurveFile), func(w io.Writer) error {
		_, err := writerTo.WriteTo(w)
		return err
	})
}

// LossCurve plots the training and validation losses of history. Non-finite values are skipped.
func LossCurve(history training.History) (*plot.Plot, error) {
	var lossPoints, valPoints plotter.XYs
	for _, r := range history {
		x := float64(r.Epoch)
		if isFinite(r.Loss) {
			lossPoints = append(lossPoints, plotter.XY{X: x, Y: r.Loss})
		}
		if isFinite(r.ValLoss) {
			valPoints = append(valPoints, plotter.XY{X: x, Y: r.ValLoss})
		}
	}
	if len(lossPoints) == 0 && len(valPoints) == 0 {
		return nil, errors.New("training history has no finite loss values")
	}
	p := plot.New()
	p.Title.Text = "Reconstruction loss (MSE)"
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "loss"
	var lines []any
	if len(lossPoints) > 0 {
		lines = append(lines, training.ColLoss, lossPoints)
	}
	if len(valPoints) > 0 {
		lines = append(lines, training.ColValLoss, valPoints)
	}
	if err := plotutil.AddLinePoints(p, lines...); err != nil {
		return nil, errors.Wrap(err, "plotting losses")
	}
	return p, nil
}

func isFinite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
