// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tracking

import (
	"encoding/json"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/denoiser/pkg/artifacts"
	"github.com/gomlx/denoiser/pkg/diagnostics"
	"github.com/gomlx/denoiser/pkg/evaluation"
	"github.com/gomlx/denoiser/pkg/training"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// constImages returns n images 4x6x3 with all values set to v.
func constImages(n int, v float32) *tensors.Tensor {
	flat := make([]float32, n*4*6*3)
	for ii := range flat {
		flat[ii] = v
	}
	return tensors.FromFlatDataAndDimensions(flat, n, 4, 6, 3)
}

func testRun(t *testing.T, dir string) *evaluation.Run {
	clean := constImages(3, 1)
	report, err := evaluation.NewReport(clean, constImages(3, 0.5))
	require.NoError(t, err)
	return &evaluation.Run{
		ModelPath:     filepath.Join(dir, "model"),
		ModelSummary:  "autoencoder: 1,234 parameters",
		Report:        report,
		ReportPath:    filepath.Join(dir, "report.json"),
		Noisy:         constImages(3, 0),
		Reconstructed: constImages(3, 0.5),
		Clean:         clean,
		Duration:      2 * time.Second,
	}
}

func TestSamplesGrid(t *testing.T) {
	grid, err := SamplesGrid(constImages(3, 0), constImages(3, 0.5), constImages(3, 1), 2, 2)
	require.NoError(t, err)
	bounds := grid.Bounds()
	assert.Equal(t, 3*12+4*GridGap, bounds.Dx())
	assert.Equal(t, 2*8+3*GridGap, bounds.Dy())

	// First row: black, gray and white images, on a white background.
	y := GridGap + 1
	assert.Equal(t, uint8(0), grid.NRGBAAt(GridGap+1, y).R)
	assert.Equal(t, uint8(128), grid.NRGBAAt(2*GridGap+12+1, y).R)
	assert.Equal(t, uint8(255), grid.NRGBAAt(3*GridGap+24+1, y).R)
	assert.Equal(t, uint8(255), grid.NRGBAAt(0, 0).R)

	_, err = SamplesGrid(constImages(3, 0), constImages(2, 0), constImages(3, 0), 2, 1)
	require.Error(t, err)
	_, err = SamplesGrid(nil, constImages(3, 0), constImages(3, 0), 2, 1)
	require.Error(t, err)
}

func TestTrack(t *testing.T) {
	dir := t.TempDir()
	store := artifacts.NewStore(diagnostics.Discard{})
	run := testRun(t, dir)
	run.HistoryPath = filepath.Join(dir, "history.csv")
	history := training.History{
		{Epoch: 1, Loss: 0.3, ValLoss: 0.35, LearningRate: 1e-3, Improved: true},
		{Epoch: 2, Loss: 0.2, ValLoss: math.NaN(), LearningRate: 1e-3},
		{Epoch: 3, Loss: 0.1, ValLoss: 0.15, LearningRate: 8e-4, Improved: true},
	}
	require.NoError(t, store.WriteFile(run.HistoryPath, func(w io.Writer) error { return history.WriteCSV(w) }))

	trackDir := filepath.Join(dir, "tracking")
	tracker := NewLocal(trackDir, store, diagnostics.Discard{}).WithSamples(2).WithScale(3)
	require.NoError(t, tracker.Track(run))

	summary, err := os.ReadFile(filepath.Join(trackDir, SummaryFile))
	require.NoError(t, err)
	assert.Contains(t, string(summary), "autoencoder: 1,234 parameters")
	assert.Contains(t, string(summary), "mse: 0.25")

	f, err := os.Open(filepath.Join(trackDir, SamplesFile))
	require.NoError(t, err)
	img, err := png.Decode(f)
	_ = f.Close()
	require.NoError(t, err)
	assert.Equal(t, 3*18+4*GridGap, img.Bounds().Dx())
	assert.Equal(t, 2*12+3*GridGap, img.Bounds().Dy())

	assert.FileExists(t, filepath.Join(trackDir, LossCurveFile))

	var info RunInfo
	require.NoError(t, store.ReadJSON(filepath.Join(trackDir, RunFile), &info))
	assert.NotEmpty(t, info.RunID)
	assert.Equal(t, run.ModelPath, info.ModelPath)
	assert.Equal(t, 2.0, info.Duration)
	assert.Equal(t, 0.25, info.Metrics.MSE)
	assert.Equal(t, []string{SummaryFile, SamplesFile, LossCurveFile}, info.Files)

	blob, err := os.ReadFile(filepath.Join(trackDir, RunFile))
	require.NoError(t, err)
	var generic map[string]any
	require.NoError(t, json.Unmarshal(blob, &generic))
	assert.Contains(t, generic, "metrics")
}

func TestTrackWithoutHistory(t *testing.T) {
	dir := t.TempDir()
	store := artifacts.NewStore(diagnostics.Discard{})
	trackDir := filepath.Join(dir, "tracking")
	run := testRun(t, dir)
	run.HistoryPath = filepath.Join(dir, "missing.csv")
	require.NoError(t, NewLocal(trackDir, store, nil).Track(run))
	assert.NoFileExists(t, filepath.Join(trackDir, LossCurveFile))
	assert.FileExists(t, filepath.Join(trackDir, SamplesFile))
}

func TestTrackFailures(t *testing.T) {
	dir := t.TempDir()
	store := artifacts.NewStore(diagnostics.Discard{})
	run := testRun(t, dir)
	run.Reconstructed = constImages(1, 0)
	trackDir := filepath.Join(dir, "tracking")
	err := NewLocal(trackDir, store, nil).Track(run)
	require.Error(t, err)
	assert.Contains(t, err.Error(), SamplesFile)

	// Other files are still written.
	var info RunInfo
	require.NoError(t, store.ReadJSON(filepath.Join(trackDir, RunFile), &info))
	assert.Equal(t, []string{SummaryFile}, info.Files)

	_, err = LossCurve(training.History{{Epoch: 1, Loss: math.NaN(), ValLoss: math.Inf(1)}})
	require.Error(t, err)
}
