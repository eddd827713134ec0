// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"io"
	"strconv"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
)

// History column names, as in the CSV file.
const (
	ColEpoch        = "epoch"
	ColLoss         = "loss"
	ColValLoss      = "val_loss"
	ColLearningRate = "learning_rate"
	ColImproved     = "improved"
)

// EpochRecord is one row of the training History.
type EpochRecord struct {
	// Epoch is 1-based.
	Epoch int

	// Loss is the mean training loss of the epoch, and ValLoss the loss over the validation pair at the end of it.
	Loss, ValLoss float64

	// LearningRate used during the epoch.
	LearningRate float64

	// Improved is set if the monitored metric improved in this epoch.
	Improved bool
}

// History holds the per-epoch metrics of a training run.
type History []EpochRecord

var historyTypes = map[string]series.Type{
	ColEpoch:        series.Int,
	ColLoss:         series.Float,
	ColValLoss:      series.Float,
	ColLearningRate: series.Float,
	ColImproved:     series.Bool,
}

// DataFrame returns the history as a gota DataFrame.
//
// Float columns are kept as strings formatted with full precision, since gota formats float elements with only
// 6 decimal places when writing.
func (h History) DataFrame() dataframe.DataFrame {
	n := len(h)
	epochs := make([]int, n)
	losses := make([]string, n)
	valLosses := make([]string, n)
	learningRates := make([]string, n)
	improved := make([]bool, n)
	format := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	for ii, r := range h {
		epochs[ii] = r.Epoch
		losses[ii] = format(r.Loss)
		valLosses[ii] = format(r.ValLoss)
		learningRates[ii] = format(r.LearningRate)
		improved[ii] = r.Improved
	}
	return dataframe.New(
		series.New(epochs, series.Int, ColEpoch),
		series.New(losses, series.String, ColLoss),
		series.New(valLosses, series.String, ColValLoss),
		series.New(learningRates, series.String, ColLearningRate),
		series.New(improved, series.Bool, ColImproved),
	)
}

// WriteCSV writes the history as CSV, with a header line.
func (h History) WriteCSV(w io.Writer) error {
	if len(h) == 0 {
		return errors.New("empty training history")
	}
	df := h.DataFrame()
	if df.Err != nil {
		return errors.Wrap(df.Err, "building history table")
	}
	return errors.Wrap(df.WriteCSV(w), "writing history CSV")
}

// ReadHistoryCSV parses a history written by History.WriteCSV.
func ReadHistoryCSV(r io.Reader) (History, error) {
	df := dataframe.ReadCSV(r, dataframe.WithTypes(historyTypes))
	if df.Err != nil {
		return nil, errors.Wrap(df.Err, "parsing history CSV")
	}
	for _, col := range []string{ColEpoch, ColLoss, ColValLoss, ColLearningRate, ColImproved} {
		if df.Col(col).Err != nil {
			return nil, errors.Errorf("history CSV has no %q column", col)
		}
	}
	epochs, err := df.Col(ColEpoch).Int()
	if err != nil {
		return nil, errors.Wrapf(err, "parsing history column %q", ColEpoch)
	}
	improved, err := df.Col(ColImproved).Bool()
	if err != nil {
		return nil, errors.Wrapf(err, "parsing history column %q", ColImproved)
	}
	losses := df.Col(ColLoss).Float()
	valLosses := df.Col(ColValLoss).Float()
	learningRates := df.Col(ColLearningRate).Float()
	h := make(History, df.Nrow())
	for ii := range h {
		h[ii] = EpochRecord{
			Epoch:        epochs[ii],
			Loss:         losses[ii],
			ValLoss:      valLosses[ii],
			LearningRate: learningRates[ii],
			Improved:     improved[ii],
		}
	}
	return h, nil
}

// Losses returns the training and validation loss columns.
func (h History) Losses() (loss, valLoss []float64) {
	loss = make([]float64, len(h))
	valLoss = make([]float64, len(h))
	for ii, r := range h {
		loss[ii], valLoss[ii] = r.Loss, r.ValLoss
	}
	return
}
