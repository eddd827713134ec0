// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package failure

//go:generate go tool enumer -type=Kind -trimprefix=Kind -output=gen_kind_enumer.go kind.go

// Kind classifies a pipeline failure, so callers can decide what to do without parsing messages.
type Kind int

const (
	KindUnknown Kind = iota

	// KindConfig is a malformed or missing configuration key.
	KindConfig

	// KindCorpusRead means no readable image was found in the label directories.
	KindCorpusRead

	// KindSplit means a stratified split is impossible, or the split fraction is outside (0, 1).
	KindSplit

	// KindArtifactNotFound is a read of an artifact path that doesn't exist.
	KindArtifactNotFound

	// KindArtifactCorrupt is a read of an artifact that exists but can't be decoded as the expected payload.
	KindArtifactCorrupt

	// KindPreprocess is an invalid noise parameter or an empty input array.
	KindPreprocess

	// KindTraining is an unloadable base model or training data inconsistent with the model input shape.
	KindTraining

	// KindEvaluation is an unloadable trained model or a failure writing the report.
	KindEvaluation

	// KindModel is a failure building, compiling or saving the network.
	KindModel
)

// ErrorName returns the user-facing name of errors of this kind, e.g. "ConfigError".
func (i Kind) ErrorName() string {
	return i.String() + "Error"
}
