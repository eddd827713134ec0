// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config loads the root configuration of the denoiser pipeline and defines the per-stage configuration
// values derived from it.
//
// The root configuration is made of two documents: the paths document (artifact root, per-stage directories and
// paths, label-directory list) and the hyperparameters document (image size, split fraction, seed, noise factor,
// learning rate, epochs, batch size and callback policy). Both can be YAML (gopkg.in/yaml.v3) or TOML
// (github.com/BurntSushi/toml), selected by the file extension.
//
// Missing or malformed keys are reported as failure.KindConfig errors naming the key path.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/gomlx/denoiser/pkg/failure"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Format of a configuration document.
type Format int

const (
	FormatYAML Format = iota
	FormatTOML
)

// FormatFromPath returns FormatTOML for ".toml" files, and FormatYAML otherwise.
func FormatFromPath(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Channels is the number of color channels of the ingested images (RGB).
const Channels = 3

// ImageSize is the target size images are resized to.
type ImageSize struct {
	Height int `json:"height"`
	Width  int `json:"width"`
}

// Shape returns the per-example shape [height, width, channels].
func (s ImageSize) Shape() []int { return []int{s.Height, s.Width, Channels} }

// IngestionPaths is the "data_ingestion" section of the paths document.
type IngestionPaths struct {
	RootDir string `json:"root_dir"`

	// ImagesDir lists the label directories: the order defines the label index.
	ImagesDir []string `json:"images_dir"`

	// RawDataPath is optional: where to save the unsplit images array, if requested.
	RawDataPath string `json:"raw_data_path,omitempty"`

	TrainDataPath   string `json:"train_data_path"`
	TestDataPath    string `json:"test_data_path"`
	TrainLabelsPath string `json:"train_labels_path"`
	TestLabelsPath  string `json:"test_labels_path"`
	LabelIndexPath  string `json:"label_index_path"`
}

// PreprocessingPaths is the "data_preprocessing" section of the paths document.
type PreprocessingPaths struct {
	RootDir         string `json:"root_dir"`
	XTrainNoisyPath string `json:"x_train_noisy_path"`
	XTestNoisyPath  string `json:"x_test_noisy_path"`
}

// ModelPaths is the "base_model" section of the paths document.
type ModelPaths struct {
	RootDir              string `json:"root_dir"`
	BaseModelPath        string `json:"base_model_path"`
	UpdatedBaseModelPath string `json:"updated_base_model_path"`
}

// TrainingPaths is the "training" section of the paths document.
type TrainingPaths struct {
	RootDir        string `json:"root_dir"`
	TrainModelPath string `json:"train_model_path"`
	HistoryPath    string `json:"history_path"`
}

// EvaluationPaths is the "evaluation" section of the paths document.
type EvaluationPaths struct {
	RootDir              string `json:"root_dir"`
	EvaluationReportPath string `json:"evaluation_report_path"`

	// TrackingDir is optional: where the local experiment tracker writes its files.
	TrackingDir string `json:"tracking_dir,omitempty"`
}

// Paths is the paths (structure) document.
type Paths struct {
	ArtifactsRoot     string             `json:"artifacts_root"`
	DataIngestion     IngestionPaths     `json:"data_ingestion"`
	DataPreprocessing PreprocessingPaths `json:"data_preprocessing"`
	BaseModel         ModelPaths         `json:"base_model"`
	Training          TrainingPaths      `json:"training"`
	Evaluation        EvaluationPaths    `json:"evaluation"`
}

// Callbacks is the optional "callbacks" section of the hyperparameters document.
type Callbacks struct {
	Monitor            string  `json:"monitor"`
	PatienceStop       int     `json:"patience_stop"`
	PatienceLR         int     `json:"patience_lr"`
	Factor             float64 `json:"factor"`
	RestoreBestWeights bool    `json:"restore_best_weights"`
	MinDelta           float64 `json:"min_delta"`
	MinLearningRate    float64 `json:"min_learning_rate"`
}

// DefaultCallbacks are the values used for keys missing in the "callbacks" section.
var DefaultCallbacks = Callbacks{
	Monitor:            "val_loss",
	PatienceStop:       100,
	PatienceLR:         50,
	Factor:             0.8,
	RestoreBestWeights: true,
}

// Params is the hyperparameters document.
type Params struct {
	ImageSize        ImageSize `json:"im_size"`
	TestSplit        float64   `json:"test_split"`
	RandomState      int64     `json:"random_state"`
	NoiseFactor      float64   `json:"noise_factor"`
	BaseLearningRate float64   `json:"base_learning_rate"`
	NumEpochs        int       `json:"num_epochs"`
	BatchSize        int       `json:"batch_size"`
	Callbacks        Callbacks `json:"callbacks"`
}

// Root is the root configuration: both documents, with all paths resolved.
// It is immutable once loaded.
type Root struct {
	Paths  Paths  `json:"paths"`
	Params Params `json:"params"`
}

// Fingerprint identifies the root configuration: it changes if any path or hyperparameter changes.
func (r *Root) Fingerprint() string {
	blob, err := json.Marshal(r)
	if err != nil {
		// Root only holds strings and numbers.
		panic(errors.Wrap(err, "failed to serialize root configuration"))
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

// Load the paths document at configPath and the hyperparameters document at paramsPath.
// Relative paths in the documents are resolved against the current working directory.
func Load(configPath, paramsPath string) (*Root, error) {
	configBlob, err := os.ReadFile(configPath)
	if err != nil {
		return nil, failure.Wrapf(failure.KindConfig, "config.Load", err, "reading %q", configPath)
	}
	paramsBlob, err := os.ReadFile(paramsPath)
	if err != nil {
		return nil, failure.Wrapf(failure.KindConfig, "config.Load", err, "reading %q", paramsPath)
	}
	baseDir, err := os.Getwd()
	if err != nil {
		return nil, failure.Wrap(failure.KindConfig, "config.Load", err)
	}
	return Parse(configBlob, FormatFromPath(configPath), paramsBlob, FormatFromPath(paramsPath), baseDir)
}

// Parse the paths and hyperparameters documents. Relative paths are resolved against baseDir.
func Parse(configBlob []byte, configFormat Format, paramsBlob []byte, paramsFormat Format, baseDir string) (*Root, error) {
	configDoc, err := decode("paths", configBlob, configFormat)
	if err != nil {
		return nil, err
	}
	paramsDoc, err := decode("params", paramsBlob, paramsFormat)
	if err != nil {
		return nil, err
	}
	root := &Root{}
	if root.Paths, err = parsePaths(configDoc, baseDir); err != nil {
		return nil, err
	}
	if root.Params, err = parseParams(paramsDoc); err != nil {
		return nil, err
	}
	return root, nil
}

func decode(name string, blob []byte, format Format) (*document, error) {
	root := make(map[string]any)
	var err error
	switch format {
	case FormatTOML:
		err = toml.Unmarshal(blob, &root)
	default:
		err = yaml.Unmarshal(blob, &root)
	}
	if err != nil {
		return nil, failure.Wrapf(failure.KindConfig, "config."+name, err, "malformed document")
	}
	return &document{name: name, root: root}, nil
}

// pathResolver joins relative paths to a base directory.
type pathResolver struct {
	baseDir string
}

func (r pathResolver) resolve(p string) string {
	if p == "" {
		return p
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(r.baseDir, p)
}

func parsePaths(doc *document, baseDir string) (paths Paths, err error) {
	r := pathResolver{baseDir: baseDir}
	str := func(key string) string {
		if err != nil {
			return ""
		}
		var s string
		s, err = doc.str(key)
		return r.resolve(s)
	}
	strOr := func(key, defaultValue string) string {
		if err != nil {
			return ""
		}
		var s string
		s, err = doc.strOr(key, defaultValue)
		return r.resolve(s)
	}

	paths.ArtifactsRoot = str("artifacts_root")

	ing := &paths.DataIngestion
	ing.RootDir = str("data_ingestion.root_dir")
	if err == nil {
		var dirs []string
		dirs, err = doc.stringList("data_ingestion.images_dir")
		for _, dir := range dirs {
			ing.ImagesDir = append(ing.ImagesDir, r.resolve(dir))
		}
	}
	ing.RawDataPath = strOr("data_ingestion.raw_data_path", "")
	ing.TrainDataPath = str("data_ingestion.train_data_path")
	ing.TestDataPath = str("data_ingestion.test_data_path")
	ing.TrainLabelsPath = strOr("data_ingestion.train_labels_path", filepath.Join(ing.RootDir, "train_labels.npy"))
	ing.TestLabelsPath = strOr("data_ingestion.test_labels_path", filepath.Join(ing.RootDir, "test_labels.npy"))
	ing.LabelIndexPath = strOr("data_ingestion.label_index_path", filepath.Join(ing.RootDir, "tag2idx.json"))

	pre := &paths.DataPreprocessing
	pre.RootDir = str("data_preprocessing.root_dir")
	pre.XTrainNoisyPath = str("data_preprocessing.x_train_noisy_path")
	pre.XTestNoisyPath = str("data_preprocessing.x_test_noisy_path")

	model := &paths.BaseModel
	model.RootDir = str("base_model.root_dir")
	model.BaseModelPath = str("base_model.base_model_path")
	model.UpdatedBaseModelPath = str("base_model.updated_base_model_path")

	tr := &paths.Training
	tr.RootDir = str("training.root_dir")
	tr.TrainModelPath = str("training.train_model_path")
	tr.HistoryPath = strOr("training.history_path", filepath.Join(tr.RootDir, "history.csv"))

	ev := &paths.Evaluation
	ev.RootDir = str("evaluation.root_dir")
	ev.EvaluationReportPath = str("evaluation.evaluation_report_path")
	ev.TrackingDir = strOr("evaluation.tracking_dir", "")
	if err != nil {
		return
	}

	// Model artifacts must never overwrite one another.
	distinct := map[string]string{}
	for _, kv := range [][2]string{
		{"base_model.base_model_path", model.BaseModelPath},
		{"base_model.updated_base_model_path", model.UpdatedBaseModelPath},
		{"training.train_model_path", tr.TrainModelPath},
	} {
		key, absErr := filepath.Abs(kv[1])
		if absErr != nil {
			key = filepath.Clean(kv[1])
		}
		if other, found := distinct[key]; found {
			err = doc.errorf(kv[0], "path %q is also used by %q, model artifacts must have distinct paths", kv[1], other)
			return
		}
		distinct[key] = kv[0]
	}
	return
}

func parseParams(doc *document) (params Params, err error) {
	size, err := doc.intList("im_size")
	if err != nil {
		return
	}
	switch len(size) {
	case 1:
		params.ImageSize = ImageSize{Height: size[0], Width: size[0]}
	case 2, 3:
		// A third (channels) value, as in the Keras "input_shape", is accepted but must be 3.
		params.ImageSize = ImageSize{Height: size[0], Width: size[1]}
		if len(size) == 3 && size[2] != Channels {
			err = doc.errorf("im_size", "only %d channels (RGB) are supported, got %d", Channels, size[2])
			return
		}
	default:
		err = doc.errorf("im_size", "expected [height, width], got %v", size)
		return
	}
	if params.ImageSize.Height <= 0 || params.ImageSize.Width <= 0 {
		err = doc.errorf("im_size", "dimensions must be positive, got %v", size)
		return
	}

	// test_split and noise_factor ranges are validated by the splitter and the noise injector.
	if params.TestSplit, err = doc.number("test_split"); err != nil {
		return
	}
	var seed int
	if seed, err = doc.integer("random_state"); err != nil {
		return
	}
	params.RandomState = int64(seed)
	if params.NoiseFactor, err = doc.number("noise_factor"); err != nil {
		return
	}
	if params.BaseLearningRate, err = doc.number("base_learning_rate"); err != nil {
		return
	}
	if params.BaseLearningRate <= 0 {
		err = doc.errorf("base_learning_rate", "must be > 0, got %g", params.BaseLearningRate)
		return
	}
	if params.NumEpochs, err = doc.integer("num_epochs"); err != nil {
		return
	}
	if params.NumEpochs <= 0 {
		err = doc.errorf("num_epochs", "must be > 0, got %d", params.NumEpochs)
		return
	}
	if params.BatchSize, err = doc.integer("batch_size"); err != nil {
		return
	}
	if params.BatchSize <= 0 {
		err = doc.errorf("batch_size", "must be > 0, got %d", params.BatchSize)
		return
	}

	cb := DefaultCallbacks
	if cb.Monitor, err = doc.strOr("callbacks.monitor", cb.Monitor); err != nil {
		return
	}
	if cb.Monitor != "val_loss" && cb.Monitor != "loss" {
		err = doc.errorf("callbacks.monitor", `must be "val_loss" or "loss", got %q`, cb.Monitor)
		return
	}
	if cb.PatienceStop, err = doc.integerOr("callbacks.patience_stop", cb.PatienceStop); err != nil {
		return
	}
	if cb.PatienceLR, err = doc.integerOr("callbacks.patience_lr", cb.PatienceLR); err != nil {
		return
	}
	if cb.Factor, err = doc.numberOr("callbacks.factor", cb.Factor); err != nil {
		return
	}
	if cb.Factor <= 0 || cb.Factor >= 1 {
		err = doc.errorf("callbacks.factor", "must be in (0, 1), got %g", cb.Factor)
		return
	}
	if cb.RestoreBestWeights, err = doc.boolOr("callbacks.restore_best_weights", cb.RestoreBestWeights); err != nil {
		return
	}
	if cb.MinDelta, err = doc.numberOr("callbacks.min_delta", cb.MinDelta); err != nil {
		return
	}
	if cb.MinLearningRate, err = doc.numberOr("callbacks.min_learning_rate", cb.MinLearningRate); err != nil {
		return
	}
	if cb.PatienceStop < 1 || cb.PatienceLR < 1 {
		err = doc.errorf("callbacks", "patience values must be >= 1, got patience_stop=%d, patience_lr=%d",
			cb.PatienceStop, cb.PatienceLR)
		return
	}
	params.Callbacks = cb
	return
}
