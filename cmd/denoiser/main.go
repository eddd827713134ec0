// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// denoiser runs the stages of the denoising autoencoder pipeline.
//
// Usage:
//
//	denoiser [flags] <command>
//
// Commands are one per stage (ingest, preprocess, model, train, evaluate), "all" to run every stage in
// dependency order, and "stages" to print the stage order. Upstream artifacts missing on disk are produced
// on demand.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/denoiser/pkg/config"
	"github.com/gomlx/denoiser/pkg/diagnostics"
	"github.com/gomlx/denoiser/pkg/failure"
	"github.com/gomlx/denoiser/pkg/pipeline"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagConfig  = flag.String("config", "config/config.yaml", "Paths configuration document (.yaml or .toml).")
	flagParams  = flag.String("params", "params.yaml", "Hyperparameters document (.yaml or .toml).")
	flagBackend = flag.String("backend", "",
		fmt.Sprintf("GoMLX backend configuration, e.g. \"go\" or \"xla:cpu\". Defaults to $%s.", backends.ConfigEnvVar))
	flagTrack    = flag.Bool("track", false, "Write the local experiment tracking files during evaluation.")
	flagRaw      = flag.Bool("raw", false, "Also save the unsplit images array, if data_ingestion.raw_data_path is set.")
	flagProgress = flag.Bool("progress", true, "Display progress bars while reading images and training.")
)

// commands maps the command names to the stage they run.
var commands = map[string]pipeline.Stage{
	"ingest":     pipeline.StageIngestion,
	"preprocess": pipeline.StagePreprocessing,
	"model":      pipeline.StageModel,
	"train":      pipeline.StageTraining,
	"evaluate":   pipeline.StageEvaluation,
}

func main() {
	klog.InitFlags(nil)
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(),
			"Usage: %s [flags] <ingest|preprocess|model|train|evaluate|all|stages>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 {
		klog.Errorf("Expected exactly one command, got %q. See 'denoiser -help'.", args)
		os.Exit(1)
	}
	if err := run(args[0]); err != nil {
		reportError(err)
		os.Exit(1)
	}
}

func run(command string) error {
	if command == "stages" {
		return printStages()
	}
	stage, isStage := commands[command]
	if !isStage && command != "all" {
		return failure.New(failure.KindConfig, "denoiser", "unknown command %q", command)
	}

	root, err := config.Load(*flagConfig, *flagParams)
	if err != nil {
		return err
	}
	var backend backends.Backend
	if command != "ingest" && command != "preprocess" {
		backend, err = newBackend()
		if err != nil {
			return failure.Wrap(failure.KindModel, "denoiser", err)
		}
		defer backend.Finalize()
		klog.V(1).Infof("Backend: %s", backend.Description())
	}
	resolver, err := pipeline.NewResolver(root, backend, diagnostics.Klog{})
	if err != nil {
		return err
	}
	resolver.WithProgressBars(*flagProgress).WithRawArray(*flagRaw).WithTracking(*flagTrack)

	var results []*pipeline.StageResult
	if isStage {
		var result *pipeline.StageResult
		result, err = resolver.RunStage(stage)
		if result != nil {
			results = append(results, result)
		}
	} else {
		results, err = resolver.RunAll()
	}
	printResults(results, resolver.Stats(), err)
	return err
}

func newBackend() (backend backends.Backend, err error) {
	if *flagBackend == "" {
		return backends.New()
	}
	return backends.NewWithConfig(*flagBackend)
}

func reportError(err error) {
	kind := failure.KindOf(err)
	klog.Errorf("%s error: %v", kind, err)
	if klog.V(1).Enabled() {
		_, _ = fmt.Fprintf(os.Stderr, "%+v\n", err)
		return
	}
	// Location of the failure.
	type stackTracer interface{ StackTrace() errors.StackTrace }
	var st stackTracer
	if errors.As(err, &st) && len(st.StackTrace()) > 0 {
		_, _ = fmt.Fprintf(os.Stderr, "\tat %+v\n", st.StackTrace()[0])
	}
}
