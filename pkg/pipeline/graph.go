// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"slices"

	"github.com/katalvlaran/lvlath/graph/algorithms"
	"github.com/katalvlaran/lvlath/graph/core"
	"github.com/pkg/errors"
)

// Stage is one phase of the pipeline.
type Stage string

const (
	StageIngestion     Stage = "ingestion"
	StagePreprocessing Stage = "preprocessing"
	StageModel         Stage = "model"
	StageTraining      Stage = "training"
	StageEvaluation    Stage = "evaluation"
)

// Stages lists all stages.
var Stages = []Stage{StageIngestion, StagePreprocessing, StageModel, StageTraining, StageEvaluation}

// dependencies maps each stage to the stages whose artifacts it reads.
var dependencies = map[Stage][]Stage{
	StagePreprocessing: {StageIngestion},
	StageTraining:      {StageIngestion, StagePreprocessing, StageModel},
	StageEvaluation:    {StageIngestion, StagePreprocessing, StageTraining},
}

// StageFromString parses a stage name.
func StageFromString(name string) (Stage, error) {
	for _, s := range Stages {
		if string(s) == name {
			return s, nil
		}
	}
	return "", errors.Errorf("unknown stage %q, valid stages are %v", name, Stages)
}

// stageGraph is the dependency graph of the stages: there is an edge from each stage to the stages that
// consume its artifacts.
type stageGraph struct {
	g      *core.Graph
	stages []Stage
	order  []Stage
}

func newStageGraph() (*stageGraph, error) {
	return buildStageGraph(Stages, dependencies)
}

// buildStageGraph builds the graph of the given stages, and sorts it topologically.
// Among the stages ready to run, the first one in stages goes first.
func buildStageGraph(stages []Stage, deps map[Stage][]Stage) (*stageGraph, error) {
	g := core.NewGraph(true, false)
	for _, s := range stages {
		g.AddVertex(&core.Vertex{ID: string(s), Metadata: map[string]interface{}{}})
	}
	for _, consumer := range stages {
		for _, producer := range deps[consumer] {
			if !g.HasVertex(string(producer)) {
				return nil, errors.Errorf("stage %q depends on unknown stage %q", consumer, producer)
			}
			g.AddEdge(string(producer), string(consumer), 0)
		}
	}
	sg := &stageGraph{g: g, stages: stages}
	if err := sg.sort(); err != nil {
		return nil, err
	}
	return sg, nil
}

// sort computes the run order with Kahn's algorithm over the graph edges.
func (sg *stageGraph) sort() error {
	inDegree := make(map[string]int, len(sg.stages))
	for _, e := range sg.g.Edges() {
		inDegree[e.To.ID]++
	}
	placed := make(map[Stage]bool, len(sg.stages))
	for len(sg.order) < len(sg.stages) {
		next := slices.IndexFunc(sg.stages, func(s Stage) bool {
			return !placed[s] && inDegree[string(s)] == 0
		})
		if next < 0 {
			var left []Stage
			for _, s := range sg.stages {
				if !placed[s] {
					left = append(left, s)
				}
			}
			return errors.Errorf("stage dependencies have a cycle among %v", left)
		}
		s := sg.stages[next]
		placed[s] = true
		sg.order = append(sg.order, s)
		for _, consumer := range sg.g.Neighbors(string(s)) {
			inDegree[consumer.ID]--
		}
	}
	return nil
}

// downstream returns all stages that depend, directly or not, on s, in run order.
func (sg *stageGraph) downstream(s Stage) ([]Stage, error) {
	reached, err := algorithms.DFS(sg.g, string(s), nil)
	if err != nil {
		return nil, errors.Wrapf(err, "traversing consumers of stage %q", s)
	}
	var stages []Stage
	for _, st := range sg.order {
		if st != s && reached.Visited[string(st)] {
			stages = append(stages, st)
		}
	}
	return stages, nil
}

// Order returns the stages in an order where every stage comes after the ones it depends on.
func Order() ([]Stage, error) {
	sg, err := newStageGraph()
	if err != nil {
		return nil, err
	}
	return slices.Clone(sg.order), nil
}
