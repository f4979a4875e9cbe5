package engine

import (
	"github.com/kforge-dev/kforge/pkg/engine/assemble"
	"github.com/kforge-dev/kforge/pkg/engine/changeset"
	"github.com/kforge-dev/kforge/pkg/engine/provenance"
	"github.com/kforge-dev/kforge/pkg/engine/symvers"
)

// Stage names one phase of the pipeline state machine.
type Stage string

const (
	StageExtracting Stage = "extracting"
	StageResolving  Stage = "resolving"
	StageDiffing    Stage = "diffing"
	StageAssembling Stage = "assembling"
	StageValidating Stage = "validating"
	StageDone       Stage = "done"
	StageAborted    Stage = "aborted"
)

// RunContext carries all per-run mutable state explicitly through the
// stages: accumulators, the directory hint cache, and intermediate
// artifacts. Nothing in the pipeline is ambient.
type RunContext struct {
	Stage       Stage
	failedStage Stage

	Hints    *provenance.HintCache
	Objects  []*changeset.Object
	Tally    changeset.Tally
	Warnings []symvers.VersionWarning
	Module   *assemble.PatchModule

	preLedger *symvers.Ledger
}

func newRunContext() *RunContext {
	return &RunContext{Hints: provenance.NewHintCache()}
}

func (rc *RunContext) enter(s Stage) {
	rc.Stage = s
	if s != StageDone && s != StageAborted {
		rc.failedStage = s
	}
}
