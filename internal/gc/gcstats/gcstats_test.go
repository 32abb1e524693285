package gcstats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMarkPhaseAndDuration(t *testing.T) {
	h := NewHandle(1)
	h.MarkPhase(PhaseRootScan)
	time.Sleep(5 * time.Millisecond)
	h.MarkPhase(PhaseMark)

	assert.Greater(t, h.Duration(PhaseRootScan, PhaseMark), time.Duration(0))
}

func TestDurationMissingPhaseReturnsZero(t *testing.T) {
	h := NewHandle(1)
	h.MarkPhase(PhaseRootScan)
	assert.Zero(t, h.Duration(PhaseRootScan, PhaseSweep))
}

func TestAddSweepResult(t *testing.T) {
	h := NewHandle(1)
	h.AddSweepResult(10, 5, 1024)
	h.AddSweepResult(2, 1, 256)

	assert.EqualValues(t, 12, h.ObjectsSwept)
	assert.EqualValues(t, 6, h.ObjectsSurvived)
	assert.EqualValues(t, 1280, h.BytesSwept)
}

func TestSetFinalizerCount(t *testing.T) {
	h := NewHandle(1)
	h.SetFinalizerCount(3)
	assert.EqualValues(t, 3, h.FinalizersQueued)
}

func TestAddFinalizerResult(t *testing.T) {
	h := NewHandle(1)
	h.AddFinalizerResult(true)
	h.AddFinalizerResult(false)
	h.AddFinalizerResult(true)

	assert.EqualValues(t, 2, h.FinalizersRun)
	assert.EqualValues(t, 1, h.FinalizerErrors)
}
