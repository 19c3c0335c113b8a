package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orpheon-systems/node/intent"
	"github.com/orpheon-systems/node/plan"
	"github.com/orpheon-systems/node/planner"
	"github.com/orpheon-systems/node/telemetry"
)

func testIntent(t *testing.T, kind string) intent.Intent {
	t.Helper()
	i, err := intent.NewBuilder().Kind(kind).Build()
	require.NoError(t, err)
	return *i
}

func waitForTerminal(t *testing.T, e *Engine, id uuid.UUID, timeout time.Duration) Record {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		rec, ok := e.GetRecord(id)
		if ok && rec.Status.IsTerminal() {
			return *rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("intent never reached a terminal state")
	return Record{}
}

func TestEngineRunsHappyPathToComplete(t *testing.T) {
	e := New(planner.NewAStarPlanner(), WithConfig(Config{WorkerPoolSize: 2, PollInterval: 5 * time.Millisecond}))

	i := testIntent(t, "deploy.workload")
	require.NoError(t, e.SubmitIntent(i))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	rec := waitForTerminal(t, e, i.ID, 5*time.Second)
	assert.Equal(t, intent.StatusComplete, rec.Status)
	require.NotNil(t, rec.ArtifactID)

	art, ok := e.GetArtifact(*rec.ArtifactID)
	require.True(t, ok)
	assert.Equal(t, "success", string(art.Outcome.Kind))

	verified, err := art.VerifyMerkleRoot()
	require.NoError(t, err)
	assert.True(t, verified)
}

type alwaysFailRunner struct{}

func (alwaysFailRunner) Run(ctx context.Context, step plan.Step) error {
	return errors.New("simulated step failure")
}

func TestEngineDowngradesToFailureOnStepError(t *testing.T) {
	e := New(planner.NewAStarPlanner(),
		WithConfig(Config{WorkerPoolSize: 2, PollInterval: 5 * time.Millisecond}),
		WithStepRunner(alwaysFailRunner{}),
	)

	i := testIntent(t, "deploy.workload")
	require.NoError(t, e.SubmitIntent(i))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	rec := waitForTerminal(t, e, i.ID, 5*time.Second)
	assert.Equal(t, intent.StatusFailed, rec.Status)
	require.NotNil(t, rec.ArtifactID)

	art, ok := e.GetArtifact(*rec.ArtifactID)
	require.True(t, ok)
	assert.Equal(t, "failure", string(art.Outcome.Kind))
}

func TestEngineEmitsTelemetryWithoutPanicking(t *testing.T) {
	e := New(planner.NewAStarPlanner(),
		WithConfig(Config{WorkerPoolSize: 2, PollInterval: 5 * time.Millisecond}),
		WithTelemetry(telemetry.NewNoOpProvider()),
	)

	i := testIntent(t, "deploy.workload")
	require.NoError(t, e.SubmitIntent(i))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	rec := waitForTerminal(t, e, i.ID, 5*time.Second)
	assert.Equal(t, intent.StatusComplete, rec.Status)
}

func TestCancelIntentMovesToCancelled(t *testing.T) {
	e := New(planner.NewAStarPlanner())

	i := testIntent(t, "deploy.workload")
	require.NoError(t, e.SubmitIntent(i))

	require.NoError(t, e.CancelIntent(i.ID))

	rec, ok := e.GetRecord(i.ID)
	require.True(t, ok)
	assert.Equal(t, intent.StatusCancelled, rec.Status)
}

func TestCancelAlreadyTerminalIntentErrors(t *testing.T) {
	e := New(planner.NewAStarPlanner())

	i := testIntent(t, "deploy.workload")
	require.NoError(t, e.SubmitIntent(i))
	require.NoError(t, e.CancelIntent(i.ID))

	err := e.CancelIntent(i.ID)
	assert.Error(t, err)
}
