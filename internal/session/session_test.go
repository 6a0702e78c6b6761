package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/pipectl/internal/api"
	pipeerrors "github.com/tombee/pipectl/pkg/errors"
	"github.com/tombee/pipectl/pkg/history"
	"github.com/tombee/pipectl/pkg/pipeline"
)

const testSessionID = "123e4567-e89b-12d3-a456-426614174000"

// fakeClient is an in-memory pipeline API. Its state is a counter of
// executed steps so every recorded history entry is distinguishable.
type fakeClient struct {
	mu          sync.Mutex
	steps       []pipeline.StepType
	executed    int
	rollbacks   []api.RollbackRequest
	rollbackErr error
	stateErr    error
}

func (f *fakeClient) ExecuteStep(ctx context.Context, sessionID, fileID string, step pipeline.Step) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps = append(f.steps, step.Type)
	f.executed++
	return json.RawMessage(fmt.Sprintf(`{"step":%q}`, step.Type)), nil
}

func (f *fakeClient) Upload(ctx context.Context, sessionID, filename string, content io.Reader) (*api.UploadResult, error) {
	if _, err := io.ReadAll(content); err != nil {
		return nil, err
	}
	return &api.UploadResult{FileID: "file_1a2b3c4d", Status: "success"}, nil
}

func (f *fakeClient) State(ctx context.Context, sessionID string) (*api.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stateErr != nil {
		return nil, f.stateErr
	}
	raw := json.RawMessage(fmt.Sprintf(`{"session_id":%q,"current_step":%d}`, sessionID, f.executed))
	return &api.State{SessionID: sessionID, CurrentStep: f.executed, Raw: raw}, nil
}

func (f *fakeClient) Rollback(ctx context.Context, req api.RollbackRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rollbackErr != nil {
		return f.rollbackErr
	}
	f.rollbacks = append(f.rollbacks, req)
	return nil
}

func (f *fakeClient) stepTypes() []pipeline.StepType {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pipeline.StepType(nil), f.steps...)
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("step-%d", n)
	}
}

func newTestSession(t *testing.T, client *fakeClient, opts ...Option) *Session {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := pipeline.NewEngine(client).
		WithStepDelay(0).
		WithLimiter(nil).
		WithLogger(logger)

	base := []Option{
		WithLogger(logger),
		WithEngine(engine),
		WithParser(pipeline.NewParser(nil).WithIDGenerator(sequentialIDs())),
	}
	s, err := New(testSessionID, client, append(base, opts...)...)
	require.NoError(t, err)
	return s
}

func uploaded(t *testing.T, s *Session) {
	t.Helper()
	_, err := s.Upload(context.Background(), "data.csv", strings.NewReader("a,b\n1,2\n"))
	require.NoError(t, err)
}

func currentStep(t *testing.T, state json.RawMessage) int {
	t.Helper()
	var v struct {
		CurrentStep int `json:"current_step"`
	}
	require.NoError(t, json.Unmarshal(state, &v))
	return v.CurrentStep
}

func TestNew_Validation(t *testing.T) {
	_, err := New("not-a-session", &fakeClient{})
	var valErr *pipeerrors.ValidationError
	require.True(t, pipeerrors.As(err, &valErr))
	assert.Equal(t, "session_id", valErr.Field)

	_, err = New(testSessionID, nil)
	require.True(t, pipeerrors.As(err, &valErr))
	assert.Equal(t, "client", valErr.Field)
}

func TestPlan_InsertsPrerequisites(t *testing.T) {
	s := newTestSession(t, &fakeClient{})

	plan, err := s.Plan("clean the data, then plot a chart")
	require.NoError(t, err)

	var types []pipeline.StepType
	for _, st := range plan.Steps {
		types = append(types, st.Type)
	}
	assert.Equal(t, []pipeline.StepType{pipeline.StepClean, pipeline.StepAnalyze, pipeline.StepVisualize}, types)
	assert.Equal(t, 1, plan.Inserted)
	assert.True(t, plan.Steps[1].AutoInserted)
	assert.Greater(t, plan.Confidence, 0.0)
}

func TestPlan_RejectPolicy(t *testing.T) {
	s := newTestSession(t, &fakeClient{}, WithResolver(pipeline.NewResolver(pipeline.PolicyReject)))

	_, err := s.Plan("plot a chart")
	var missing *pipeerrors.MissingPrerequisiteError
	assert.True(t, pipeerrors.As(err, &missing))
}

func TestPlan_ParseError(t *testing.T) {
	s := newTestSession(t, &fakeClient{})

	_, err := s.Plan("")
	var parseErr *pipeerrors.ParseError
	assert.True(t, pipeerrors.As(err, &parseErr))
}

func TestRunSteps_RequiresFile(t *testing.T) {
	client := &fakeClient{}
	s := newTestSession(t, client)

	_, err := s.RunSteps(context.Background(), []pipeline.Step{{Type: pipeline.StepClean}}, nil)
	var valErr *pipeerrors.ValidationError
	require.True(t, pipeerrors.As(err, &valErr))
	assert.Equal(t, "file_id", valErr.Field)
	assert.Empty(t, client.stepTypes())
}

func TestExecute_RecordsHistoryAndSnapshots(t *testing.T) {
	client := &fakeClient{}
	s := newTestSession(t, client)
	uploaded(t, s)
	assert.Equal(t, "file_1a2b3c4d", s.FileID())

	var statuses []pipeline.ProgressStatus
	out, err := s.Execute(context.Background(),
		"Clean my data by removing missing values and analyze correlations",
		func(p pipeline.Progress) { statuses = append(statuses, p.Status) },
	)
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, []pipeline.StepType{pipeline.StepClean, pipeline.StepAnalyze}, client.stepTypes())
	assert.Contains(t, statuses, pipeline.ProgressCompleted)

	entries := s.History().Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, history.ActionUpload, entries[0].ActionType)
	assert.Equal(t, history.ActionStep, entries[1].ActionType)
	assert.Equal(t, "step-1", entries[1].Metadata.StepID)
	assert.Equal(t, "Clean data", entries[1].Metadata.StepName)
	assert.Equal(t, 1, currentStep(t, entries[1].State))
	assert.Equal(t, 2, currentStep(t, entries[2].State))

	recs, err := s.Snapshots().List(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, rec := range recs {
		assert.True(t, rec.AutoCreated)
		assert.Contains(t, rec.Name, "After ")
	}
}

func TestRecordStep_FallsBackWhenStateUnavailable(t *testing.T) {
	client := &fakeClient{stateErr: fmt.Errorf("boom")}
	s := newTestSession(t, client)

	s.RecordStep(context.Background(), testSessionID, pipeline.ExecutionResult{
		Step:    pipeline.Step{ID: "step-1", Type: pipeline.StepClean, Name: "Clean data"},
		Success: true,
		Result:  json.RawMessage(`{"rows":5}`),
	})

	cur := s.History().Current()
	require.NotNil(t, cur)
	assert.JSONEq(t,
		`{"step":"clean","result":{"rows":5},"session_id":"`+testSessionID+`","file_id":""}`,
		string(cur.State))
}

func TestRecordStep_SkippedWhileReplaying(t *testing.T) {
	s := newTestSession(t, &fakeClient{})

	err := s.History().Replay(func() error {
		s.RecordStep(context.Background(), testSessionID, pipeline.ExecutionResult{
			Step:    pipeline.Step{ID: "step-1", Type: pipeline.StepClean},
			Success: true,
		})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, s.History().Len())

	recs, err := s.Snapshots().List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestUndoRedoJump(t *testing.T) {
	client := &fakeClient{}
	s := newTestSession(t, client)
	uploaded(t, s)

	_, err := s.Execute(context.Background(), "Clean my data by removing missing values and analyze correlations", nil)
	require.NoError(t, err)
	require.Equal(t, 2, s.History().Index())

	ctx := context.Background()

	entry, err := s.Undo(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, currentStep(t, entry.State))
	assert.Equal(t, 1, s.History().Index())

	entry, err = s.Undo(ctx)
	require.NoError(t, err)
	assert.Equal(t, history.ActionUpload, entry.ActionType)

	_, err = s.Undo(ctx)
	assert.ErrorIs(t, err, ErrNothingToUndo)

	entry, err = s.Redo(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, currentStep(t, entry.State))

	entry, err = s.JumpTo(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, currentStep(t, entry.State))

	_, err = s.Redo(ctx)
	assert.ErrorIs(t, err, ErrNothingToRedo)

	_, err = s.JumpTo(ctx, 7)
	var valErr *pipeerrors.ValidationError
	assert.True(t, pipeerrors.As(err, &valErr))

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.rollbacks, 4)
	assert.Equal(t, []int{1, 0, 1, 2}, []int{
		client.rollbacks[0].StateIndex,
		client.rollbacks[1].StateIndex,
		client.rollbacks[2].StateIndex,
		client.rollbacks[3].StateIndex,
	})
	assert.Equal(t, 3, s.History().Len())
}

func TestUndo_RollbackFailureRestoresIndex(t *testing.T) {
	client := &fakeClient{}
	s := newTestSession(t, client)
	uploaded(t, s)
	_, err := s.Execute(context.Background(), "clean missing values with the mean", nil)
	require.NoError(t, err)

	client.rollbackErr = &pipeerrors.APIError{Operation: "rollback", StatusCode: 500}

	_, err = s.Undo(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, s.History().Index())
	assert.False(t, s.History().Replaying())

	_, err = s.JumpTo(context.Background(), 0)
	require.Error(t, err)
	assert.Equal(t, 1, s.History().Index())
}

func TestSaveAndRestoreSnapshot(t *testing.T) {
	client := &fakeClient{}
	s := newTestSession(t, client)
	uploaded(t, s)
	ctx := context.Background()

	rec, err := s.SaveSnapshot(ctx, "  baseline ", "before cleaning", []string{"manual"})
	require.NoError(t, err)
	assert.Equal(t, "baseline", rec.Name)
	assert.False(t, rec.AutoCreated)
	assert.Equal(t, history.ActionManual, s.History().Current().ActionType)

	_, err = s.Execute(ctx, "clean missing values with the mean", nil)
	require.NoError(t, err)

	restored, err := s.RestoreSnapshot(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, restored.ID)

	cur := s.History().Current()
	require.NotNil(t, cur)
	assert.Equal(t, history.ActionRollback, cur.ActionType)
	assert.Equal(t, 0, currentStep(t, cur.State))

	_, err = s.RestoreSnapshot(ctx, "missing")
	var nf *pipeerrors.NotFoundError
	assert.True(t, pipeerrors.As(err, &nf))
}

func TestStreamLogs_NotConfigured(t *testing.T) {
	s := newTestSession(t, &fakeClient{})
	_, err := s.StreamLogs(context.Background())
	var cfgErr *pipeerrors.ConfigError
	assert.True(t, pipeerrors.As(err, &cfgErr))
	s.Close()
}

func TestCancelWithoutRun(t *testing.T) {
	s := newTestSession(t, &fakeClient{})
	assert.False(t, s.Cancel())
	assert.False(t, s.Pause())
	assert.False(t, s.Resume())
}
