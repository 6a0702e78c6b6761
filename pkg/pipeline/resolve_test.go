package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pipeerrors "github.com/tombee/pipectl/pkg/errors"
)

func stepsOf(types ...StepType) []Step {
	steps := make([]Step, len(types))
	for i, t := range types {
		steps[i] = Step{ID: string(t), Type: t, Parameters: map[string]any{"from": "user"}}
	}
	return steps
}

func testResolver(policy ResolvePolicy) *Resolver {
	r := NewResolver(policy)
	r.NewID = sequentialIDs()
	return r
}

func TestResolve_Ordering(t *testing.T) {
	tests := []struct {
		name  string
		input []StepType
		want  []StepType
	}{
		{
			name:  "empty",
			input: nil,
			want:  nil,
		},
		{
			name:  "already ordered",
			input: []StepType{StepClean, StepAnalyze, StepVisualize},
			want:  []StepType{StepClean, StepAnalyze, StepVisualize},
		},
		{
			name:  "reversed",
			input: []StepType{StepAnalyze, StepClean},
			want:  []StepType{StepClean, StepAnalyze},
		},
		{
			name:  "visualize alone",
			input: []StepType{StepVisualize},
			want:  []StepType{StepClean, StepAnalyze, StepVisualize},
		},
		{
			name:  "unrelated steps keep order",
			input: []StepType{StepPreview, StepConvert, StepVisualize},
			want:  []StepType{StepPreview, StepConvert, StepClean, StepAnalyze, StepVisualize},
		},
		{
			name:  "report before its prerequisites",
			input: []StepType{StepReport, StepClean},
			want:  []StepType{StepClean, StepAnalyze, StepVisualize, StepReport},
		},
		{
			name:  "schema and model",
			input: []StepType{StepModel, StepSchema},
			want:  []StepType{StepClean, StepAnalyze, StepModel, StepSchema},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := testResolver(PolicyAutoInsert).Resolve(stepsOf(tt.input...))
			require.NoError(t, err)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, stepTypes(got))
		})
	}
}

func TestResolve_InsertedSteps(t *testing.T) {
	got, err := testResolver(PolicyAutoInsert).Resolve(stepsOf(StepVisualize))
	require.NoError(t, err)
	require.Len(t, got, 3)

	for _, s := range got[:2] {
		assert.True(t, s.AutoInserted)
		assert.Empty(t, s.Parameters)
		assert.NotEmpty(t, s.Name)
	}
	assert.Equal(t, "step-1", got[0].ID)
	assert.Equal(t, "step-2", got[1].ID)

	assert.False(t, got[2].AutoInserted)
	assert.Equal(t, "visualize", got[2].ID)
	assert.Equal(t, "user", got[2].Parameters["from"])
}

func TestResolve_DoesNotMutateInput(t *testing.T) {
	input := stepsOf(StepAnalyze, StepClean)
	got, err := Resolve(input)
	require.NoError(t, err)

	got[0].Parameters["from"] = "changed"
	assert.Equal(t, StepAnalyze, input[0].Type)
	assert.Equal(t, "user", input[1].Parameters["from"])
}

func TestResolve_Deterministic(t *testing.T) {
	input := stepsOf(StepReport, StepModel, StepPreview)
	first, err := testResolver(PolicyAutoInsert).Resolve(input)
	require.NoError(t, err)
	second, err := testResolver(PolicyAutoInsert).Resolve(input)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestResolve_PrerequisitesPrecedeDependents(t *testing.T) {
	input := stepsOf(StepReport, StepSchema, StepModel, StepConvert, StepVisualize)
	got, err := Resolve(input)
	require.NoError(t, err)

	pos := make(map[StepType]int)
	for i, s := range got {
		pos[s.Type] = i
	}
	for _, s := range got {
		for _, p := range Prerequisites(s.Type) {
			assert.Less(t, pos[p], pos[s.Type], "%s must precede %s", p, s.Type)
		}
	}
}

func TestResolve_RejectPolicy(t *testing.T) {
	_, err := testResolver(PolicyReject).Resolve(stepsOf(StepVisualize, StepSchema))
	require.Error(t, err)

	var missing *pipeerrors.MissingPrerequisiteError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{"visualize", "schema"}, missing.Order)
	assert.Equal(t, []string{"clean", "analyze"}, missing.Missing["visualize"])
	assert.Equal(t, []string{"clean"}, missing.Missing["schema"])
}

func TestResolve_RejectPolicyReordersCompleteSets(t *testing.T) {
	got, err := testResolver(PolicyReject).Resolve(stepsOf(StepAnalyze, StepClean))
	require.NoError(t, err)
	assert.Equal(t, []StepType{StepClean, StepAnalyze}, stepTypes(got))
}

func TestParseResolvePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    ResolvePolicy
		wantErr bool
	}{
		{"", PolicyAutoInsert, false},
		{"auto-insert", PolicyAutoInsert, false},
		{"auto", PolicyAutoInsert, false},
		{"reject", PolicyReject, false},
		{"sometimes", PolicyAutoInsert, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseResolvePolicy(tt.in)
			if tt.wantErr {
				var verr *pipeerrors.ValidationError
				assert.ErrorAs(t, err, &verr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, mustParsePolicy(t, got.String()))
		})
	}
}

func mustParsePolicy(t *testing.T, s string) ResolvePolicy {
	t.Helper()
	p, err := ParseResolvePolicy(s)
	require.NoError(t, err)
	return p
}
