package pipeline

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pipeerrors "github.com/tombee/pipectl/pkg/errors"
)

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("step-%d", n)
	}
}

func newTestParser() *Parser {
	return NewParser(nil).WithIDGenerator(sequentialIDs())
}

func stepTypes(steps []Step) []StepType {
	out := make([]StepType, len(steps))
	for i, s := range steps {
		out[i] = s.Type
	}
	return out
}

func TestParse_SingleClean(t *testing.T) {
	for _, prompt := range []string{"clean", "Clean", "  CLEAN  ", "clean."} {
		t.Run(prompt, func(t *testing.T) {
			res, err := newTestParser().Parse(prompt)
			require.NoError(t, err)
			require.Len(t, res.Steps, 1)
			assert.Equal(t, StepClean, res.Steps[0].Type)
			assert.Greater(t, res.Confidence, 0.0)
			assert.LessOrEqual(t, res.Confidence, 1.0)
		})
	}
}

func TestParse_CleanAndAnalyzeScenario(t *testing.T) {
	res, err := newTestParser().Parse("Clean my data by removing missing values and analyze correlations")
	require.NoError(t, err)

	require.Equal(t, []StepType{StepClean, StepAnalyze}, stepTypes(res.Steps))
	assert.Equal(t, "drop", res.Steps[0].Parameters["method"])
	assert.Equal(t, []string{"handle_missing"}, res.Steps[0].Parameters["actions"])
	assert.Equal(t, "correlation", res.Steps[1].Parameters["analysis_type"])
	assert.Equal(t, "step-1", res.Steps[0].ID)
	assert.Equal(t, "step-2", res.Steps[1].ID)
	assert.Empty(t, res.Suggestions)
	assert.Equal(t, 1.0, res.Confidence)
}

func TestParse_CleanExtraction(t *testing.T) {
	tests := []struct {
		name   string
		prompt string
		want   map[string]any
	}{
		{
			name:   "median fill",
			prompt: "fill missing values with the median",
			want:   map[string]any{"method": "median", "actions": []string{"handle_missing"}},
		},
		{
			name:   "average synonym",
			prompt: "replace nulls with the average",
			want:   map[string]any{"method": "mean", "actions": []string{"handle_missing"}},
		},
		{
			name:   "forward fill",
			prompt: "clean using forward fill",
			want:   map[string]any{"method": "ffill", "actions": []string{"handle_missing"}},
		},
		{
			name:   "outlier threshold",
			prompt: "remove outliers beyond 3 standard deviations",
			want:   map[string]any{"actions": []string{"remove_outliers"}, "threshold": 3.0},
		},
		{
			name:   "decimal sigma",
			prompt: "remove outliers above 2.5 sigma",
			want:   map[string]any{"actions": []string{"remove_outliers"}, "threshold": 2.5},
		},
		{
			name:   "percentage",
			prompt: "drop columns with more than 40% missing",
			want:   map[string]any{"method": "drop", "actions": []string{"handle_missing"}, "percentage": 40.0},
		},
		{
			name:   "actions keep prompt order",
			prompt: "drop duplicate rows with missing age or salary values",
			want: map[string]any{
				"method":  "drop",
				"actions": []string{"remove_duplicates", "handle_missing"},
				"columns": []string{"age", "salary"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := newTestParser().Parse(tt.prompt)
			require.NoError(t, err)
			require.Len(t, res.Steps, 1, "clauses: %+v", res.Clauses)
			assert.Equal(t, StepClean, res.Steps[0].Type)
			assert.Equal(t, tt.want, res.Steps[0].Parameters)
		})
	}
}

func TestParse_OtherStepParameters(t *testing.T) {
	tests := []struct {
		name     string
		prompt   string
		stepType StepType
		key      string
		want     any
	}{
		{"bar chart", "visualize a bar chart", StepVisualize, "chart_type", "bar"},
		{"histogram plural", "draw histograms", StepVisualize, "chart_type", "histogram"},
		{"heat map phrase", "plot a heat map", StepVisualize, "chart_type", "heatmap"},
		{"distribution analysis", "analyze the distribution", StepAnalyze, "analysis_type", "distribution"},
		{"algorithm", "train a random forest model", StepModel, "algorithm", "random_forest"},
		{"target known column", "train a model to predict the salary", StepModel, "target", "salary"},
		{"target free word", "build a model to predict churn", StepModel, "target", "churn"},
		{"export single format", "export to parquet", StepConvert, "to_format", "parquet"},
		{"convert from to", "convert from csv to json", StepConvert, "from_format", "csv"},
		{"report format", "generate a pdf report", StepReport, "format", "pdf"},
		{"strict schema", "validate the schema in strict mode", StepSchema, "strict", true},
		{"preview rows", "preview the first 20 rows", StepPreview, "rows", 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := newTestParser().Parse(tt.prompt)
			require.NoError(t, err)
			require.Len(t, res.Steps, 1, "clauses: %+v", res.Clauses)
			assert.Equal(t, tt.stepType, res.Steps[0].Type)
			assert.Equal(t, tt.want, res.Steps[0].Parameters[tt.key])
		})
	}
}

func TestParse_ModelFeaturesExcludeTarget(t *testing.T) {
	res, err := newTestParser().Parse("predict salary from age with a model")
	require.NoError(t, err)

	require.Equal(t, []StepType{StepModel}, stepTypes(res.Steps))
	params := res.Steps[0].Parameters
	assert.Equal(t, "salary", params["target"])
	assert.Equal(t, []string{"age"}, params["features"])
}

func TestParse_ClauseSplitting(t *testing.T) {
	res, err := newTestParser().Parse("clean the data, then analyze it; after that plot a chart and then export to csv")
	require.NoError(t, err)

	assert.Equal(t, []StepType{StepClean, StepAnalyze, StepVisualize, StepConvert}, stepTypes(res.Steps))
	assert.Len(t, res.Clauses, 4)
}

func TestParse_FollowedBy(t *testing.T) {
	res, err := newTestParser().Parse("validate the schema followed by a pdf report")
	require.NoError(t, err)
	assert.Equal(t, []StepType{StepSchema, StepReport}, stepTypes(res.Steps))
}

func TestParse_UnmatchedClauseLowersConfidence(t *testing.T) {
	full, err := newTestParser().Parse("clean missing values with the mean")
	require.NoError(t, err)

	partial, err := newTestParser().Parse("clean missing values with the mean and make me a sandwich")
	require.NoError(t, err)

	require.Len(t, partial.Steps, 1)
	assert.Less(t, partial.Confidence, full.Confidence)
	require.NotEmpty(t, partial.Suggestions)
	assert.Contains(t, partial.Suggestions[0], "make me a sandwich")
	assert.Equal(t, StepType(""), partial.Clauses[1].Type)
}

func TestParse_DeduplicatesByType(t *testing.T) {
	res, err := newTestParser().Parse("clean nulls with the mean, analyze stats, clean nulls with the median")
	require.NoError(t, err)

	require.Equal(t, []StepType{StepClean, StepAnalyze}, stepTypes(res.Steps))
	assert.Equal(t, "median", res.Steps[0].Parameters["method"], "last parameters win")
	assert.Equal(t, "step-1", res.Steps[0].ID, "first occurrence keeps its position")
}

func TestParse_RepeatedCleanUnionsActions(t *testing.T) {
	tests := []struct {
		prompt string
		method string
	}{
		{"fill missing values with the median, drop duplicates", "median"},
		{"remove missing and duplicate values", "drop"},
	}

	for _, tt := range tests {
		t.Run(tt.prompt, func(t *testing.T) {
			res, err := newTestParser().Parse(tt.prompt)
			require.NoError(t, err)
			require.Len(t, res.Steps, 1)

			params := res.Steps[0].Parameters
			assert.Equal(t, []string{"handle_missing", "remove_duplicates"}, params["actions"])
			assert.Equal(t, tt.method, params["method"])
		})
	}
}

func TestMergeParameters(t *testing.T) {
	dst := map[string]any{
		"actions": []string{"handle_missing"},
		"columns": []string{"age", "salary"},
		"method":  "mean",
	}
	mergeParameters(dst, map[string]any{
		"actions":   []string{"remove_duplicates", "handle_missing"},
		"columns":   []string{"salary", "city"},
		"method":    "median",
		"threshold": 3.0,
	})

	assert.Equal(t, []string{"handle_missing", "remove_duplicates"}, dst["actions"])
	assert.Equal(t, []string{"age", "salary", "city"}, dst["columns"])
	assert.Equal(t, "median", dst["method"])
	assert.Equal(t, 3.0, dst["threshold"])
}

func TestParse_ContinueOnError(t *testing.T) {
	res, err := newTestParser().Parse("validate the schema even if it fails then analyze")
	require.NoError(t, err)

	require.Equal(t, []StepType{StepSchema, StepAnalyze}, stepTypes(res.Steps))
	assert.True(t, res.Steps[0].ContinueOnError)
	assert.False(t, res.Steps[1].ContinueOnError)
}

func TestParse_TieBreaksOnEarliestKeyword(t *testing.T) {
	// "distribution" (analyze) and "plot" (visualize) each score one hit
	res, err := newTestParser().Parse("distribution plot")
	require.NoError(t, err)
	assert.Equal(t, StepAnalyze, res.Steps[0].Type)

	res, err = newTestParser().Parse("plot the distribution")
	require.NoError(t, err)
	assert.Equal(t, StepVisualize, res.Steps[0].Type)
}

func TestParse_Suggestions(t *testing.T) {
	res, err := newTestParser().Parse("visualize and train a model")
	require.NoError(t, err)

	joined := strings.Join(res.Suggestions, "\n")
	assert.Contains(t, joined, "chart type")
	assert.Contains(t, joined, "predict")
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name   string
		prompt string
		reason string
	}{
		{"empty", "", "empty"},
		{"only stripped characters", `<>"'`, "empty"},
		{"no operation", "hello there, how are you", "no recognized operation"},
		{"too long", "clean " + strings.Repeat("x", MaxPromptLength), "maximum is 1000"},
		{"too long before sanitizing", "clean data" + strings.Repeat("'", MaxPromptLength), "maximum is 1000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := newTestParser().Parse(tt.prompt)
			require.Error(t, err)
			assert.Nil(t, res)

			var parseErr *pipeerrors.ParseError
			require.ErrorAs(t, err, &parseErr)
			assert.Contains(t, parseErr.Reason, tt.reason)
			assert.NotEmpty(t, parseErr.Suggestions)
		})
	}
}

func TestParse_MaxLengthBoundary(t *testing.T) {
	prompt := "clean " + strings.Repeat("a", MaxPromptLength-len("clean "))
	_, err := newTestParser().Parse(prompt)
	assert.NoError(t, err)
}

func TestParse_NonASCII(t *testing.T) {
	// Column names are matched after case folding
	res, err := NewParser([]string{"Şehir", "café"}).Parse("CLEAN nulls in ŞEHIR and café")
	require.NoError(t, err)
	require.Len(t, res.Steps, 1)
	assert.Len(t, res.Clauses, 2)
	assert.Equal(t, []string{"Şehir"}, res.Steps[0].Parameters["columns"])
}

func TestSanitizePrompt(t *testing.T) {
	assert.Equal(t, "clean data", SanitizePrompt(`  <clean> "data"  `))
	assert.Equal(t, "café", SanitizePrompt("café"))
}

func TestSplitClauses(t *testing.T) {
	segs := splitClauses("remove outliers beyond 2.5 std. then plot")
	require.Len(t, segs, 2)
	assert.Equal(t, "remove outliers beyond 2.5 std", segs[0].text)
	assert.Equal(t, []string{"plot"}, segs[1].tokens)
}

func TestTokenize(t *testing.T) {
	toks := tokenTexts(tokenize("k-means on 40% of customer_id, 2.5x"))
	assert.Equal(t, []string{"k-means", "on", "40", "%", "of", "customer_id", "2.5x"}, toks)
}

func TestConfidence(t *testing.T) {
	assert.Equal(t, 0.65, confidence(1, 1, 1, 0, 1))
	assert.Equal(t, 1.0, confidence(2, 2, 4, 2, 2))
	assert.Equal(t, 0.0, confidence(1, 0, 0, 0, 0))
	assert.Equal(t, 0.75, confidence(2, 1, 2, 1, 1))
}

func TestParseStepType(t *testing.T) {
	tests := []struct {
		in   string
		want StepType
		ok   bool
	}{
		{"clean", StepClean, true},
		{"export", StepConvert, true},
		{"validate", StepSchema, true},
		{"schema-validate", StepSchema, true},
		{"report", StepReport, true},
		{"upload", StepType("upload"), false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseStepType(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
