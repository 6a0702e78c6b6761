// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pipeline

import (
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/tombee/pipectl/pkg/errors"
)

// MaxPromptLength is the longest accepted prompt, in characters.
const MaxPromptLength = 1000

var (
	// thresholdPattern matches a number followed by a standard-deviation unit.
	thresholdPattern = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(?:standard deviations?|std(?:s|ev)?|sigmas?|σ)`)

	// percentPattern matches a number followed by a percent unit.
	percentPattern = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(?:%|percent)`)

	// rowsPattern matches a row count for previews.
	rowsPattern = regexp.MustCompile(`(\d+)\s*(?:rows?|lines?|records?)`)

	// unsafeChars are stripped from prompts before parsing.
	unsafeChars = strings.NewReplacer("<", "", ">", "", `"`, "", "'", "")
)

var exampleSuggestions = []string{
	`Try "clean missing values with the median and analyze correlations"`,
	`Try "remove outliers beyond 3 standard deviations then plot a histogram"`,
	`Try "train a random forest to predict salary and export to parquet"`,
}

// Clause is one segment of a prompt and the operation it matched, if any.
type Clause struct {
	Text string   `json:"text"`
	Type StepType `json:"type,omitempty"`
	Hits int      `json:"hits"`
}

// ParseResult is the output of Parser.Parse.
type ParseResult struct {
	Steps       []Step   `json:"steps"`
	Confidence  float64  `json:"confidence"`
	Suggestions []string `json:"suggestions,omitempty"`
	Clauses     []Clause `json:"clauses"`
}

// Parser maps free-text prompts to typed steps using fixed keyword tables.
// It is deterministic apart from step ids, and safe for concurrent use.
type Parser struct {
	columns []namedPhrase
	newID   func() string
	logger  *slog.Logger
}

// NewParser creates a parser that recognizes the given column names.
// A nil list uses DefaultKnownColumns.
func NewParser(knownColumns []string) *Parser {
	if knownColumns == nil {
		knownColumns = DefaultKnownColumns
	}
	p := &Parser{
		newID:  uuid.NewString,
		logger: slog.Default(),
	}
	for _, name := range knownColumns {
		toks := tokenTexts(tokenize(foldText(name)))
		if len(toks) == 0 {
			continue
		}
		p.columns = append(p.columns, namedPhrase{name: name, phrase: toks})
	}
	return p
}

// WithIDGenerator sets the function used for step ids.
func (p *Parser) WithIDGenerator(fn func() string) *Parser {
	if fn != nil {
		p.newID = fn
	}
	return p
}

// WithLogger sets the logger.
func (p *Parser) WithLogger(logger *slog.Logger) *Parser {
	if logger != nil {
		p.logger = logger
	}
	return p
}

// SanitizePrompt normalizes a prompt to NFC, strips < > " ' and trims space.
func SanitizePrompt(prompt string) string {
	s := norm.NFC.String(prompt)
	s = unsafeChars.Replace(s)
	return strings.TrimSpace(s)
}

// Parse turns a prompt into deduplicated steps in prompt order.
//
// Clauses that match nothing lower the confidence and add a suggestion. Parse
// fails with a ParseError only when the prompt is empty, too long, or no
// clause matches any operation.
func (p *Parser) Parse(prompt string) (*ParseResult, error) {
	// The limit applies to the prompt as typed, before sanitizing.
	if n := utf8.RuneCountInString(prompt); n > MaxPromptLength {
		recordParse(false)
		return nil, &errors.ParseError{
			Prompt:      prompt,
			Reason:      fmt.Sprintf("prompt is %d characters, maximum is %d", n, MaxPromptLength),
			Suggestions: []string{"Split the request into shorter prompts"},
		}
	}
	text := SanitizePrompt(prompt)
	if text == "" {
		recordParse(false)
		return nil, &errors.ParseError{
			Prompt:      prompt,
			Reason:      "prompt is empty",
			Suggestions: exampleSuggestions,
		}
	}

	segments := splitClauses(foldText(text))

	result := &ParseResult{}
	var (
		steps        []Step
		indexByType  = make(map[StepType]int)
		matched      int
		totalHits    int
		unrecognized []string
	)

	for _, seg := range segments {
		stepType, hits := scoreClause(seg.tokens)
		result.Clauses = append(result.Clauses, Clause{Text: seg.text, Type: stepType, Hits: hits})

		if hits == 0 {
			unrecognized = append(unrecognized, seg.text)
			continue
		}
		matched++
		totalHits += hits

		params := p.extract(stepType, seg)
		continueOnError := containsAny(seg.tokens, continueMarkers)

		if idx, ok := indexByType[stepType]; ok {
			mergeParameters(steps[idx].Parameters, params)
			if continueOnError {
				steps[idx].ContinueOnError = true
			}
			continue
		}

		indexByType[stepType] = len(steps)
		steps = append(steps, Step{
			ID:              p.newID(),
			Type:            stepType,
			Name:            stepType.DisplayName(),
			Parameters:      params,
			ContinueOnError: continueOnError,
		})
	}

	if matched == 0 {
		recordParse(false)
		return nil, &errors.ParseError{
			Prompt:      prompt,
			Reason:      "no recognized operation",
			Suggestions: exampleSuggestions,
		}
	}

	for _, clause := range unrecognized {
		result.Suggestions = append(result.Suggestions, fmt.Sprintf(
			"Could not match %q to an operation. Try words like clean, analyze, visualize, model, export, validate or report.", clause))
	}
	result.Suggestions = append(result.Suggestions, parameterSuggestions(steps)...)

	withParams := 0
	for _, s := range steps {
		if len(s.Parameters) > 0 {
			withParams++
		}
	}
	result.Steps = steps
	result.Confidence = confidence(len(segments), matched, totalHits, withParams, len(steps))

	p.logger.Debug("prompt parsed",
		"clauses", len(segments),
		"matched", matched,
		"steps", len(steps),
		"confidence", result.Confidence,
	)
	recordParse(true)
	return result, nil
}

// confidence scores a parse in (0, 1]: half from the share of clauses that
// matched, 0.3 from keyword density, 0.2 from steps carrying parameters.
func confidence(total, matched, hits, withParams, steps int) float64 {
	if total == 0 || matched == 0 || steps == 0 {
		return 0
	}
	avgHits := float64(hits) / float64(matched)
	score := 0.5*float64(matched)/float64(total) +
		0.3*math.Min(1, avgHits/2) +
		0.2*float64(withParams)/float64(steps)

	score = math.Round(score*100) / 100
	return math.Max(0.01, math.Min(1, score))
}

func parameterSuggestions(steps []Step) []string {
	var out []string
	for _, s := range steps {
		switch s.Type {
		case StepClean:
			if len(s.Parameters) == 0 {
				out = append(out, `Say how to clean, e.g. "fill missing values with the median"`)
			}
		case StepVisualize:
			if _, ok := s.Parameters["chart_type"]; !ok {
				out = append(out, "Name a chart type (bar, line, scatter, histogram, pie, heatmap)")
			}
		case StepModel:
			if _, ok := s.Parameters["target"]; !ok {
				out = append(out, `Say which column to predict, e.g. "predict salary"`)
			}
		}
	}
	return out
}

// scoreClause returns the best-matching operation and its keyword hit count.
// Ties go to the earliest keyword position, then to table order.
func scoreClause(toks []string) (StepType, int) {
	var (
		best     StepType
		bestHits int
		bestPos  int
	)
	for _, op := range compiledOperations {
		hits, first := 0, -1
		for _, kw := range op.keywords {
			if i := findPhrase(toks, kw); i >= 0 {
				hits++
				if first < 0 || i < first {
					first = i
				}
			}
		}
		if hits == 0 {
			continue
		}
		if hits > bestHits || (hits == bestHits && first < bestPos) {
			best, bestHits, bestPos = op.stepType, hits, first
		}
	}
	return best, bestHits
}

// extract pulls the parameters for a step of type t out of one clause.
func (p *Parser) extract(t StepType, seg segment) map[string]any {
	params := make(map[string]any)
	toks := seg.tokens
	columns := p.findColumns(toks)

	switch t {
	case StepClean:
		actions := allSynonyms(toks, compiledCleanActions)
		if len(actions) > 0 {
			params["actions"] = actions
		}
		if method := firstSynonym(toks, compiledFillMethods); method != "" {
			params["method"] = method
		} else if containsString(actions, "handle_missing") || len(actions) == 0 {
			if method := firstSynonym(toks, compiledDropMethods); method != "" {
				params["method"] = method
			}
		}
		if m := thresholdPattern.FindStringSubmatch(seg.text); m != nil {
			params["threshold"] = parseNumber(m[1])
		}
		if m := percentPattern.FindStringSubmatch(seg.text); m != nil {
			params["percentage"] = parseNumber(m[1])
		}
		if len(columns) > 0 {
			params["columns"] = columns
		}

	case StepAnalyze:
		if kind := firstSynonym(toks, compiledAnalysisTypes); kind != "" {
			params["analysis_type"] = kind
		}
		if len(columns) > 0 {
			params["columns"] = columns
		}

	case StepVisualize:
		if chart := firstSynonym(toks, compiledChartTypes); chart != "" {
			params["chart_type"] = chart
		}
		if len(columns) > 0 {
			params["columns"] = columns
		}

	case StepModel:
		if algo := firstSynonym(toks, compiledAlgorithms); algo != "" {
			params["algorithm"] = algo
		}
		if task := firstSynonym(toks, compiledModelTasks); task != "" {
			params["task"] = task
		}
		target := p.findTarget(toks)
		if target != "" {
			params["target"] = target
		}
		var features []string
		for _, c := range columns {
			if c != target {
				features = append(features, c)
			}
		}
		if len(features) > 0 {
			params["features"] = features
		}

	case StepConvert:
		formats := allSynonyms(toks, compiledDataFormats)
		switch {
		case len(formats) >= 2:
			params["from_format"] = formats[0]
			params["to_format"] = formats[len(formats)-1]
		case len(formats) == 1:
			params["to_format"] = formats[0]
		}

	case StepReport:
		if format := firstSynonym(toks, compiledReportFormats); format != "" {
			params["format"] = format
		}

	case StepSchema:
		if findPhrase(toks, []string{"strict"}) >= 0 {
			params["strict"] = true
		}
		if len(columns) > 0 {
			params["columns"] = columns
		}

	case StepPreview:
		if m := rowsPattern.FindStringSubmatch(seg.text); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				params["rows"] = n
			}
		}
	}
	return params
}

// findColumns returns known column names in the order they appear.
func (p *Parser) findColumns(toks []string) []string {
	type hit struct {
		name string
		pos  int
	}
	var hits []hit
	for _, c := range p.columns {
		if i := findExactPhrase(toks, c.phrase); i >= 0 {
			hits = append(hits, hit{name: c.name, pos: i})
		}
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].pos < hits[b].pos })

	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.name)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// findTarget reads the column named after a target marker such as "predict".
func (p *Parser) findTarget(toks []string) string {
	for i, tok := range toks {
		if !containsString(targetMarkers, tok) {
			continue
		}
		for j := i + 1; j < len(toks); j++ {
			if stopWords[toks[j]] {
				continue
			}
			for _, c := range p.columns {
				if matchExactAt(toks, j, c.phrase) {
					return c.name
				}
			}
			if isWord(toks[j]) {
				return toks[j]
			}
			break
		}
	}
	return ""
}

func parseNumber(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func isWord(tok string) bool {
	for _, r := range tok {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

// mergeParameters folds a repeated step's parameters into dst. List values
// such as actions and columns are unioned in order; scalars from src win.
func mergeParameters(dst, src map[string]any) {
	for k, v := range src {
		prev, ok := dst[k].([]string)
		next, isList := v.([]string)
		if !ok || !isList {
			dst[k] = v
			continue
		}
		merged := append([]string(nil), prev...)
		for _, item := range next {
			if !containsString(merged, item) {
				merged = append(merged, item)
			}
		}
		dst[k] = merged
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func foldText(s string) string {
	return cases.Fold().String(s)
}
