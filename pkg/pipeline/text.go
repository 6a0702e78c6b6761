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
	"sort"
	"strings"
	"unicode"
)

// token is a word in a prompt with its byte span.
type token struct {
	text       string
	start, end int
}

// segment is one clause: its text and folded word tokens.
type segment struct {
	text   string
	tokens []string
}

type namedPhrase struct {
	name   string
	phrase []string
}

type compiledSynonym struct {
	phrase []string
	value  string
}

type compiledOperation struct {
	stepType StepType
	keywords [][]string
}

var (
	compiledOperations    = compileOperations(operations)
	compiledFillMethods   = compileSynonyms(fillMethods)
	compiledDropMethods   = compileSynonyms(dropMethods)
	compiledCleanActions  = compileSynonyms(cleanActions)
	compiledAnalysisTypes = compileSynonyms(analysisTypes)
	compiledChartTypes    = compileSynonyms(chartTypes)
	compiledAlgorithms    = compileSynonyms(algorithms)
	compiledModelTasks    = compileSynonyms(modelTasks)
	compiledDataFormats   = compileSynonyms(dataFormats)
	compiledReportFormats = compileSynonyms(reportFormats)
)

// connectives split a clause into further clauses.
var connectives = [][]string{
	{"after", "that"},
	{"followed", "by"},
	{"and"},
	{"then"},
	{"also"},
}

func compileOperations(ops []operation) []compiledOperation {
	out := make([]compiledOperation, 0, len(ops))
	for _, op := range ops {
		c := compiledOperation{stepType: op.Type}
		for _, kw := range op.Keywords {
			c.keywords = append(c.keywords, tokenTexts(tokenize(kw)))
		}
		out = append(out, c)
	}
	return out
}

func compileSynonyms(syns []synonym) []compiledSynonym {
	out := make([]compiledSynonym, 0, len(syns))
	for _, s := range syns {
		out = append(out, compiledSynonym{phrase: tokenTexts(tokenize(s.Phrase)), value: s.Value})
	}
	return out
}

// isWordRune reports whether r can appear inside a word token.
func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r) || r == '_'
}

// tokenize splits s into word tokens. '.' joins digits ("2.5"), '-' joins
// word characters ("k-means"), and '%' is a token of its own.
func tokenize(s string) []token {
	rs := []rune(s)
	offsets := make([]int, len(rs)+1)
	pos := 0
	for i, r := range rs {
		offsets[i] = pos
		pos += len(string(r))
	}
	offsets[len(rs)] = pos

	var toks []token
	start := -1
	flush := func(end int) {
		if start >= 0 {
			toks = append(toks, token{text: s[offsets[start]:offsets[end]], start: offsets[start], end: offsets[end]})
			start = -1
		}
	}

	for i, r := range rs {
		joiner := false
		switch r {
		case '.':
			joiner = start >= 0 && unicode.IsDigit(rs[i-1]) && i+1 < len(rs) && unicode.IsDigit(rs[i+1])
		case '-':
			joiner = start >= 0 && isWordRune(rs[i-1]) && i+1 < len(rs) && isWordRune(rs[i+1])
		}

		switch {
		case isWordRune(r) || joiner:
			if start < 0 {
				start = i
			}
		case r == '%':
			flush(i)
			toks = append(toks, token{text: "%", start: offsets[i], end: offsets[i+1]})
		default:
			flush(i)
		}
	}
	flush(len(rs))
	return toks
}

func tokenTexts(toks []token) []string {
	out := make([]string, len(toks))
	for i, t := range toks {
		out[i] = t.text
	}
	return out
}

// splitClauses splits folded prompt text on punctuation and connectives.
// Empty clauses are dropped.
func splitClauses(text string) []segment {
	var parts []string
	rs := []rune(text)
	var b strings.Builder
	for i, r := range rs {
		sep := strings.ContainsRune(",;!?\n", r)
		if r == '.' {
			decimal := i > 0 && i+1 < len(rs) && unicode.IsDigit(rs[i-1]) && unicode.IsDigit(rs[i+1])
			sep = !decimal
		}
		if sep {
			parts = append(parts, b.String())
			b.Reset()
			continue
		}
		b.WriteRune(r)
	}
	parts = append(parts, b.String())

	var out []segment
	for _, part := range parts {
		toks := tokenize(part)
		start := 0
		for i := 0; i < len(toks); {
			if n := connectiveAt(toks, i); n > 0 {
				out = appendSegment(out, part, toks[start:i])
				i += n
				start = i
				continue
			}
			i++
		}
		out = appendSegment(out, part, toks[start:])
	}
	return out
}

func connectiveAt(toks []token, i int) int {
	for _, c := range connectives {
		if i+len(c) > len(toks) {
			continue
		}
		match := true
		for k, w := range c {
			if toks[i+k].text != w {
				match = false
				break
			}
		}
		if match {
			return len(c)
		}
	}
	return 0
}

func appendSegment(out []segment, source string, toks []token) []segment {
	if len(toks) == 0 {
		return out
	}
	return append(out, segment{
		text:   strings.TrimSpace(source[toks[0].start:toks[len(toks)-1].end]),
		tokens: tokenTexts(toks),
	})
}

// tokenMatches compares a prompt token with a keyword token, accepting the
// keyword's plural forms ("outliers", "anomalies").
func tokenMatches(tok, kw string) bool {
	if tok == kw {
		return true
	}
	if strings.HasPrefix(tok, kw) {
		suffix := tok[len(kw):]
		return suffix == "s" || suffix == "es"
	}
	if stem, ok := strings.CutSuffix(kw, "y"); ok && stem != "" {
		return tok == stem+"ies"
	}
	return false
}

// findPhrase returns the first token index where phrase matches, or -1.
func findPhrase(toks []string, phrase []string) int {
	for i := range toks {
		if matchAt(toks, i, phrase, tokenMatches) {
			return i
		}
	}
	return -1
}

// findExactPhrase is findPhrase without plural forms.
func findExactPhrase(toks []string, phrase []string) int {
	for i := range toks {
		if matchExactAt(toks, i, phrase) {
			return i
		}
	}
	return -1
}

func matchExactAt(toks []string, i int, phrase []string) bool {
	return matchAt(toks, i, phrase, func(a, b string) bool { return a == b })
}

func matchAt(toks []string, i int, phrase []string, eq func(tok, kw string) bool) bool {
	if len(phrase) == 0 || i+len(phrase) > len(toks) {
		return false
	}
	for k, w := range phrase {
		if !eq(toks[i+k], w) {
			return false
		}
	}
	return true
}

// firstSynonym returns the value of the synonym that appears earliest.
func firstSynonym(toks []string, syns []compiledSynonym) string {
	best, bestPos := "", -1
	for _, s := range syns {
		if i := findPhrase(toks, s.phrase); i >= 0 && (bestPos < 0 || i < bestPos) {
			best, bestPos = s.value, i
		}
	}
	return best
}

// allSynonyms returns the distinct values of matching synonyms in prompt order.
func allSynonyms(toks []string, syns []compiledSynonym) []string {
	type hit struct {
		value string
		pos   int
	}
	var hits []hit
	seen := make(map[string]int)
	for _, s := range syns {
		i := findPhrase(toks, s.phrase)
		if i < 0 {
			continue
		}
		if prev, ok := seen[s.value]; ok {
			if i < hits[prev].pos {
				hits[prev].pos = i
			}
			continue
		}
		seen[s.value] = len(hits)
		hits = append(hits, hit{value: s.value, pos: i})
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].pos < hits[b].pos })

	var out []string
	for _, h := range hits {
		out = append(out, h.value)
	}
	return out
}

// containsAny reports whether any of the phrases appears in toks.
func containsAny(toks []string, phrases []string) bool {
	for _, p := range phrases {
		if findExactPhrase(toks, tokenTexts(tokenize(p))) >= 0 {
			return true
		}
	}
	return false
}
