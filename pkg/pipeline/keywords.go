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

// operation is one row of the keyword table. Table order breaks scoring ties.
type operation struct {
	Type     StepType
	Keywords []string
}

// operations is the fixed keyword table. Keywords are matched on word
// boundaries against case-folded text; single words also match their plural.
var operations = []operation{
	{
		Type: StepClean,
		Keywords: []string{
			"clean", "cleaning", "cleanup", "clean up", "tidy",
			"missing", "null", "nan", "empty values",
			"duplicate", "dedupe", "deduplicate",
			"outlier", "impute", "fill", "fillna", "drop", "remove", "removing",
		},
	},
	{
		Type: StepAnalyze,
		Keywords: []string{
			"analyze", "analyse", "analyzing", "analysis",
			"correlation", "correlate", "statistic", "stats",
			"summary", "summarize", "describe", "descriptive",
			"distribution", "explore", "eda", "trend", "insight",
		},
	},
	{
		Type: StepVisualize,
		Keywords: []string{
			"visualize", "visualise", "visualization", "visualisation",
			"chart", "plot", "graph", "histogram", "scatter", "heatmap",
			"heat map", "pie", "dashboard", "draw",
		},
	},
	{
		Type: StepModel,
		Keywords: []string{
			"model", "train", "training", "predict", "prediction", "forecast",
			"classify", "classification", "regression", "cluster", "clustering",
			"machine learning", "ml", "random forest", "neural network",
		},
	},
	{
		Type: StepConvert,
		Keywords: []string{
			"export", "convert", "conversion", "save as", "download",
			"parquet", "transform to",
		},
	},
	{
		Type: StepSchema,
		Keywords: []string{
			"validate", "validation", "schema", "verify", "data type",
			"check type", "type check",
		},
	},
	{
		Type: StepReport,
		Keywords: []string{
			"report", "reporting", "pdf", "document", "write up", "summary report",
		},
	},
	{
		Type: StepPreview,
		Keywords: []string{
			"preview", "peek", "look at", "first rows", "sample rows", "head",
		},
	},
}

// synonym maps a phrase to a canonical parameter value.
type synonym struct {
	Phrase string
	Value  string
}

// fillMethods are clean methods that say how to fill missing values.
var fillMethods = []synonym{
	{"mean", "mean"},
	{"average", "mean"},
	{"avg", "mean"},
	{"median", "median"},
	{"mode", "mode"},
	{"most frequent", "mode"},
	{"forward fill", "ffill"},
	{"ffill", "ffill"},
	{"backward fill", "bfill"},
	{"back fill", "bfill"},
	{"bfill", "bfill"},
	{"interpolate", "interpolate"},
	{"interpolation", "interpolate"},
	{"zero", "zero"},
}

// dropMethods select the drop method when no fill method is named.
var dropMethods = []synonym{
	{"removing", "drop"},
	{"remove", "drop"},
	{"drop", "drop"},
	{"dropping", "drop"},
	{"delete", "drop"},
	{"deleting", "drop"},
	{"discard", "drop"},
}

// cleanActions name what a clean step should address.
var cleanActions = []synonym{
	{"missing", "handle_missing"},
	{"null", "handle_missing"},
	{"nan", "handle_missing"},
	{"empty values", "handle_missing"},
	{"impute", "handle_missing"},
	{"fill", "handle_missing"},
	{"duplicate", "remove_duplicates"},
	{"dedupe", "remove_duplicates"},
	{"deduplicate", "remove_duplicates"},
	{"outlier", "remove_outliers"},
	{"anomaly", "remove_outliers"},
	{"anomalies", "remove_outliers"},
}

var analysisTypes = []synonym{
	{"correlation", "correlation"},
	{"correlate", "correlation"},
	{"distribution", "distribution"},
	{"trend", "trend"},
	{"statistic", "descriptive"},
	{"stats", "descriptive"},
	{"summary", "descriptive"},
	{"summarize", "descriptive"},
	{"describe", "descriptive"},
	{"descriptive", "descriptive"},
}

var chartTypes = []synonym{
	{"bar", "bar"},
	{"line", "line"},
	{"scatter", "scatter"},
	{"histogram", "histogram"},
	{"pie", "pie"},
	{"heatmap", "heatmap"},
	{"heat map", "heatmap"},
	{"box plot", "box"},
	{"boxplot", "box"},
	{"area", "area"},
}

var algorithms = []synonym{
	{"random forest", "random_forest"},
	{"linear regression", "linear_regression"},
	{"logistic regression", "logistic_regression"},
	{"decision tree", "decision_tree"},
	{"gradient boosting", "gradient_boosting"},
	{"xgboost", "gradient_boosting"},
	{"k-means", "kmeans"},
	{"kmeans", "kmeans"},
	{"svm", "svm"},
	{"neural network", "neural_network"},
}

var modelTasks = []synonym{
	{"classify", "classification"},
	{"classification", "classification"},
	{"regression", "regression"},
	{"cluster", "clustering"},
	{"clustering", "clustering"},
	{"forecast", "forecasting"},
}

var dataFormats = []synonym{
	{"csv", "csv"},
	{"tsv", "tsv"},
	{"json", "json"},
	{"parquet", "parquet"},
	{"excel", "xlsx"},
	{"xlsx", "xlsx"},
	{"xml", "xml"},
}

var reportFormats = []synonym{
	{"pdf", "pdf"},
	{"html", "html"},
	{"markdown", "markdown"},
	{"word", "docx"},
	{"docx", "docx"},
}

// targetMarkers precede the target column of a model step.
var targetMarkers = []string{"predict", "predicting", "target", "forecast", "forecasting"}

// stopWords are skipped when reading the word after a target marker.
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "my": true, "our": true,
	"column": true, "field": true, "of": true, "for": true, "to": true,
	"value": true, "values": true,
}

// continueMarkers mark a clause whose step should not abort the run on failure.
var continueMarkers = []string{"ignore errors", "continue on error", "even if it fails"}

// DefaultKnownColumns is used when a parser is created without a column list.
var DefaultKnownColumns = []string{
	"age", "salary", "income", "price", "revenue", "sales", "date",
	"name", "email", "city", "country", "category", "score", "status",
}
