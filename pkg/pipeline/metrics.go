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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// stepOutcomes tracks attempted steps by type and outcome
	stepOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipectl_steps_total",
			Help: "Total attempted pipeline steps by step type and outcome",
		},
		[]string{"step_type", "outcome"},
	)

	// stepRetries tracks retries of transient step failures
	stepRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipectl_step_retries_total",
			Help: "Total step dispatch retries by step type",
		},
		[]string{"step_type"},
	)

	// rateLimitDenials tracks steps rejected by the local rate limiter
	rateLimitDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipectl_rate_limit_denials_total",
			Help: "Total steps denied by the local rate limiter by class",
		},
		[]string{"class"},
	)

	// runOutcomes tracks finished runs by final status
	runOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipectl_runs_total",
			Help: "Total pipeline runs by outcome",
		},
		[]string{"outcome"},
	)

	// stepDuration tracks step dispatch latency including retries
	stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipectl_step_duration_seconds",
			Help:    "Step dispatch duration in seconds, including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step_type"},
	)

	// parseOutcomes tracks prompt parse attempts
	parseOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipectl_prompt_parses_total",
			Help: "Total prompt parse attempts by outcome",
		},
		[]string{"outcome"},
	)
)

// recordStep records the outcome and duration of one attempted step
func recordStep(stepType StepType, success bool, d time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	stepOutcomes.WithLabelValues(string(stepType), outcome).Inc()
	stepDuration.WithLabelValues(string(stepType)).Observe(d.Seconds())
}

// recordRetry increments the retry counter
func recordRetry(stepType StepType) {
	stepRetries.WithLabelValues(string(stepType)).Inc()
}

// recordRateLimited increments the rate-limit denial counter
func recordRateLimited(class string) {
	rateLimitDenials.WithLabelValues(class).Inc()
}

// recordRun increments the run outcome counter
func recordRun(outcome string) {
	runOutcomes.WithLabelValues(outcome).Inc()
}

// recordParse increments the parse outcome counter
func recordParse(ok bool) {
	outcome := "matched"
	if !ok {
		outcome = "unrecognized"
	}
	parseOutcomes.WithLabelValues(outcome).Inc()
}
