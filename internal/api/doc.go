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

/*
Package api provides an HTTP client for the remote pipeline API.

The pipeline API is a session-scoped REST service: a file is uploaded once,
then steps (clean, analyze, visualize, ...) operate on it by file id. Every
request carries the session id as a query parameter, a Bearer token when one
is configured, and the caller's correlation id.

# Basic Usage

	c, err := api.New("http://localhost:8000", api.WithToken(token))
	if err != nil {
	    return err
	}

	up, err := c.Upload(ctx, sessionID, "sales.csv", f)
	raw, err := c.ExecuteStep(ctx, sessionID, up.FileID, step)

Client implements pipeline.StepExecutor, so it can be handed straight to the
engine.

# Errors

Responses are mapped to typed errors from pkg/errors:

  - 5xx responses and transport failures become *TransientNetworkError
  - 429 responses become *RateLimitExceededError
  - any other 4xx becomes *APIError, carrying the server's message and code

Only transient errors are worth retrying; the engine's retry policy relies on
that classification.
*/
package api
