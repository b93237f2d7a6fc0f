/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package models

import "errors"

// Error kinds shared across the engines. Engines classify into these kinds;
// the transport layer maps them onto its own status codes.
var (
	// ErrNoDriver means no driver survived the hard gates for an order.
	ErrNoDriver = errors.New("no admissible driver")
	// ErrTimeout means an operation exceeded its deadline. The caller may
	// retry idempotently; the affected order remains pending.
	ErrTimeout = errors.New("operation timed out")
	// ErrStoreUnavailable is returned while the store circuit breaker is open
	// or the store cannot be reached.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrNotFound is returned for single-row reads that match nothing.
	ErrNotFound = errors.New("not found")
	// ErrConflict is a permanent store conflict, e.g. assigning an order that
	// is already assigned. Surfaced as a conflict outcome, never retried.
	ErrConflict = errors.New("conflict")
)

func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrStoreUnavailable)
}
