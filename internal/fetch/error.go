package fetch

/*
dnspl — daily list of domains deleted from the .pl registry
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"errors"
	"fmt"
	"net/http"
)

// statusError is a non-2xx answer from the registry.
//
// Fields:
//
//	status:    The HTTP status code of the response.
//	retryable: Whether the status is transient and a later attempt may succeed.
type statusError struct {
	status    int
	retryable bool
}

// newStatusError classifies status. 429, 500, 502, 503 and 504 are transient;
// everything else (401, 403, 404, ...) is a deliberate answer and is not retried.
func newStatusError(status int) *statusError {
	return &statusError{status: status, retryable: isRetryableStatus(status)}
}

// Error implements the standard Go `error` interface.
func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status: %d %s", e.status, http.StatusText(e.status))
}

// IsRetryable reports whether the status is transient.
func (e *statusError) IsRetryable() bool {
	return e.retryable
}

// isRetryableStatus is the set of statuses worth another attempt.
func isRetryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// isRefusalAfterRetries reports whether a transient status that outlived the retry
// budget is really the server turning us away (rate limiting, maintenance).
func isRefusalAfterRetries(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable
}

// IsRetryable checks whether err carries a transient registry status.
// Errors of other types are not retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.IsRetryable()
	}
	return false
}

// errBodyTooLarge is returned when the feed exceeds the configured body limit.
var errBodyTooLarge = errors.New("response body exceeds limit")
