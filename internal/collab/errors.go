// Package collab defines the external collaborator contracts shared by the
// ingestion pipeline: data types, error taxonomy, and throughput limiting.
package collab

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// TransientError marks a failure worth retrying: timeouts, connection
// resets, 429s, 5xx responses.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// MalformedResponseError marks a collaborator response that could not be
// used: invalid JSON, missing fields, out-of-range values. Never retried;
// the affected page or insight kind degrades instead.
type MalformedResponseError struct {
	Op     string
	Detail string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("%s: malformed response: %s", e.Op, e.Detail)
}

// ServiceUnavailableError marks a collaborator that is unreachable after
// retries were exhausted. Escalates to a document-level failure.
type ServiceUnavailableError struct {
	Service string
	Err     error
}

func (e *ServiceUnavailableError) Error() string {
	return fmt.Sprintf("%s: service unavailable: %v", e.Service, e.Err)
}

func (e *ServiceUnavailableError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsMalformed reports whether err is a malformed-response failure.
func IsMalformed(err error) bool {
	var me *MalformedResponseError
	return errors.As(err, &me)
}

// IsUnavailable reports whether err is a whole-service failure.
func IsUnavailable(err error) bool {
	var ue *ServiceUnavailableError
	return errors.As(err, &ue)
}

// ClassifyHTTPResult maps a transport-level error or response status into
// the taxonomy. A nil return means the response is usable. Callers pass
// the raw result of http.Client.Do before touching the body.
func ClassifyHTTPResult(op string, err error, resp *http.Response) error {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return &TransientError{Op: op, Err: err}
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return &TransientError{Op: op, Err: err}
		}
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			// Connection refused or DNS failure: the service itself is
			// down, not just this call.
			return &ServiceUnavailableError{Service: op, Err: err}
		}
		return &TransientError{Op: op, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		resp.Body.Close()
		return &TransientError{Op: op, Err: fmt.Errorf("status %d", resp.StatusCode)}
	default:
		resp.Body.Close()
		return &MalformedResponseError{Op: op, Detail: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}
}
