package skiff

import (
	"errors"
	"fmt"
	"strings"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/skiff-io/skiff/internal/routing"
)

// ErrClosed is returned for operations on a closed connection handle.
var ErrClosed = errors.New("skiff: connection closed")

// MissingRouteError reports that routing kept failing for lack of a broker
// even after discovery retries were exhausted.
type MissingRouteError struct {
	Route    routing.RouteType
	Attempts int
}

func (e *MissingRouteError) Error() string {
	return fmt.Sprintf("skiff: no broker for %s route after %d attempts", e.Route, e.Attempts)
}

// RetryExhaustedError reports that a request kept failing recoverably until
// the retry budget was spent. Resp holds the last response when the failure
// was a classified error code; Err holds the last channel error otherwise.
type RetryExhaustedError struct {
	Route    routing.RouteType
	Attempts int
	Req      kmsg.Request
	Resp     kmsg.Response
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	api := kmsg.Key(e.Req.Key()).Name()
	if e.Err != nil {
		return fmt.Sprintf("skiff: %s retries exhausted after %d attempts on %s route: %v",
			api, e.Attempts, e.Route, e.Err)
	}
	return fmt.Sprintf("skiff: %s retries exhausted after %d attempts on %s route",
		api, e.Attempts, e.Route)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// BootstrapError reports that every configured bootstrap server failed
// across the bootstrap retry policy, or that none were configured.
type BootstrapError struct {
	Servers  []string
	Attempts int
	Err      error
}

func (e *BootstrapError) Error() string {
	if len(e.Servers) == 0 {
		return "skiff: bootstrap exhausted: no bootstrap servers configured"
	}
	return fmt.Sprintf("skiff: bootstrap exhausted after %d attempts across [%s]",
		e.Attempts, strings.Join(e.Servers, ", "))
}

func (e *BootstrapError) Unwrap() error { return e.Err }

// EscalationError wraps a protocol error code the core refuses to absorb,
// together with the request and response it arrived in.
type EscalationError struct {
	Code     int16
	Req      kmsg.Request
	Resp     kmsg.Response
	Endpoint string
}

func (e *EscalationError) Error() string {
	api := kmsg.Key(e.Req.Key()).Name()
	if ke := kerr.ErrorForCode(e.Code); ke != nil {
		return fmt.Sprintf("skiff: %s request to %s failed: %v", api, e.Endpoint, ke)
	}
	return fmt.Sprintf("skiff: %s request to %s failed with error code %d", api, e.Endpoint, e.Code)
}

func (e *EscalationError) Unwrap() error {
	return kerr.ErrorForCode(e.Code)
}
