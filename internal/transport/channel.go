package transport

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kmsg"
)

// ErrChannelClosed is returned when sending on a channel that has been
// closed or has failed. Channel failure is terminal for the handle; callers
// open a fresh channel instead of retrying on this one.
var ErrChannelClosed = errors.New("transport: channel closed")

// Channel is a live bidirectional broker connection. Implementations are
// safe for concurrent use; requests on one channel are serialized.
type Channel interface {
	// Send writes the request and waits for the correlated response.
	Send(ctx context.Context, req kmsg.Request) (kmsg.Response, error)

	// Endpoint returns the address the channel is connected to. Stable for
	// the lifetime of the channel.
	Endpoint() EndPoint

	// EnsureOpen reports whether the channel can still be used, checking the
	// socket for a remote hangup without consuming data.
	EnsureOpen() error

	// Close tears the connection down. Idempotent.
	Close() error
}

// TransportError is a transient channel failure: the socket broke during
// dial, write, or read. The channel is dead, but the request may be retried
// on a fresh channel after rerouting.
type TransportError struct {
	Endpoint EndPoint
	Op       string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s %s: %v", e.Op, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// FrameError is a fatal framing failure: a negative or oversized length
// prefix, or a correlation ID that does not match the in-flight request.
// The stream is unrecoverable and the error must propagate to the caller.
type FrameError struct {
	Endpoint EndPoint
	Reason   string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("transport: framing error from %s: %s", e.Endpoint, e.Reason)
}

// DecodeError is a fatal response-decode failure. The bytes were framed and
// correlated correctly but do not parse as the expected message.
type DecodeError struct {
	Endpoint EndPoint
	Key      int16
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("transport: decoding %s response from %s: %v",
		kmsg.Key(e.Key).Name(), e.Endpoint, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsFatal reports whether err must propagate to the caller unconditionally,
// with no broker eviction and no retry.
func IsFatal(err error) bool {
	var fe *FrameError
	var de *DecodeError
	return errors.As(err, &fe) || errors.As(err, &de)
}

// TCPConfig holds socket-level settings, passed through opaquely from the
// client configuration.
type TCPConfig struct {
	DialTimeout      time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	MaxResponseBytes int32
}

// DefaultTCPConfig returns a TCPConfig with sensible defaults.
func DefaultTCPConfig() TCPConfig {
	return TCPConfig{
		DialTimeout:      10 * time.Second,
		ReadTimeout:      30 * time.Second,
		WriteTimeout:     30 * time.Second,
		MaxResponseBytes: 100 * 1024 * 1024, // 100MB
	}
}

// DialConfig carries everything a channel needs besides the endpoint.
type DialConfig struct {
	// ConnID is the owning handle's connection ID, for log correlation.
	ConnID string

	// ClientID is sent in the header of every request.
	ClientID string

	// Versions is the shared, swappable API version table. May be nil, in
	// which case requests go out at whatever version the caller set.
	Versions *Versions

	// TCP holds socket-level settings.
	TCP TCPConfig
}

// VersionTable maps API keys to the maximum usable request version.
// Immutable once constructed.
type VersionTable struct {
	max map[int16]int16
}

// NewVersionTable copies m into a table.
func NewVersionTable(m map[int16]int16) *VersionTable {
	cp := make(map[int16]int16, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return &VersionTable{max: cp}
}

// Max returns the maximum usable version for key.
func (t *VersionTable) Max(key int16) (int16, bool) {
	v, ok := t.max[key]
	return v, ok
}

// Versions is a swappable holder for the active VersionTable. The handle
// replaces the table after ApiVersions negotiation; channels read it on
// every send.
type Versions struct {
	p atomic.Pointer[VersionTable]
}

// NewVersions returns a holder seeded with t.
func NewVersions(t *VersionTable) *Versions {
	v := &Versions{}
	if t != nil {
		v.p.Store(t)
	}
	return v
}

// Load returns the active table, or nil if none was installed.
func (v *Versions) Load() *VersionTable {
	if v == nil {
		return nil
	}
	return v.p.Load()
}

// Store installs a new active table.
func (v *Versions) Store(t *VersionTable) {
	v.p.Store(t)
}
