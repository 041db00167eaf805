package transport

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kbin"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// apiVersionsKey is the ApiVersions API key. Its response header is always
// v0 even on flexible request versions, so the tag skip must not run.
const apiVersionsKey = 18

// tcpChannel is the production Channel: one TCP connection, length-prefixed
// frames, one in-flight request at a time. The engine achieves parallelism
// by fanning out across channels, not within one.
type tcpChannel struct {
	cfg  DialConfig
	ep   EndPoint
	conn net.Conn

	fmtr *kmsg.RequestFormatter

	mu     sync.Mutex
	corrID int32
	closed atomic.Bool
}

// Dial opens a channel to the endpoint. The endpoint must carry a resolved
// address; no DNS happens here.
func Dial(ctx context.Context, cfg DialConfig, ep EndPoint) (Channel, error) {
	if cfg.TCP.DialTimeout == 0 {
		cfg.TCP = DefaultTCPConfig()
	}

	d := net.Dialer{Timeout: cfg.TCP.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", ep.String())
	if err != nil {
		return nil, &TransportError{Endpoint: ep, Op: "dial", Err: err}
	}

	return &tcpChannel{
		cfg:  cfg,
		ep:   ep,
		conn: conn,
		fmtr: kmsg.NewRequestFormatter(kmsg.FormatterClientID(cfg.ClientID)),
	}, nil
}

func (c *tcpChannel) Endpoint() EndPoint { return c.ep }

func (c *tcpChannel) Send(ctx context.Context, req kmsg.Request) (kmsg.Response, error) {
	if c.closed.Load() {
		return nil, ErrChannelClosed
	}

	c.pinVersion(req)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return nil, ErrChannelClosed
	}

	corrID := c.corrID
	c.corrID++

	if err := c.writeRequest(ctx, req, corrID); err != nil {
		c.die()
		return nil, err
	}

	payload, err := c.readResponse(ctx, req, corrID)
	if err != nil {
		c.die()
		return nil, err
	}

	resp := req.ResponseKind()
	resp.SetVersion(req.GetVersion())
	if err := resp.ReadFrom(payload); err != nil {
		c.die()
		return nil, &DecodeError{Endpoint: c.ep, Key: req.Key(), Err: err}
	}
	return resp, nil
}

// pinVersion clamps the request version to the active table's maximum for
// its API key.
func (c *tcpChannel) pinVersion(req kmsg.Request) {
	t := c.cfg.Versions.Load()
	if t == nil {
		return
	}
	if max, ok := t.Max(req.Key()); ok {
		v := req.MaxVersion()
		if max < v {
			v = max
		}
		req.SetVersion(v)
	}
}

func (c *tcpChannel) writeRequest(ctx context.Context, req kmsg.Request, corrID int32) error {
	buf := c.fmtr.AppendRequest(nil, req, corrID)

	if wt := c.cfg.TCP.WriteTimeout; wt > 0 {
		deadline := time.Now().Add(wt)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		_ = c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}

	if _, err := c.conn.Write(buf); err != nil {
		return &TransportError{Endpoint: c.ep, Op: "write", Err: err}
	}
	return nil
}

func (c *tcpChannel) readResponse(ctx context.Context, req kmsg.Request, corrID int32) ([]byte, error) {
	if rt := c.cfg.TCP.ReadTimeout; rt > 0 {
		deadline := time.Now().Add(rt)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		_ = c.conn.SetReadDeadline(deadline)
		defer c.conn.SetReadDeadline(time.Time{})
	}

	var sizeBuf [4]byte
	if _, err := io.ReadFull(c.conn, sizeBuf[:]); err != nil {
		return nil, &TransportError{Endpoint: c.ep, Op: "read", Err: err}
	}
	size := int32(binary.BigEndian.Uint32(sizeBuf[:]))
	if size < 0 {
		return nil, &FrameError{Endpoint: c.ep, Reason: "negative response size"}
	}
	if max := c.cfg.TCP.MaxResponseBytes; max > 0 && size > max {
		return nil, &FrameError{Endpoint: c.ep, Reason: "response exceeds size limit"}
	}
	if size < 4 {
		return nil, &FrameError{Endpoint: c.ep, Reason: "response shorter than header"}
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return nil, &TransportError{Endpoint: c.ep, Op: "read", Err: err}
	}

	gotID := int32(binary.BigEndian.Uint32(buf[:4]))
	if gotID != corrID {
		return nil, &FrameError{Endpoint: c.ep, Reason: "correlation ID mismatch"}
	}

	// Flexible response headers carry tagged fields after the correlation
	// ID. ApiVersions responses always use the v0 header.
	if req.IsFlexible() && req.Key() != apiVersionsKey {
		b := kbin.Reader{Src: buf[4:]}
		kmsg.SkipTags(&b)
		if err := b.Complete(); err != nil {
			return nil, &DecodeError{Endpoint: c.ep, Key: req.Key(), Err: err}
		}
		return b.Src, nil
	}
	return buf[4:], nil
}

func (c *tcpChannel) EnsureOpen() error {
	if c.closed.Load() {
		return ErrChannelClosed
	}
	if hangup := connHungUp(c.conn); hangup {
		c.die()
		return ErrChannelClosed
	}
	return nil
}

// die marks the channel dead and closes the socket. Safe to call multiple
// times and from Send while holding the mutex.
func (c *tcpChannel) die() {
	if c.closed.CompareAndSwap(false, true) {
		_ = c.conn.Close()
	}
}

func (c *tcpChannel) Close() error {
	c.die()
	return nil
}
