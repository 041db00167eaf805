// Package skiff is a client library for partitioned, replicated,
// broker-based log messaging clusters speaking the Kafka wire protocol. It
// implements the routing and recovery core: a single logical connection
// handle that routes each request to the right broker, maintains channels
// transparently, refreshes stale routing state on error, and retries under
// a configured policy. Producer, consumer, and admin layers build on
// Conn.Send with kmsg request types.
package skiff

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/skiff-io/skiff/internal/cluster"
	"github.com/skiff-io/skiff/internal/logging"
	"github.com/skiff-io/skiff/internal/metrics"
	"github.com/skiff-io/skiff/internal/transport"
)

// Conn is the connection handle: the single public entry point to the
// routing core. It is safe for concurrent use; many callers may Send at
// once.
type Conn struct {
	cfg      *Config
	log      *logging.Logger
	cell     *cluster.Cell
	eng      *engine
	versions *transport.Versions
	version  serverVersion

	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
}

// New builds an unconnected handle. Most callers use Dial instead.
func New(cfg *Config) (*Conn, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	seeds, ver, err := cfg.normalize()
	if err != nil {
		return nil, err
	}

	log := logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.Observability.LogLevel),
		Format: logging.ParseFormat(cfg.Observability.LogFormat),
	}).WithConnID(cfg.ConnID)

	versions := transport.NewVersions(pinnedVersionTable(ver))
	cell := cluster.NewCell()

	c := &Conn{
		cfg:      cfg,
		log:      log,
		cell:     cell,
		versions: versions,
		version:  ver,
		done:     make(chan struct{}),
	}
	c.eng = &engine{
		cell:    cell,
		dial:    transport.Dial,
		resolve: transport.Resolve,
		dialCfg: transport.DialConfig{
			ConnID:   cfg.ConnID,
			ClientID: cfg.ClientID,
			Versions: versions,
			TCP:      cfg.TCP.transport(),
		},
		seeds:          seeds,
		rawSeeds:       cfg.BootstrapServers,
		requestRetry:   cfg.RequestRetry.Policy(),
		bootstrapRetry: cfg.BootstrapRetry.Policy(),
		log:            log,
	}
	return c, nil
}

// Dial builds a handle and connects it.
func Dial(ctx context.Context, cfg *Config) (*Conn, error) {
	c, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// WithMetrics attaches Prometheus collectors to the handle. Returns the
// handle for chaining; call before Connect.
func (c *Conn) WithMetrics(rm *metrics.RequestMetrics, cm *metrics.ConnectionMetrics) *Conn {
	c.eng.reqMetrics = rm
	c.eng.connMetrics = cm
	return c
}

// Connect bootstraps the handle: it walks the configured bootstrap servers
// until one yields a channel, then (when enabled and the broker version
// supports it) negotiates API versions.
func (c *Conn) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}

	if err := c.eng.bootstrap(ctx, nil); err != nil {
		return err
	}

	if c.cfg.AutoAPIVersions && c.version.atLeast(autoAPIVersionsBaseline) {
		resp, err := c.Send(ctx, kmsg.NewPtrApiVersionsRequest())
		if err != nil {
			return err
		}
		av, ok := resp.(*kmsg.ApiVersionsResponse)
		if !ok || av.ErrorCode != 0 {
			c.log.Warn("api version negotiation rejected, keeping pinned versions")
			return nil
		}
		c.versions.Store(negotiatedVersionTable(av))
		c.log.Infof("api versions negotiated", map[string]any{"apis": len(av.ApiKeys)})
	}
	return nil
}

// Send routes a request to the broker(s) it belongs on and returns the
// response, transparently recovering from stale routing state, moved
// coordinators, and dropped channels.
func (c *Conn) Send(ctx context.Context, req kmsg.Request) (kmsg.Response, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	return c.eng.Send(ctx, req)
}

// GetMetadata fetches cluster metadata for the given topics, or for all
// topics when none are named.
func (c *Conn) GetMetadata(ctx context.Context, topics ...string) (*kmsg.MetadataResponse, error) {
	req := kmsg.NewPtrMetadataRequest()
	for _, t := range topics {
		mt := kmsg.NewMetadataRequestTopic()
		topic := t
		mt.Topic = &topic
		req.Topics = append(req.Topics, mt)
	}
	resp, err := c.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.(*kmsg.MetadataResponse), nil
}

// GetGroupCoordinator fetches the coordinator for a group.
func (c *Conn) GetGroupCoordinator(ctx context.Context, group string) (*kmsg.FindCoordinatorResponse, error) {
	req := kmsg.NewPtrFindCoordinatorRequest()
	req.CoordinatorKey = group
	req.CoordinatorKeys = []string{group}
	resp, err := c.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.(*kmsg.FindCoordinatorResponse), nil
}

// APIVersion returns the maximum usable request version for an API key
// under the active (pinned or negotiated) version table.
func (c *Conn) APIVersion(key int16) (int16, bool) {
	t := c.versions.Load()
	if t == nil {
		return 0, false
	}
	return t.Max(key)
}

// ConnID returns the handle's unique connection ID.
func (c *Conn) ConnID() string {
	return c.cfg.ConnID
}

// Done returns a channel closed when the handle is closed. Auxiliary
// long-running tasks use it as their cancellation signal.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close signals cancellation and disposes the state cell, closing every
// broker channel. In-flight sends observe cancellation through their
// channels failing. Idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		_ = c.cell.Close()
		c.log.Info("connection closed")
	})
	return nil
}
