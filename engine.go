package skiff

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/skiff-io/skiff/internal/cluster"
	"github.com/skiff-io/skiff/internal/logging"
	"github.com/skiff-io/skiff/internal/metrics"
	"github.com/skiff-io/skiff/internal/recovery"
	"github.com/skiff-io/skiff/internal/retry"
	"github.com/skiff-io/skiff/internal/routing"
	"github.com/skiff-io/skiff/internal/transport"
)

type dialFunc func(ctx context.Context, cfg transport.DialConfig, ep transport.EndPoint) (transport.Channel, error)

type resolveFunc func(ctx context.Context, host string, port uint16) ([]transport.EndPoint, error)

// engine orchestrates route, send, classify, recover, and retry. All
// methods taking a snap pointer run in one of two modes: normal mode (snap
// nil) reads and writes cluster state through the cell; critical mode (snap
// non-nil) threads a state snapshot through the call instead, because the
// caller already holds the cell's writer slot and going back through the
// queue would deadlock. Critical-mode results are committed by the outer
// updater.
type engine struct {
	cell    *cluster.Cell
	dial    dialFunc
	resolve resolveFunc
	dialCfg transport.DialConfig

	seeds    []BrokerAddr
	rawSeeds []string

	requestRetry   retry.Policy
	bootstrapRetry retry.Policy

	log         *logging.Logger
	reqMetrics  *metrics.RequestMetrics
	connMetrics *metrics.ConnectionMetrics
}

func (e *engine) peek(snap **cluster.State) *cluster.State {
	if snap != nil {
		return *snap
	}
	return e.cell.Peek()
}

// Send routes a request, delivers it, and recovers from routing staleness
// and channel failures until it has a response or the retry budget is
// spent.
func (e *engine) Send(ctx context.Context, req kmsg.Request) (kmsg.Response, error) {
	start := time.Now()
	resp, err := e.send(ctx, req, retry.State{}, nil)
	e.reqMetrics.Observe(kmsg.Key(req.Key()).Name(), time.Since(start), err == nil)
	return resp, err
}

func (e *engine) send(ctx context.Context, req kmsg.Request, rs retry.State, snap **cluster.State) (kmsg.Response, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		s := e.peek(snap)
		stops, err := routing.Plan(s, req)
		if err != nil {
			var miss *routing.MissError
			if !errors.As(err, &miss) {
				return nil, err
			}
			next, rerr := e.advance(ctx, rs)
			if rerr != nil {
				if errors.Is(rerr, retry.ErrExhausted) {
					return nil, &MissingRouteError{Route: miss.Route, Attempts: rs.Attempt + 1}
				}
				return nil, rerr
			}
			rs = next
			if rerr := e.recover(ctx, miss.Route, s.Version, snap); rerr != nil {
				return nil, rerr
			}
			continue
		}

		if len(stops) > 1 {
			return e.scatter(ctx, req, stops, rs, snap)
		}
		stop := stops[0]

		resp, verdict, err := e.sendStop(ctx, stop, snap)
		if err != nil {
			if transport.IsFatal(err) {
				return nil, err
			}
			// Transient channel failure: the broker is gone as far as this
			// handle is concerned. Evict it, rediscover whatever the
			// request was routed by, and retry.
			e.evict(stop.Broker, snap)
			rt := routing.TypeOf(stop.Req)
			next, rerr := e.advance(ctx, rs)
			if rerr != nil {
				if errors.Is(rerr, retry.ErrExhausted) {
					return nil, &RetryExhaustedError{Route: rt, Attempts: rs.Attempt + 1, Req: stop.Req, Err: err}
				}
				return nil, rerr
			}
			rs = next
			if rerr := e.recover(ctx, rt, s.Version, snap); rerr != nil {
				return nil, rerr
			}
			continue
		}

		if verdict == nil || verdict.Action == recovery.ActionPassThru {
			return resp, nil
		}

		switch verdict.Action {
		case recovery.ActionEscalate:
			return nil, &EscalationError{
				Code:     verdict.Code,
				Req:      stop.Req,
				Resp:     resp,
				Endpoint: stop.Broker.Addr(),
			}

		case recovery.ActionRefreshMetadata:
			e.log.Infof("routing state stale, refreshing metadata", map[string]any{
				"api":    kmsg.Key(req.Key()).Name(),
				"code":   verdict.Code,
				"topics": verdict.Topics,
				"broker": stop.Broker.NodeID,
			})
			next, rerr := e.advance(ctx, rs)
			if rerr != nil {
				if errors.Is(rerr, retry.ErrExhausted) {
					return nil, &RetryExhaustedError{Route: routing.TypeOf(req), Attempts: rs.Attempt + 1, Req: stop.Req, Resp: resp}
				}
				return nil, rerr
			}
			rs = next
			// Opening this stop's channel commits a newer state than the one
			// the request was planned on. While the committed state still
			// routes the request to the same broker, no refresh has landed
			// since the error, so the refresh must not short-circuit on that
			// newer version.
			from := s.Version
			if cur := e.peek(snap); cur.Version > from {
				if again, perr := routing.Plan(cur, req); perr == nil && len(again) == 1 && again[0].Broker == stop.Broker {
					from = cur.Version
				}
			}
			if rerr := e.refreshMetadata(ctx, verdict.Topics, from, snap); rerr != nil {
				return nil, rerr
			}
			continue

		case recovery.ActionWaitRetry:
			next, rerr := e.advance(ctx, rs)
			if rerr != nil {
				if errors.Is(rerr, retry.ErrExhausted) {
					return nil, &RetryExhaustedError{Route: routing.TypeOf(req), Attempts: rs.Attempt + 1, Req: stop.Req, Resp: resp}
				}
				return nil, rerr
			}
			rs = next
			continue

		default:
			return nil, fmt.Errorf("skiff: unhandled recovery action %v", verdict.Action)
		}
	}
}

// advance moves the retry state forward, sleeping the policy's backoff.
func (e *engine) advance(ctx context.Context, rs retry.State) (retry.State, error) {
	next, err := e.requestRetry.Await(ctx, rs)
	if err != nil {
		return rs, err
	}
	e.reqMetrics.Retry()
	return next, nil
}

// sendStop delivers one routed sub-request and classifies the response.
func (e *engine) sendStop(ctx context.Context, stop routing.Stop, snap **cluster.State) (kmsg.Response, *recovery.Verdict, error) {
	ch, err := e.channelFor(ctx, stop.Broker, snap)
	if err != nil {
		return nil, nil, err
	}
	resp, err := ch.Send(ctx, stop.Req)
	if err != nil {
		return nil, nil, err
	}
	return resp, recovery.Classify(resp), nil
}

// scatter fans a multi-stop plan out concurrently, each leg running the
// full send-with-recovery loop for its own sub-request, and gathers the
// responses. Critical paths cannot fan out (discovery requests are
// single-stop); legs run sequentially there as a belt-and-braces fallback.
func (e *engine) scatter(ctx context.Context, req kmsg.Request, stops []routing.Stop, rs retry.State, snap **cluster.State) (kmsg.Response, error) {
	resps := make([]kmsg.Response, len(stops))

	if snap != nil {
		for i, st := range stops {
			r, err := e.send(ctx, st.Req, rs, snap)
			if err != nil {
				return nil, err
			}
			resps[i] = r
		}
		return routing.Gather(req, resps)
	}

	errs := make([]error, len(stops))
	var wg sync.WaitGroup
	for i, st := range stops {
		wg.Add(1)
		go func(i int, st routing.Stop) {
			defer wg.Done()
			resps[i], errs[i] = e.send(ctx, st.Req, rs, nil)
		}(i, st)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return routing.Gather(req, resps)
}

// channelFor returns the broker's channel, opening one lazily. In normal
// mode the open runs inside the cell so concurrent callers share a single
// dial; in critical mode it runs inline against the snapshot.
func (e *engine) channelFor(ctx context.Context, b cluster.Broker, snap **cluster.State) (transport.Channel, error) {
	s := e.peek(snap)
	if ch, ok := s.ChannelFor(b); ok {
		if err := ch.EnsureOpen(); err == nil {
			return ch, nil
		}
	}

	if snap != nil {
		ch, err := e.open(ctx, b)
		if err != nil {
			return nil, err
		}
		*snap = (*snap).WithChannel(b, ch)
		return ch, nil
	}

	_, ch, err := cluster.UpdateWithResult(e.cell, func(s *cluster.State) (*cluster.State, transport.Channel, error) {
		if ch, ok := s.ChannelFor(b); ok {
			if err := ch.EnsureOpen(); err == nil {
				return s, ch, nil
			}
		}
		ch, err := e.open(ctx, b)
		if err != nil {
			return nil, nil, err
		}
		return s.WithChannel(b, ch), ch, nil
	})
	return ch, err
}

// open resolves and dials a broker.
func (e *engine) open(ctx context.Context, b cluster.Broker) (transport.Channel, error) {
	eps, err := e.resolve(ctx, b.Host, b.Port)
	if err != nil {
		return nil, err
	}
	ep := eps[0]

	ch, err := e.dial(ctx, e.dialCfg, ep)
	if err != nil {
		e.connMetrics.DialFailed()
		return nil, err
	}
	e.connMetrics.ChannelOpened()
	e.log.Debugf("channel opened", map[string]any{"broker": b.NodeID, "addr": ep.String()})
	return ch, nil
}

// evict removes a broker and its channel from the state.
func (e *engine) evict(b cluster.Broker, snap **cluster.State) {
	e.log.Warnf("evicting broker after channel failure", map[string]any{
		"broker": b.NodeID,
		"addr":   b.Addr(),
	})
	e.connMetrics.BrokerEvicted()

	drop := func(s *cluster.State) *cluster.State {
		if _, ok := s.ChannelFor(b); ok {
			e.connMetrics.ChannelClosed()
		}
		return s.WithoutBroker(b)
	}
	if snap != nil {
		*snap = drop(*snap)
		return
	}
	_, _ = e.cell.Update(drop)
}

// recover runs the discovery matching a route type.
func (e *engine) recover(ctx context.Context, rt routing.RouteType, fromVersion int64, snap **cluster.State) error {
	e.reqMetrics.Recovery(rt.Kind.String())
	switch rt.Kind {
	case routing.KindBootstrap:
		return e.bootstrap(ctx, snap)
	case routing.KindGroup:
		return e.refreshCoordinator(ctx, rt.Group, snap)
	case routing.KindTopic:
		return e.refreshMetadata(ctx, rt.Topics, fromVersion, snap)
	case routing.KindAllBrokers:
		return e.refreshMetadata(ctx, nil, fromVersion, snap)
	default:
		return fmt.Errorf("skiff: unhandled route type %v", rt.Kind)
	}
}

// covered reports whether a snapshot already satisfies a metadata refresh
// request: the wanted topics are present, or (for a full refresh) any
// brokers are known at all.
func covered(s *cluster.State, topics []string) bool {
	if len(topics) == 0 {
		return len(s.BrokersByNode) > 0
	}
	return s.HasTopics(topics)
}

// refreshMetadata fetches metadata for topics (all topics when empty) and
// applies it. In normal mode queued refreshers coalesce: an updater whose
// caller routed on version fromVersion short-circuits when the committed
// version has moved past it and the coverage it wanted is already there.
func (e *engine) refreshMetadata(ctx context.Context, topics []string, fromVersion int64, snap **cluster.State) error {
	if snap != nil {
		ns, err := e.fetchAndApplyMetadata(ctx, topics, *snap)
		if err != nil {
			return err
		}
		*snap = ns
		return nil
	}

	_, err := e.cell.UpdateFunc(ctx, func(ctx context.Context, s *cluster.State) (*cluster.State, error) {
		if s.Version > fromVersion && covered(s, topics) {
			e.log.Debugf("metadata refresh short-circuited", map[string]any{
				"topics":       topics,
				"fromVersion":  fromVersion,
				"currentState": s.Version,
			})
			return s, nil
		}
		return e.fetchAndApplyMetadata(ctx, topics, s)
	})
	return err
}

func (e *engine) fetchAndApplyMetadata(ctx context.Context, topics []string, s *cluster.State) (*cluster.State, error) {
	req := kmsg.NewPtrMetadataRequest()
	for _, t := range topics {
		mt := kmsg.NewMetadataRequestTopic()
		topic := t
		mt.Topic = &topic
		req.Topics = append(req.Topics, mt)
	}

	// The fetch itself routes through the engine in critical mode: it may
	// redo bootstrap inline against this snapshot, and its state changes
	// ride along for the outer updater to commit.
	snap := s
	resp, err := e.send(ctx, req, retry.State{}, &snap)
	if err != nil {
		return nil, err
	}
	md, ok := resp.(*kmsg.MetadataResponse)
	if !ok {
		return nil, fmt.Errorf("skiff: unexpected metadata response type %T", resp)
	}
	return e.applyMetadata(snap, md), nil
}

func (e *engine) applyMetadata(s *cluster.State, md *kmsg.MetadataResponse) *cluster.State {
	brokers := make([]cluster.Broker, 0, len(md.Brokers))
	for _, b := range md.Brokers {
		brokers = append(brokers, cluster.Broker{NodeID: b.NodeID, Host: b.Host, Port: uint16(b.Port)})
	}

	var leaders []cluster.PartitionLeader
	for _, t := range md.Topics {
		topic := ""
		if t.Topic != nil {
			topic = *t.Topic
		}
		for _, p := range t.Partitions {
			if p.Leader < 0 {
				e.log.Warnf("leaderless partition in metadata", map[string]any{
					"topic":     topic,
					"partition": p.Partition,
				})
			}
			leaders = append(leaders, cluster.PartitionLeader{
				Topic:     topic,
				Partition: p.Partition,
				Leader:    p.Leader,
			})
		}
	}
	return s.WithMetadata(brokers, leaders)
}

// refreshCoordinator fetches and installs the coordinator for a group.
// Coordinator refreshes never short-circuit: a queued refresher re-asks
// even when a coordinator is already present.
func (e *engine) refreshCoordinator(ctx context.Context, group string, snap **cluster.State) error {
	if snap != nil {
		ns, err := e.fetchAndApplyCoordinator(ctx, group, *snap)
		if err != nil {
			return err
		}
		*snap = ns
		return nil
	}

	_, err := e.cell.UpdateFunc(ctx, func(ctx context.Context, s *cluster.State) (*cluster.State, error) {
		return e.fetchAndApplyCoordinator(ctx, group, s)
	})
	return err
}

func (e *engine) fetchAndApplyCoordinator(ctx context.Context, group string, s *cluster.State) (*cluster.State, error) {
	req := kmsg.NewPtrFindCoordinatorRequest()
	req.CoordinatorKey = group
	req.CoordinatorKeys = []string{group}

	snap := s
	resp, err := e.send(ctx, req, retry.State{}, &snap)
	if err != nil {
		return nil, err
	}
	fc, ok := resp.(*kmsg.FindCoordinatorResponse)
	if !ok {
		return nil, fmt.Errorf("skiff: unexpected find-coordinator response type %T", resp)
	}

	nodeID, host, port := fc.NodeID, fc.Host, fc.Port
	if len(fc.Coordinators) > 0 {
		c := fc.Coordinators[0]
		nodeID, host, port = c.NodeID, c.Host, c.Port
	}
	b := cluster.Broker{NodeID: nodeID, Host: host, Port: uint16(port)}
	e.log.Infof("group coordinator installed", map[string]any{
		"group":  group,
		"broker": b.NodeID,
		"addr":   b.Addr(),
	})
	return snap.WithCoordinator(group, b), nil
}

// bootstrap walks the configured seed list until a channel opens, retrying
// rounds under the bootstrap policy. An empty seed list fails without any
// I/O.
func (e *engine) bootstrap(ctx context.Context, snap **cluster.State) error {
	if len(e.seeds) == 0 {
		return &BootstrapError{}
	}

	if snap != nil {
		ns, err := e.doBootstrap(ctx, *snap)
		if err != nil {
			return err
		}
		*snap = ns
		return nil
	}

	_, err := e.cell.UpdateFunc(ctx, func(ctx context.Context, s *cluster.State) (*cluster.State, error) {
		if s.Bootstrap != nil {
			if ch, ok := s.ChannelFor(*s.Bootstrap); ok && ch.EnsureOpen() == nil {
				return s, nil // a queued bootstrap already succeeded
			}
		}
		return e.doBootstrap(ctx, s)
	})
	return err
}

func (e *engine) doBootstrap(ctx context.Context, s *cluster.State) (*cluster.State, error) {
	rs := retry.State{}
	var lastErr error
	for {
		for _, seed := range e.seeds {
			b := cluster.Broker{NodeID: cluster.BootstrapNodeID, Host: seed.Host, Port: seed.Port}
			ch, err := e.open(ctx, b)
			if err != nil {
				lastErr = err
				e.log.Warnf("bootstrap server unreachable", map[string]any{
					"server": seed.String(),
					"error":  err.Error(),
				})
				continue
			}
			e.log.Infof("bootstrap broker connected", map[string]any{"server": seed.String()})
			return s.WithChannel(b, ch).WithBootstrap(b), nil
		}

		next, err := e.bootstrapRetry.Await(ctx, rs)
		if err != nil {
			if errors.Is(err, retry.ErrExhausted) {
				return nil, &BootstrapError{Servers: e.rawSeeds, Attempts: rs.Attempt + 1, Err: lastErr}
			}
			return nil, err
		}
		rs = next
	}
}
