// Package routing maps protocol requests onto brokers. Planning is a pure
// function over a cluster snapshot: it either yields one or more
// (sub-request, broker) stops, or fails with the route type that is missing
// so the engine knows which discovery to run.
package routing

import (
	"fmt"
	"sort"
	"strings"

	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/skiff-io/skiff/internal/cluster"
)

// Kind is the cause of a routing miss, and equally the category a request
// routes by.
type Kind int

const (
	// KindBootstrap routes to the bootstrap broker.
	KindBootstrap Kind = iota
	// KindTopic routes partitions to their leaders.
	KindTopic
	// KindGroup routes to a group's coordinator.
	KindGroup
	// KindAllBrokers fans out to every known broker.
	KindAllBrokers
)

func (k Kind) String() string {
	switch k {
	case KindBootstrap:
		return "bootstrap"
	case KindTopic:
		return "topic"
	case KindGroup:
		return "group"
	case KindAllBrokers:
		return "all-brokers"
	default:
		return "unknown"
	}
}

// RouteType tags a route category with its arguments: the topics a topic
// route was missing, or the group a group route serves.
type RouteType struct {
	Kind   Kind
	Topics []string
	Group  string
}

func (rt RouteType) String() string {
	switch rt.Kind {
	case KindTopic:
		return fmt.Sprintf("topic[%s]", strings.Join(rt.Topics, ","))
	case KindGroup:
		return fmt.Sprintf("group[%s]", rt.Group)
	default:
		return rt.Kind.String()
	}
}

// BootstrapRoute returns the bootstrap route type.
func BootstrapRoute() RouteType { return RouteType{Kind: KindBootstrap} }

// TopicRoute returns a topic route type over the given topics.
func TopicRoute(topics ...string) RouteType { return RouteType{Kind: KindTopic, Topics: topics} }

// GroupRoute returns a group route type for the given group.
func GroupRoute(group string) RouteType { return RouteType{Kind: KindGroup, Group: group} }

// AllBrokersRoute returns the all-brokers route type.
func AllBrokersRoute() RouteType { return RouteType{Kind: KindAllBrokers} }

// MissError reports that the snapshot had no broker for the route the
// request needs. The engine dispatches discovery by the Route field.
type MissError struct {
	Route RouteType
}

func (e *MissError) Error() string {
	return fmt.Sprintf("routing: no broker for %s route", e.Route)
}

// Stop is one leg of a routed request.
type Stop struct {
	Req    kmsg.Request
	Broker cluster.Broker
}

// Plan routes a request against a snapshot. On success the returned stops
// are never empty; multi-stop plans are ordered by broker node ID. A miss
// returns *MissError.
func Plan(s *cluster.State, req kmsg.Request) ([]Stop, error) {
	switch r := req.(type) {
	case *kmsg.MetadataRequest, *kmsg.FindCoordinatorRequest, *kmsg.ApiVersionsRequest:
		if s.Bootstrap == nil {
			return nil, &MissError{Route: BootstrapRoute()}
		}
		return []Stop{{Req: req, Broker: *s.Bootstrap}}, nil

	case *kmsg.DescribeGroupsRequest:
		return planAllBrokers(s, func() kmsg.Request { cp := *r; return &cp })
	case *kmsg.ListGroupsRequest:
		return planAllBrokers(s, func() kmsg.Request { cp := *r; return &cp })

	case *kmsg.OffsetCommitRequest:
		return planGroup(s, req, r.Group)
	case *kmsg.OffsetFetchRequest:
		return planGroup(s, req, r.Group)
	case *kmsg.JoinGroupRequest:
		return planGroup(s, req, r.Group)
	case *kmsg.SyncGroupRequest:
		return planGroup(s, req, r.Group)
	case *kmsg.HeartbeatRequest:
		return planGroup(s, req, r.Group)
	case *kmsg.LeaveGroupRequest:
		return planGroup(s, req, r.Group)

	case *kmsg.ProduceRequest:
		return planProduce(s, r)
	case *kmsg.FetchRequest:
		return planFetch(s, r)
	case *kmsg.ListOffsetsRequest:
		return planListOffsets(s, r)

	default:
		return nil, fmt.Errorf("routing: unroutable request %s", kmsg.Key(req.Key()).Name())
	}
}

// TypeOf derives the request's route type without consulting state. Used to
// pick the discovery to run after a channel-level failure.
func TypeOf(req kmsg.Request) RouteType {
	switch r := req.(type) {
	case *kmsg.MetadataRequest, *kmsg.FindCoordinatorRequest, *kmsg.ApiVersionsRequest:
		return BootstrapRoute()
	case *kmsg.DescribeGroupsRequest, *kmsg.ListGroupsRequest:
		return AllBrokersRoute()
	case *kmsg.OffsetCommitRequest:
		return GroupRoute(r.Group)
	case *kmsg.OffsetFetchRequest:
		return GroupRoute(r.Group)
	case *kmsg.JoinGroupRequest:
		return GroupRoute(r.Group)
	case *kmsg.SyncGroupRequest:
		return GroupRoute(r.Group)
	case *kmsg.HeartbeatRequest:
		return GroupRoute(r.Group)
	case *kmsg.LeaveGroupRequest:
		return GroupRoute(r.Group)
	case *kmsg.ProduceRequest:
		topics := make([]string, 0, len(r.Topics))
		for _, t := range r.Topics {
			topics = append(topics, t.Topic)
		}
		return TopicRoute(topics...)
	case *kmsg.FetchRequest:
		topics := make([]string, 0, len(r.Topics))
		for _, t := range r.Topics {
			topics = append(topics, t.Topic)
		}
		return TopicRoute(topics...)
	case *kmsg.ListOffsetsRequest:
		topics := make([]string, 0, len(r.Topics))
		for _, t := range r.Topics {
			topics = append(topics, t.Topic)
		}
		return TopicRoute(topics...)
	default:
		return BootstrapRoute()
	}
}

func planAllBrokers(s *cluster.State, dup func() kmsg.Request) ([]Stop, error) {
	brokers := s.Brokers()
	if len(brokers) == 0 {
		return nil, &MissError{Route: AllBrokersRoute()}
	}
	stops := make([]Stop, 0, len(brokers))
	for _, b := range brokers {
		stops = append(stops, Stop{Req: dup(), Broker: b})
	}
	return stops, nil
}

func planGroup(s *cluster.State, req kmsg.Request, group string) ([]Stop, error) {
	coord, ok := s.Coordinator(group)
	if !ok {
		return nil, &MissError{Route: GroupRoute(group)}
	}
	return []Stop{{Req: req, Broker: coord}}, nil
}

// missingTopics collects topics in first-seen order without duplicates.
type missingTopics struct {
	seen  map[string]bool
	order []string
}

func (m *missingTopics) add(topic string) {
	if m.seen == nil {
		m.seen = map[string]bool{}
	}
	if !m.seen[topic] {
		m.seen[topic] = true
		m.order = append(m.order, topic)
	}
}

func sortStops(stops map[int32]Stop) []Stop {
	out := make([]Stop, 0, len(stops))
	for _, st := range stops {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Broker.NodeID < out[j].Broker.NodeID })
	return out
}

func planProduce(s *cluster.State, r *kmsg.ProduceRequest) ([]Stop, error) {
	var missing missingTopics
	subs := map[int32]*kmsg.ProduceRequest{}
	brokers := map[int32]cluster.Broker{}

	for _, t := range r.Topics {
		for _, p := range t.Partitions {
			b, ok := s.Leader(t.Topic, p.Partition)
			if !ok {
				missing.add(t.Topic)
				continue
			}
			sub, ok := subs[b.NodeID]
			if !ok {
				cp := *r
				cp.Topics = nil
				sub = &cp
				subs[b.NodeID] = sub
				brokers[b.NodeID] = b
			}
			appendProducePartition(sub, t.Topic, p)
		}
	}
	if len(missing.order) > 0 {
		return nil, &MissError{Route: TopicRoute(missing.order...)}
	}
	if len(subs) == 0 {
		return nil, &MissError{Route: TypeOf(r)}
	}

	stops := map[int32]Stop{}
	for id, sub := range subs {
		stops[id] = Stop{Req: sub, Broker: brokers[id]}
	}
	return sortStops(stops), nil
}

func appendProducePartition(sub *kmsg.ProduceRequest, topic string, p kmsg.ProduceRequestTopicPartition) {
	for i := range sub.Topics {
		if sub.Topics[i].Topic == topic {
			sub.Topics[i].Partitions = append(sub.Topics[i].Partitions, p)
			return
		}
	}
	t := kmsg.NewProduceRequestTopic()
	t.Topic = topic
	t.Partitions = append(t.Partitions, p)
	sub.Topics = append(sub.Topics, t)
}

func planFetch(s *cluster.State, r *kmsg.FetchRequest) ([]Stop, error) {
	var missing missingTopics
	subs := map[int32]*kmsg.FetchRequest{}
	brokers := map[int32]cluster.Broker{}

	for _, t := range r.Topics {
		for _, p := range t.Partitions {
			b, ok := s.Leader(t.Topic, p.Partition)
			if !ok {
				missing.add(t.Topic)
				continue
			}
			sub, ok := subs[b.NodeID]
			if !ok {
				cp := *r
				cp.Topics = nil
				sub = &cp
				subs[b.NodeID] = sub
				brokers[b.NodeID] = b
			}
			appendFetchPartition(sub, t, p)
		}
	}
	if len(missing.order) > 0 {
		return nil, &MissError{Route: TopicRoute(missing.order...)}
	}
	if len(subs) == 0 {
		return nil, &MissError{Route: TypeOf(r)}
	}

	stops := map[int32]Stop{}
	for id, sub := range subs {
		stops[id] = Stop{Req: sub, Broker: brokers[id]}
	}
	return sortStops(stops), nil
}

func appendFetchPartition(sub *kmsg.FetchRequest, t kmsg.FetchRequestTopic, p kmsg.FetchRequestTopicPartition) {
	for i := range sub.Topics {
		if sub.Topics[i].Topic == t.Topic {
			sub.Topics[i].Partitions = append(sub.Topics[i].Partitions, p)
			return
		}
	}
	nt := kmsg.NewFetchRequestTopic()
	nt.Topic = t.Topic
	nt.TopicID = t.TopicID
	nt.Partitions = append(nt.Partitions, p)
	sub.Topics = append(sub.Topics, nt)
}

func planListOffsets(s *cluster.State, r *kmsg.ListOffsetsRequest) ([]Stop, error) {
	var missing missingTopics
	subs := map[int32]*kmsg.ListOffsetsRequest{}
	brokers := map[int32]cluster.Broker{}

	for _, t := range r.Topics {
		for _, p := range t.Partitions {
			b, ok := s.Leader(t.Topic, p.Partition)
			if !ok {
				missing.add(t.Topic)
				continue
			}
			sub, ok := subs[b.NodeID]
			if !ok {
				cp := *r
				cp.Topics = nil
				sub = &cp
				subs[b.NodeID] = sub
				brokers[b.NodeID] = b
			}
			appendListOffsetsPartition(sub, t.Topic, p)
		}
	}
	if len(missing.order) > 0 {
		return nil, &MissError{Route: TopicRoute(missing.order...)}
	}
	if len(subs) == 0 {
		return nil, &MissError{Route: TypeOf(r)}
	}

	stops := map[int32]Stop{}
	for id, sub := range subs {
		stops[id] = Stop{Req: sub, Broker: brokers[id]}
	}
	return sortStops(stops), nil
}

func appendListOffsetsPartition(sub *kmsg.ListOffsetsRequest, topic string, p kmsg.ListOffsetsRequestTopicPartition) {
	for i := range sub.Topics {
		if sub.Topics[i].Topic == topic {
			sub.Topics[i].Partitions = append(sub.Topics[i].Partitions, p)
			return
		}
	}
	t := kmsg.NewListOffsetsRequestTopic()
	t.Topic = topic
	t.Partitions = append(t.Partitions, p)
	sub.Topics = append(sub.Topics, t)
}
