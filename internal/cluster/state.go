// Package cluster holds the client's view of cluster topology: which
// brokers exist, which broker leads each topic-partition, which broker
// coordinates each group, and the open channels to them. The view is an
// immutable snapshot; all mutation goes through the Cell.
package cluster

import (
	"net"
	"sort"
	"strconv"

	"github.com/skiff-io/skiff/internal/transport"
)

// BootstrapNodeID is the sentinel node ID for brokers known only from the
// bootstrap list. Real assignments are non-negative.
const BootstrapNodeID int32 = -2

// Broker identifies a cluster node. Value equality across all three fields.
type Broker struct {
	NodeID int32
	Host   string
	Port   uint16
}

// Addr returns the broker's "host:port" form.
func (b Broker) Addr() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(int(b.Port)))
}

// IsBootstrap reports whether the broker is a bootstrap-only sentinel.
func (b Broker) IsBootstrap() bool {
	return b.NodeID < 0
}

// TopicPartition identifies one partition of a topic.
type TopicPartition struct {
	Topic     string
	Partition int32
}

// PartitionLeader is one entry of a metadata response: the leader node of a
// topic-partition. A negative Leader means the partition is leaderless.
type PartitionLeader struct {
	Topic     string
	Partition int32
	Leader    int32
}

// State is an immutable snapshot of the known cluster. Mutators return a
// new snapshot with Version bumped; the receiver is never changed.
type State struct {
	// Version increases on every mutation. Readers compare versions to
	// detect that a refresh they queued for already happened.
	Version int64

	// Bootstrap is the broker that supplied initial metadata, if any.
	Bootstrap *Broker

	// BrokersByNode maps node IDs to brokers, rebuilt on each metadata
	// apply.
	BrokersByNode map[int32]Broker

	// LeaderByPartition maps each topic-partition to its current leader.
	LeaderByPartition map[TopicPartition]Broker

	// CoordinatorByGroup maps group IDs to their coordinator broker.
	CoordinatorByGroup map[string]Broker

	chanByNode     map[int32]transport.Channel
	chanByEndpoint map[transport.EndPoint]transport.Channel
}

// Zero returns the empty state a handle starts from.
func Zero() *State {
	return &State{
		BrokersByNode:      map[int32]Broker{},
		LeaderByPartition:  map[TopicPartition]Broker{},
		CoordinatorByGroup: map[string]Broker{},
		chanByNode:         map[int32]transport.Channel{},
		chanByEndpoint:     map[transport.EndPoint]transport.Channel{},
	}
}

func (s *State) clone() *State {
	next := &State{
		Version:            s.Version + 1,
		Bootstrap:          s.Bootstrap,
		BrokersByNode:      make(map[int32]Broker, len(s.BrokersByNode)),
		LeaderByPartition:  make(map[TopicPartition]Broker, len(s.LeaderByPartition)),
		CoordinatorByGroup: make(map[string]Broker, len(s.CoordinatorByGroup)),
		chanByNode:         make(map[int32]transport.Channel, len(s.chanByNode)),
		chanByEndpoint:     make(map[transport.EndPoint]transport.Channel, len(s.chanByEndpoint)),
	}
	for k, v := range s.BrokersByNode {
		next.BrokersByNode[k] = v
	}
	for k, v := range s.LeaderByPartition {
		next.LeaderByPartition[k] = v
	}
	for k, v := range s.CoordinatorByGroup {
		next.CoordinatorByGroup[k] = v
	}
	for k, v := range s.chanByNode {
		next.chanByNode[k] = v
	}
	for k, v := range s.chanByEndpoint {
		next.chanByEndpoint[k] = v
	}
	return next
}

// WithMetadata applies a metadata response: BrokersByNode is rebuilt from
// brokers, and each leader entry inserts, replaces, or (when the leader is
// negative or unknown) removes its partition mapping. Surviving partition
// entries are remapped to the fresh broker records; entries whose leader
// vanished from the cluster are dropped.
func (s *State) WithMetadata(brokers []Broker, leaders []PartitionLeader) *State {
	next := s.clone()

	next.BrokersByNode = make(map[int32]Broker, len(brokers))
	for _, b := range brokers {
		next.BrokersByNode[b.NodeID] = b
	}

	for tp, old := range next.LeaderByPartition {
		if fresh, ok := next.BrokersByNode[old.NodeID]; ok {
			next.LeaderByPartition[tp] = fresh
		} else {
			delete(next.LeaderByPartition, tp)
		}
	}

	for _, pl := range leaders {
		tp := TopicPartition{Topic: pl.Topic, Partition: pl.Partition}
		if pl.Leader < 0 {
			delete(next.LeaderByPartition, tp)
			continue
		}
		if b, ok := next.BrokersByNode[pl.Leader]; ok {
			next.LeaderByPartition[tp] = b
		} else {
			delete(next.LeaderByPartition, tp)
		}
	}
	return next
}

// WithCoordinator sets or overwrites the coordinator for a group. A
// coordinator with a real node ID is also registered in BrokersByNode, so
// that every broker the snapshot references resolves to a known node and
// all-brokers fan-outs see coordinator-only-discovered brokers.
func (s *State) WithCoordinator(group string, b Broker) *State {
	next := s.clone()
	next.CoordinatorByGroup[group] = b
	if !b.IsBootstrap() {
		if _, ok := next.BrokersByNode[b.NodeID]; !ok {
			next.BrokersByNode[b.NodeID] = b
		}
	}
	return next
}

// WithBootstrap records the broker that supplied initial metadata.
func (s *State) WithBootstrap(b Broker) *State {
	next := s.clone()
	next.Bootstrap = &b
	return next
}

// WithChannel installs an open channel for a broker, keyed both by node ID
// and by endpoint.
func (s *State) WithChannel(b Broker, ch transport.Channel) *State {
	next := s.clone()
	next.chanByNode[b.NodeID] = ch
	next.chanByEndpoint[ch.Endpoint()] = ch
	return next
}

// WithoutBroker evicts a broker: its channel (if any) is closed in the
// background, and every group, partition, and channel entry pointing at it
// is dropped. A bootstrap pointer at this broker is cleared.
func (s *State) WithoutBroker(b Broker) *State {
	next := s.clone()

	if ch, ok := next.chanByNode[b.NodeID]; ok {
		delete(next.chanByNode, b.NodeID)
		delete(next.chanByEndpoint, ch.Endpoint())
		go func() { _ = ch.Close() }()
	}

	delete(next.BrokersByNode, b.NodeID)
	for tp, leader := range next.LeaderByPartition {
		if leader.NodeID == b.NodeID {
			delete(next.LeaderByPartition, tp)
		}
	}
	for g, coord := range next.CoordinatorByGroup {
		if coord.NodeID == b.NodeID {
			delete(next.CoordinatorByGroup, g)
		}
	}
	if next.Bootstrap != nil && *next.Bootstrap == b {
		next.Bootstrap = nil
	}
	return next
}

// ChannelFor returns the open channel to a broker, if any.
func (s *State) ChannelFor(b Broker) (transport.Channel, bool) {
	ch, ok := s.chanByNode[b.NodeID]
	return ch, ok
}

// Channels returns every open channel in the snapshot.
func (s *State) Channels() []transport.Channel {
	out := make([]transport.Channel, 0, len(s.chanByNode))
	for _, ch := range s.chanByNode {
		out = append(out, ch)
	}
	return out
}

// Brokers returns the known brokers sorted by node ID.
func (s *State) Brokers() []Broker {
	out := make([]Broker, 0, len(s.BrokersByNode))
	for _, b := range s.BrokersByNode {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Leader returns the leader broker for a topic-partition, if known.
func (s *State) Leader(topic string, partition int32) (Broker, bool) {
	b, ok := s.LeaderByPartition[TopicPartition{Topic: topic, Partition: partition}]
	return b, ok
}

// Coordinator returns the coordinator broker for a group, if known.
func (s *State) Coordinator(group string) (Broker, bool) {
	b, ok := s.CoordinatorByGroup[group]
	return b, ok
}

// TopicPartitions projects the partition map to topic -> sorted partitions.
func (s *State) TopicPartitions() map[string][]int32 {
	out := make(map[string][]int32)
	for tp := range s.LeaderByPartition {
		out[tp.Topic] = append(out[tp.Topic], tp.Partition)
	}
	for _, parts := range out {
		sort.Slice(parts, func(i, j int) bool { return parts[i] < parts[j] })
	}
	return out
}

// HasTopics reports whether every given topic has at least one partition
// entry in the snapshot.
func (s *State) HasTopics(topics []string) bool {
	for _, t := range topics {
		found := false
		for tp := range s.LeaderByPartition {
			if tp.Topic == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
