package routing

import (
	"errors"
	"reflect"
	"testing"

	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/skiff-io/skiff/internal/cluster"
)

func broker(id int32, host string) cluster.Broker {
	return cluster.Broker{NodeID: id, Host: host, Port: 9092}
}

// threeBrokers returns a snapshot with brokers 1..3, orders[0,1,2] led by
// 1,2,3 respectively, events[0] led by broker 1, and group g1 coordinated
// by broker 2.
func threeBrokers() *cluster.State {
	s := cluster.Zero().WithMetadata(
		[]cluster.Broker{broker(1, "b1"), broker(2, "b2"), broker(3, "b3")},
		[]cluster.PartitionLeader{
			{Topic: "orders", Partition: 0, Leader: 1},
			{Topic: "orders", Partition: 1, Leader: 2},
			{Topic: "orders", Partition: 2, Leader: 3},
			{Topic: "events", Partition: 0, Leader: 1},
		},
	)
	return s.WithCoordinator("g1", broker(2, "b2"))
}

func missOf(t *testing.T, err error) RouteType {
	t.Helper()
	var miss *MissError
	if !errors.As(err, &miss) {
		t.Fatalf("err = %v, want *MissError", err)
	}
	return miss.Route
}

func TestPlanBootstrapRoutes(t *testing.T) {
	seed := cluster.Broker{NodeID: cluster.BootstrapNodeID, Host: "seed", Port: 9092}
	withBoot := cluster.Zero().WithBootstrap(seed)

	reqs := []kmsg.Request{
		kmsg.NewPtrMetadataRequest(),
		kmsg.NewPtrFindCoordinatorRequest(),
		kmsg.NewPtrApiVersionsRequest(),
	}
	for _, req := range reqs {
		name := kmsg.Key(req.Key()).Name()

		stops, err := Plan(withBoot, req)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if len(stops) != 1 || stops[0].Broker != seed {
			t.Errorf("%s: stops = %v, want single stop at seed", name, stops)
		}

		_, err = Plan(cluster.Zero(), req)
		if got := missOf(t, err); got.Kind != KindBootstrap {
			t.Errorf("%s without bootstrap: miss = %v, want bootstrap", name, got)
		}
	}
}

func TestPlanGroupRoutes(t *testing.T) {
	s := threeBrokers()

	join := kmsg.NewPtrJoinGroupRequest()
	join.Group = "g1"
	stops, err := Plan(s, join)
	if err != nil {
		t.Fatalf("JoinGroup: %v", err)
	}
	if len(stops) != 1 || stops[0].Broker.NodeID != 2 {
		t.Errorf("JoinGroup stops = %v, want coordinator broker 2", stops)
	}

	hb := kmsg.NewPtrHeartbeatRequest()
	hb.Group = "unknown"
	_, err = Plan(s, hb)
	if got := missOf(t, err); got.Kind != KindGroup || got.Group != "unknown" {
		t.Errorf("miss = %v, want group[unknown]", got)
	}

	for _, req := range []kmsg.Request{
		func() kmsg.Request { r := kmsg.NewPtrOffsetCommitRequest(); r.Group = "g1"; return r }(),
		func() kmsg.Request { r := kmsg.NewPtrOffsetFetchRequest(); r.Group = "g1"; return r }(),
		func() kmsg.Request { r := kmsg.NewPtrSyncGroupRequest(); r.Group = "g1"; return r }(),
		func() kmsg.Request { r := kmsg.NewPtrLeaveGroupRequest(); r.Group = "g1"; return r }(),
	} {
		stops, err := Plan(s, req)
		if err != nil {
			t.Fatalf("%s: %v", kmsg.Key(req.Key()).Name(), err)
		}
		if len(stops) != 1 || stops[0].Broker.NodeID != 2 {
			t.Errorf("%s: stops = %v, want coordinator broker 2", kmsg.Key(req.Key()).Name(), stops)
		}
	}
}

func TestPlanAllBrokersFansOut(t *testing.T) {
	s := threeBrokers()

	stops, err := Plan(s, kmsg.NewPtrListGroupsRequest())
	if err != nil {
		t.Fatalf("ListGroups: %v", err)
	}
	if len(stops) != 3 {
		t.Fatalf("stops = %d, want 3", len(stops))
	}
	for i, st := range stops {
		if st.Broker.NodeID != int32(i+1) {
			t.Errorf("stop %d broker = %d, want node-ID order", i, st.Broker.NodeID)
		}
	}
	// Each stop carries its own request so channels can pin versions
	// independently.
	if stops[0].Req == stops[1].Req {
		t.Error("fan-out stops share one request value")
	}

	_, err = Plan(cluster.Zero(), kmsg.NewPtrDescribeGroupsRequest())
	if got := missOf(t, err); got.Kind != KindAllBrokers {
		t.Errorf("miss = %v, want all-brokers", got)
	}
}

func TestPlanProduceSplitsByLeader(t *testing.T) {
	s := threeBrokers()

	req := kmsg.NewPtrProduceRequest()
	req.Acks = 1
	req.TimeoutMillis = 1500
	topic := kmsg.NewProduceRequestTopic()
	topic.Topic = "orders"
	for _, p := range []int32{0, 1, 2} {
		part := kmsg.NewProduceRequestTopicPartition()
		part.Partition = p
		part.Records = []byte{byte(p)}
		topic.Partitions = append(topic.Partitions, part)
	}
	req.Topics = append(req.Topics, topic)

	stops, err := Plan(s, req)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(stops) != 3 {
		t.Fatalf("stops = %d, want 3", len(stops))
	}

	for i, st := range stops {
		sub, ok := st.Req.(*kmsg.ProduceRequest)
		if !ok {
			t.Fatalf("stop %d req type = %T", i, st.Req)
		}
		if sub.Acks != 1 || sub.TimeoutMillis != 1500 {
			t.Errorf("stop %d lost envelope: acks=%d timeout=%d", i, sub.Acks, sub.TimeoutMillis)
		}
		if len(sub.Topics) != 1 || len(sub.Topics[0].Partitions) != 1 {
			t.Fatalf("stop %d topics = %+v, want one topic with one partition", i, sub.Topics)
		}
		part := sub.Topics[0].Partitions[0]
		if part.Partition != int32(st.Broker.NodeID-1) {
			t.Errorf("stop %d: partition %d routed to broker %d", i, part.Partition, st.Broker.NodeID)
		}
	}
}

func TestPlanFetchGroupsPartitionsPerBroker(t *testing.T) {
	s := threeBrokers()

	req := kmsg.NewPtrFetchRequest()
	req.MaxWaitMillis = 250
	req.MinBytes = 1
	req.MaxBytes = 1 << 20
	ft := kmsg.NewFetchRequestTopic()
	ft.Topic = "orders"
	for _, p := range []int32{0, 1} {
		part := kmsg.NewFetchRequestTopicPartition()
		part.Partition = p
		part.FetchOffset = 42
		part.PartitionMaxBytes = 1 << 16
		ft.Partitions = append(ft.Partitions, part)
	}
	req.Topics = append(req.Topics, ft)
	et := kmsg.NewFetchRequestTopic()
	et.Topic = "events"
	ep := kmsg.NewFetchRequestTopicPartition()
	ep.Partition = 0
	ep.FetchOffset = 7
	ep.PartitionMaxBytes = 1 << 16
	et.Partitions = append(et.Partitions, ep)
	req.Topics = append(req.Topics, et)

	stops, err := Plan(s, req)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	// orders/0 and events/0 both lead on broker 1; orders/1 on broker 2.
	if len(stops) != 2 {
		t.Fatalf("stops = %d, want 2", len(stops))
	}

	first := stops[0].Req.(*kmsg.FetchRequest)
	if stops[0].Broker.NodeID != 1 || len(first.Topics) != 2 {
		t.Errorf("broker 1 sub-request topics = %+v, want orders and events", first.Topics)
	}
	if first.MaxWaitMillis != 250 || first.MinBytes != 1 || first.MaxBytes != 1<<20 {
		t.Errorf("broker 1 sub-request lost envelope: %+v", first)
	}
	for _, ft := range first.Topics {
		for _, p := range ft.Partitions {
			if p.PartitionMaxBytes != 1<<16 {
				t.Errorf("partition field lost: %+v", p)
			}
		}
	}

	second := stops[1].Req.(*kmsg.FetchRequest)
	if stops[1].Broker.NodeID != 2 || len(second.Topics) != 1 || second.Topics[0].Partitions[0].Partition != 1 {
		t.Errorf("broker 2 sub-request = %+v, want orders/1 only", second.Topics)
	}
}

func TestPlanListOffsetsPreservesTimestamp(t *testing.T) {
	s := threeBrokers()

	req := kmsg.NewPtrListOffsetsRequest()
	lt := kmsg.NewListOffsetsRequestTopic()
	lt.Topic = "orders"
	part := kmsg.NewListOffsetsRequestTopicPartition()
	part.Partition = 0
	part.Timestamp = -1
	lt.Partitions = append(lt.Partitions, part)
	req.Topics = append(req.Topics, lt)

	stops, err := Plan(s, req)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(stops) != 1 || stops[0].Broker.NodeID != 1 {
		t.Fatalf("stops = %v, want single stop at broker 1", stops)
	}
	sub := stops[0].Req.(*kmsg.ListOffsetsRequest)
	if sub.Topics[0].Partitions[0].Timestamp != -1 {
		t.Errorf("timestamp lost: %+v", sub.Topics[0].Partitions[0])
	}
}

func TestPlanTopicMissCollectsMissingTopics(t *testing.T) {
	s := threeBrokers()

	req := kmsg.NewPtrFetchRequest()
	for _, topic := range []string{"orders", "ghost", "phantom", "ghost"} {
		ft := kmsg.NewFetchRequestTopic()
		ft.Topic = topic
		part := kmsg.NewFetchRequestTopicPartition()
		part.Partition = 0
		ft.Partitions = append(ft.Partitions, part)
		req.Topics = append(req.Topics, ft)
	}

	_, err := Plan(s, req)
	got := missOf(t, err)
	if got.Kind != KindTopic {
		t.Fatalf("miss kind = %v, want topic", got.Kind)
	}
	if !reflect.DeepEqual(got.Topics, []string{"ghost", "phantom"}) {
		t.Errorf("missing topics = %v, want [ghost phantom] (ordered, deduplicated)", got.Topics)
	}
}

func TestPlanNeverReturnsEmptySuccess(t *testing.T) {
	// An empty produce request has nothing to route; that is a topic miss,
	// not an empty plan.
	_, err := Plan(threeBrokers(), kmsg.NewPtrProduceRequest())
	if got := missOf(t, err); got.Kind != KindTopic {
		t.Errorf("miss = %v, want topic", got)
	}
}

func TestTypeOf(t *testing.T) {
	join := kmsg.NewPtrJoinGroupRequest()
	join.Group = "g9"

	fetch := kmsg.NewPtrFetchRequest()
	ft := kmsg.NewFetchRequestTopic()
	ft.Topic = "orders"
	fetch.Topics = append(fetch.Topics, ft)

	tests := []struct {
		req  kmsg.Request
		want RouteType
	}{
		{kmsg.NewPtrMetadataRequest(), BootstrapRoute()},
		{kmsg.NewPtrApiVersionsRequest(), BootstrapRoute()},
		{kmsg.NewPtrListGroupsRequest(), AllBrokersRoute()},
		{join, GroupRoute("g9")},
		{fetch, TopicRoute("orders")},
	}
	for _, tc := range tests {
		if got := TypeOf(tc.req); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("TypeOf(%s) = %v, want %v", kmsg.Key(tc.req.Key()).Name(), got, tc.want)
		}
	}
}
