package routing

import (
	"sort"
	"testing"

	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/skiff-io/skiff/internal/cluster"
)

func fetchResp(throttle int32, topics ...string) *kmsg.FetchResponse {
	r := kmsg.NewPtrFetchResponse()
	r.ThrottleMillis = throttle
	for _, t := range topics {
		rt := kmsg.NewFetchResponseTopic()
		rt.Topic = t
		p := kmsg.NewFetchResponseTopicPartition()
		p.Partition = 0
		rt.Partitions = append(rt.Partitions, p)
		r.Topics = append(r.Topics, rt)
	}
	return r
}

func TestGatherSingleResponsePassesThrough(t *testing.T) {
	in := fetchResp(5, "orders")
	out, err := Gather(kmsg.NewPtrFetchRequest(), []kmsg.Response{in})
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if out != kmsg.Response(in) {
		t.Error("single response was not passed through unchanged")
	}
}

func TestGatherFetchMergesThrottleAndTopics(t *testing.T) {
	out, err := Gather(kmsg.NewPtrFetchRequest(), []kmsg.Response{
		fetchResp(10, "orders"),
		fetchResp(30, "events"),
		fetchResp(20, "logs"),
	})
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	fr := out.(*kmsg.FetchResponse)
	if fr.ThrottleMillis != 30 {
		t.Errorf("throttle = %d, want max 30", fr.ThrottleMillis)
	}
	var topics []string
	for _, rt := range fr.Topics {
		topics = append(topics, rt.Topic)
	}
	if len(topics) != 3 || topics[0] != "orders" || topics[1] != "events" || topics[2] != "logs" {
		t.Errorf("topics = %v, want concatenation in route order", topics)
	}
}

// TestFetchScatterGatherRoundTrip checks the round-trip law: splitting a
// fetch across brokers and gathering per-broker responses preserves the
// multiset of (topic, partition) items.
func TestFetchScatterGatherRoundTrip(t *testing.T) {
	s := threeBrokers()

	req := kmsg.NewPtrFetchRequest()
	want := []cluster.TopicPartition{
		{Topic: "orders", Partition: 0},
		{Topic: "orders", Partition: 1},
		{Topic: "orders", Partition: 2},
		{Topic: "events", Partition: 0},
	}
	byTopic := map[string][]int32{}
	for _, tp := range want {
		byTopic[tp.Topic] = append(byTopic[tp.Topic], tp.Partition)
	}
	for topic, parts := range byTopic {
		ft := kmsg.NewFetchRequestTopic()
		ft.Topic = topic
		for _, p := range parts {
			part := kmsg.NewFetchRequestTopicPartition()
			part.Partition = p
			ft.Partitions = append(ft.Partitions, part)
		}
		req.Topics = append(req.Topics, ft)
	}

	stops, err := Plan(s, req)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	// Answer each sub-request with a response mirroring its items.
	var resps []kmsg.Response
	for _, st := range stops {
		sub := st.Req.(*kmsg.FetchRequest)
		resp := kmsg.NewPtrFetchResponse()
		for _, ft := range sub.Topics {
			rt := kmsg.NewFetchResponseTopic()
			rt.Topic = ft.Topic
			for _, p := range ft.Partitions {
				rp := kmsg.NewFetchResponseTopicPartition()
				rp.Partition = p.Partition
				rt.Partitions = append(rt.Partitions, rp)
			}
			resp.Topics = append(resp.Topics, rt)
		}
		resps = append(resps, resp)
	}

	out, err := Gather(req, resps)
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	var got []cluster.TopicPartition
	for _, rt := range out.(*kmsg.FetchResponse).Topics {
		for _, p := range rt.Partitions {
			got = append(got, cluster.TopicPartition{Topic: rt.Topic, Partition: p.Partition})
		}
	}
	sortTPs := func(tps []cluster.TopicPartition) {
		sort.Slice(tps, func(i, j int) bool {
			if tps[i].Topic != tps[j].Topic {
				return tps[i].Topic < tps[j].Topic
			}
			return tps[i].Partition < tps[j].Partition
		})
	}
	sortTPs(got)
	sortTPs(want)
	if len(got) != len(want) {
		t.Fatalf("items = %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("items = %v, want %v", got, want)
		}
	}
}

func TestGatherListOffsetsConcatenates(t *testing.T) {
	mk := func(topic string) *kmsg.ListOffsetsResponse {
		r := kmsg.NewPtrListOffsetsResponse()
		rt := kmsg.NewListOffsetsResponseTopic()
		rt.Topic = topic
		r.Topics = append(r.Topics, rt)
		return r
	}

	out, err := Gather(kmsg.NewPtrListOffsetsRequest(), []kmsg.Response{mk("orders"), mk("events")})
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	lr := out.(*kmsg.ListOffsetsResponse)
	if len(lr.Topics) != 2 || lr.Topics[0].Topic != "orders" || lr.Topics[1].Topic != "events" {
		t.Errorf("topics = %+v, want orders then events", lr.Topics)
	}
}

func TestGatherListGroupsFirstError(t *testing.T) {
	mk := func(code int16, groups ...string) *kmsg.ListGroupsResponse {
		r := kmsg.NewPtrListGroupsResponse()
		r.ErrorCode = code
		for _, g := range groups {
			lg := kmsg.NewListGroupsResponseGroup()
			lg.Group = g
			r.Groups = append(r.Groups, lg)
		}
		return r
	}

	out, err := Gather(kmsg.NewPtrListGroupsRequest(), []kmsg.Response{
		mk(0, "g1"),
		mk(16, "g2"),
		mk(15),
	})
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	lr := out.(*kmsg.ListGroupsResponse)
	if lr.ErrorCode != 16 {
		t.Errorf("error code = %d, want first non-zero (16)", lr.ErrorCode)
	}
	if len(lr.Groups) != 2 {
		t.Errorf("groups = %+v, want g1 and g2", lr.Groups)
	}
}

func TestGatherUnsupportedKind(t *testing.T) {
	_, err := Gather(kmsg.NewPtrProduceRequest(), []kmsg.Response{
		kmsg.NewPtrProduceResponse(), kmsg.NewPtrProduceResponse(),
	})
	if err == nil {
		t.Fatal("gathering produce responses should fail")
	}
}
