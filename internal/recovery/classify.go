// Package recovery translates protocol error codes buried in successful
// responses into the action the engine should take: refresh routing state,
// back off and retry, hand the response to the caller, or give up.
package recovery

import (
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// Action is what the engine does about a classified error code.
type Action int

const (
	// ActionRefreshMetadata re-fetches metadata for the verdict's topics
	// before retrying.
	ActionRefreshMetadata Action = iota
	// ActionWaitRetry backs off and retries with unchanged routing state.
	ActionWaitRetry
	// ActionPassThru delivers the response to the caller as-is; a higher
	// layer owns the error.
	ActionPassThru
	// ActionEscalate terminates the request with an escalation error.
	ActionEscalate
)

func (a Action) String() string {
	switch a {
	case ActionRefreshMetadata:
		return "refresh-metadata"
	case ActionWaitRetry:
		return "wait-retry"
	case ActionPassThru:
		return "pass-thru"
	case ActionEscalate:
		return "escalate"
	default:
		return "unknown"
	}
}

// Verdict is the classification of a response: the first erroring code
// observed and what to do about it. Topics carries the metadata-refresh
// scope when the action is ActionRefreshMetadata.
type Verdict struct {
	Code   int16
	Action Action
	Topics []string
}

// Classify inspects a response for protocol errors. A nil verdict means the
// response is clean (or its errors belong to a higher layer wholesale, as
// with produce acks) and must be delivered unchanged. Scans run in received
// order; the first erroring entry wins.
func Classify(resp kmsg.Response) *Verdict {
	switch r := resp.(type) {
	case *kmsg.ProduceResponse:
		// The producer layer interprets per-partition acks itself.
		return nil

	case *kmsg.MetadataResponse:
		return classifyMetadata(r)
	case *kmsg.FetchResponse:
		return classifyFetch(r)
	case *kmsg.ListOffsetsResponse:
		return classifyListOffsets(r)

	case *kmsg.OffsetFetchResponse:
		return classifyOffsetFetch(r)
	case *kmsg.OffsetCommitResponse:
		return classifyOffsetCommit(r)

	case *kmsg.JoinGroupResponse:
		return classifyJoinGroup(r)
	case *kmsg.SyncGroupResponse:
		return classifyGroupProtocol(r.ErrorCode)
	case *kmsg.HeartbeatResponse:
		return classifyGroupProtocol(r.ErrorCode)
	case *kmsg.LeaveGroupResponse:
		return classify(r.ErrorCode, nil)

	case *kmsg.FindCoordinatorResponse:
		if v := classify(r.ErrorCode, nil); v != nil {
			return v
		}
		for _, c := range r.Coordinators {
			if v := classify(c.ErrorCode, nil); v != nil {
				return v
			}
		}
		return nil

	case *kmsg.ListGroupsResponse:
		return classify(r.ErrorCode, nil)
	case *kmsg.DescribeGroupsResponse:
		for _, g := range r.Groups {
			if v := classify(g.ErrorCode, nil); v != nil {
				return v
			}
		}
		return nil
	case *kmsg.ApiVersionsResponse:
		return classify(r.ErrorCode, nil)

	default:
		return nil
	}
}

// classify applies the top-level code table. topics is the topic context of
// the erroring entry, when the response shape provides one; coordinator
// relocation codes prefer a metadata refresh exactly when that context is
// present.
func classify(code int16, topics []string) *Verdict {
	switch code {
	case 0:
		return nil

	case kerr.NotCoordinator.Code:
		if len(topics) > 0 {
			return &Verdict{Code: code, Action: ActionRefreshMetadata, Topics: topics}
		}
		return &Verdict{Code: code, Action: ActionPassThru}

	case kerr.CoordinatorNotAvailable.Code:
		if len(topics) > 0 {
			return &Verdict{Code: code, Action: ActionRefreshMetadata, Topics: topics}
		}
		return &Verdict{Code: code, Action: ActionWaitRetry}

	case kerr.LeaderNotAvailable.Code,
		kerr.RequestTimedOut.Code,
		kerr.CoordinatorLoadInProgress.Code,
		kerr.NotEnoughReplicas.Code,
		kerr.NotEnoughReplicasAfterAppend.Code:
		return &Verdict{Code: code, Action: ActionWaitRetry}

	case kerr.IllegalGeneration.Code,
		kerr.OffsetOutOfRange.Code,
		kerr.UnknownMemberID.Code:
		return &Verdict{Code: code, Action: ActionPassThru}

	default:
		// UnknownTopicOrPartition and CorruptMessage land here along with
		// everything unrecognized.
		return &Verdict{Code: code, Action: ActionEscalate}
	}
}

// classifyTopicEntry handles nested codes of topic-keyed responses, where a
// stale leader surfaces as UnknownTopicOrPartition or NotLeaderForPartition
// and means the routing table, not the request, is wrong.
func classifyTopicEntry(code int16, topic string) *Verdict {
	switch code {
	case 0:
		return nil
	case kerr.UnknownTopicOrPartition.Code, kerr.NotLeaderForPartition.Code:
		return &Verdict{Code: code, Action: ActionRefreshMetadata, Topics: []string{topic}}
	default:
		return classify(code, []string{topic})
	}
}

// classifyGroupProtocol handles responses of the group membership protocol,
// whose generation and membership errors always belong to the caller.
func classifyGroupProtocol(code int16) *Verdict {
	switch code {
	case kerr.UnknownMemberID.Code, kerr.IllegalGeneration.Code, kerr.RebalanceInProgress.Code:
		return &Verdict{Code: code, Action: ActionPassThru}
	default:
		return classify(code, nil)
	}
}

func classifyJoinGroup(r *kmsg.JoinGroupResponse) *Verdict {
	if r.ErrorCode == kerr.UnknownMemberID.Code {
		return &Verdict{Code: r.ErrorCode, Action: ActionPassThru}
	}
	return classify(r.ErrorCode, nil)
}

func classifyMetadata(r *kmsg.MetadataResponse) *Verdict {
	for _, t := range r.Topics {
		topic := ""
		if t.Topic != nil {
			topic = *t.Topic
		}
		if v := classifyTopicEntry(t.ErrorCode, topic); v != nil {
			return v
		}
		for _, p := range t.Partitions {
			if v := classifyTopicEntry(p.ErrorCode, topic); v != nil {
				return v
			}
		}
	}
	return nil
}

func classifyFetch(r *kmsg.FetchResponse) *Verdict {
	if v := classify(r.ErrorCode, nil); v != nil {
		return v
	}
	for _, t := range r.Topics {
		for _, p := range t.Partitions {
			if v := classifyTopicEntry(p.ErrorCode, t.Topic); v != nil {
				return v
			}
		}
	}
	return nil
}

func classifyListOffsets(r *kmsg.ListOffsetsResponse) *Verdict {
	for _, t := range r.Topics {
		for _, p := range t.Partitions {
			if v := classifyTopicEntry(p.ErrorCode, t.Topic); v != nil {
				return v
			}
		}
	}
	return nil
}

func classifyOffsetFetch(r *kmsg.OffsetFetchResponse) *Verdict {
	if v := classifyGroupProtocol(r.ErrorCode); v != nil {
		return v
	}
	for _, t := range r.Topics {
		for _, p := range t.Partitions {
			if v := classifyOffsetEntry(p.ErrorCode, t.Topic); v != nil {
				return v
			}
		}
	}
	return nil
}

func classifyOffsetCommit(r *kmsg.OffsetCommitResponse) *Verdict {
	for _, t := range r.Topics {
		for _, p := range t.Partitions {
			if v := classifyOffsetEntry(p.ErrorCode, t.Topic); v != nil {
				return v
			}
		}
	}
	return nil
}

// classifyOffsetEntry handles nested codes of the offset APIs: membership
// errors pass through, coordinator relocation refreshes with the topic
// context in hand.
func classifyOffsetEntry(code int16, topic string) *Verdict {
	switch code {
	case kerr.UnknownMemberID.Code, kerr.IllegalGeneration.Code, kerr.RebalanceInProgress.Code:
		return &Verdict{Code: code, Action: ActionPassThru}
	default:
		return classify(code, []string{topic})
	}
}
