package routing

import (
	"fmt"

	"github.com/twmb/franz-go/pkg/kmsg"
)

// Gather reassembles the responses of a fan-out into a single response.
// Responses arrive in route iteration order (broker node ID order) and the
// concatenations preserve it. Only Fetch, ListOffsets and ListGroups are
// supported; any other multi-response gather, including a DescribeGroups
// fan-out, returns an error.
func Gather(req kmsg.Request, resps []kmsg.Response) (kmsg.Response, error) {
	if len(resps) == 0 {
		return nil, fmt.Errorf("routing: gather of zero responses")
	}
	if len(resps) == 1 {
		return resps[0], nil
	}

	switch req.(type) {
	case *kmsg.FetchRequest:
		return gatherFetch(resps)
	case *kmsg.ListOffsetsRequest:
		return gatherListOffsets(resps)
	case *kmsg.ListGroupsRequest:
		return gatherListGroups(resps)
	default:
		return nil, fmt.Errorf("routing: unsupported fan-out gather for %s", kmsg.Key(req.Key()).Name())
	}
}

// gatherFetch merges fetch responses: throttle is the max observed, topics
// are concatenated.
func gatherFetch(resps []kmsg.Response) (kmsg.Response, error) {
	out := kmsg.NewPtrFetchResponse()
	first := resps[0].(*kmsg.FetchResponse)
	out.SetVersion(first.GetVersion())
	out.ErrorCode = first.ErrorCode
	out.SessionID = first.SessionID

	for _, r := range resps {
		fr, ok := r.(*kmsg.FetchResponse)
		if !ok {
			return nil, fmt.Errorf("routing: gather saw %T amid fetch responses", r)
		}
		if fr.ThrottleMillis > out.ThrottleMillis {
			out.ThrottleMillis = fr.ThrottleMillis
		}
		out.Topics = append(out.Topics, fr.Topics...)
	}
	return out, nil
}

// gatherListOffsets merges offset responses by concatenating topics.
func gatherListOffsets(resps []kmsg.Response) (kmsg.Response, error) {
	out := kmsg.NewPtrListOffsetsResponse()
	first := resps[0].(*kmsg.ListOffsetsResponse)
	out.SetVersion(first.GetVersion())
	out.ThrottleMillis = first.ThrottleMillis

	for _, r := range resps {
		lr, ok := r.(*kmsg.ListOffsetsResponse)
		if !ok {
			return nil, fmt.Errorf("routing: gather saw %T amid list-offsets responses", r)
		}
		out.Topics = append(out.Topics, lr.Topics...)
	}
	return out, nil
}

// gatherListGroups merges list-groups responses: the error code is the
// first non-zero observed, groups are concatenated.
func gatherListGroups(resps []kmsg.Response) (kmsg.Response, error) {
	out := kmsg.NewPtrListGroupsResponse()
	first := resps[0].(*kmsg.ListGroupsResponse)
	out.SetVersion(first.GetVersion())
	out.ThrottleMillis = first.ThrottleMillis

	for _, r := range resps {
		lr, ok := r.(*kmsg.ListGroupsResponse)
		if !ok {
			return nil, fmt.Errorf("routing: gather saw %T amid list-groups responses", r)
		}
		if out.ErrorCode == 0 && lr.ErrorCode != 0 {
			out.ErrorCode = lr.ErrorCode
		}
		out.Groups = append(out.Groups, lr.Groups...)
	}
	return out, nil
}
