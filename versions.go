package skiff

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/skiff-io/skiff/internal/transport"
)

// API keys the routing core issues.
const (
	keyProduce         int16 = 0
	keyFetch           int16 = 1
	keyListOffsets     int16 = 2
	keyMetadata        int16 = 3
	keyOffsetCommit    int16 = 8
	keyOffsetFetch     int16 = 9
	keyFindCoordinator int16 = 10
	keyJoinGroup       int16 = 11
	keyHeartbeat       int16 = 12
	keyLeaveGroup      int16 = 13
	keySyncGroup       int16 = 14
	keyDescribeGroups  int16 = 15
	keyListGroups      int16 = 16
	keyApiVersions     int16 = 18
)

// serverVersion is a parsed "major.minor.patch" broker version.
type serverVersion struct {
	major, minor, patch int
}

// autoAPIVersionsBaseline is the first broker version that answers
// ApiVersions requests.
var autoAPIVersionsBaseline = serverVersion{0, 10, 0}

func parseServerVersion(s string) (serverVersion, error) {
	parts := strings.SplitN(s, ".", 3)
	if len(parts) < 2 {
		return serverVersion{}, fmt.Errorf("skiff: invalid server version %q", s)
	}
	var v serverVersion
	var err error
	if v.major, err = strconv.Atoi(parts[0]); err != nil {
		return serverVersion{}, fmt.Errorf("skiff: invalid server version %q", s)
	}
	if v.minor, err = strconv.Atoi(parts[1]); err != nil {
		return serverVersion{}, fmt.Errorf("skiff: invalid server version %q", s)
	}
	if len(parts) == 3 {
		if v.patch, err = strconv.Atoi(parts[2]); err != nil {
			return serverVersion{}, fmt.Errorf("skiff: invalid server version %q", s)
		}
	}
	return v, nil
}

func (v serverVersion) atLeast(o serverVersion) bool {
	if v.major != o.major {
		return v.major > o.major
	}
	if v.minor != o.minor {
		return v.minor > o.minor
	}
	return v.patch >= o.patch
}

// versionLadder lists, per broker release, the request versions that
// release made usable. Entries apply cumulatively in order.
var versionLadder = []struct {
	since serverVersion
	maxes map[int16]int16
}{
	{serverVersion{0, 9, 0}, map[int16]int16{
		keyProduce: 1, keyFetch: 1, keyListOffsets: 0, keyMetadata: 0,
		keyOffsetCommit: 2, keyOffsetFetch: 1, keyFindCoordinator: 0,
		keyJoinGroup: 0, keyHeartbeat: 0, keyLeaveGroup: 0, keySyncGroup: 0,
		keyDescribeGroups: 0, keyListGroups: 0,
	}},
	{serverVersion{0, 10, 0}, map[int16]int16{
		keyProduce: 2, keyFetch: 2, keyMetadata: 1, keyApiVersions: 0,
	}},
	{serverVersion{0, 10, 1}, map[int16]int16{
		keyFetch: 3, keyListOffsets: 1, keyMetadata: 2, keyOffsetFetch: 2,
		keyJoinGroup: 1,
	}},
	{serverVersion{0, 11, 0}, map[int16]int16{
		keyProduce: 3, keyFetch: 5, keyListOffsets: 2, keyMetadata: 4,
		keyOffsetCommit: 3, keyOffsetFetch: 3, keyFindCoordinator: 1,
		keyJoinGroup: 2, keyDescribeGroups: 1, keyListGroups: 1,
		keyApiVersions: 1,
	}},
	{serverVersion{1, 0, 0}, map[int16]int16{
		keyProduce: 5, keyFetch: 6, keyMetadata: 5,
	}},
	{serverVersion{2, 0, 0}, map[int16]int16{
		keyProduce: 6, keyFetch: 8, keyListOffsets: 3, keyMetadata: 6,
		keyOffsetCommit: 4, keyOffsetFetch: 4, keyFindCoordinator: 2,
		keyJoinGroup: 3, keyHeartbeat: 1, keyLeaveGroup: 1, keySyncGroup: 1,
		keyDescribeGroups: 2, keyListGroups: 2, keyApiVersions: 2,
	}},
	{serverVersion{2, 1, 0}, map[int16]int16{
		keyFetch: 10, keyMetadata: 7, keyOffsetCommit: 6, keyOffsetFetch: 5,
	}},
}

// pinnedVersionTable builds the API version table for a configured broker
// version, used until (or instead of) ApiVersions negotiation.
func pinnedVersionTable(v serverVersion) *transport.VersionTable {
	maxes := map[int16]int16{}
	for _, step := range versionLadder {
		if !v.atLeast(step.since) {
			break
		}
		for k, m := range step.maxes {
			maxes[k] = m
		}
	}
	return transport.NewVersionTable(maxes)
}

// negotiatedVersionTable builds a table from an ApiVersions response.
func negotiatedVersionTable(resp *kmsg.ApiVersionsResponse) *transport.VersionTable {
	maxes := make(map[int16]int16, len(resp.ApiKeys))
	for _, k := range resp.ApiKeys {
		maxes[k.ApiKey] = k.MaxVersion
	}
	return transport.NewVersionTable(maxes)
}
