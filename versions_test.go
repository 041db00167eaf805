package skiff

import (
	"testing"

	"github.com/twmb/franz-go/pkg/kmsg"
)

func TestParseServerVersion(t *testing.T) {
	v, err := parseServerVersion("2.1.0")
	if err != nil {
		t.Fatalf("parseServerVersion: %v", err)
	}
	if v != (serverVersion{2, 1, 0}) {
		t.Errorf("v = %+v", v)
	}

	if _, err := parseServerVersion("2"); err == nil {
		t.Error("want error for single-component version")
	}
	if _, err := parseServerVersion("a.b.c"); err == nil {
		t.Error("want error for non-numeric version")
	}

	// Two components parse with patch zero.
	v, err = parseServerVersion("0.9")
	if err != nil {
		t.Fatalf("parseServerVersion: %v", err)
	}
	if v != (serverVersion{0, 9, 0}) {
		t.Errorf("v = %+v", v)
	}
}

func TestServerVersionAtLeast(t *testing.T) {
	tests := []struct {
		v, o serverVersion
		want bool
	}{
		{serverVersion{2, 1, 0}, serverVersion{0, 10, 0}, true},
		{serverVersion{0, 10, 0}, serverVersion{0, 10, 0}, true},
		{serverVersion{0, 9, 0}, serverVersion{0, 10, 0}, false},
		{serverVersion{0, 10, 1}, serverVersion{0, 10, 0}, true},
		{serverVersion{1, 0, 0}, serverVersion{0, 11, 0}, true},
	}
	for _, tc := range tests {
		if got := tc.v.atLeast(tc.o); got != tc.want {
			t.Errorf("%v.atLeast(%v) = %v, want %v", tc.v, tc.o, got, tc.want)
		}
	}
}

func TestPinnedVersionTableLadder(t *testing.T) {
	old := pinnedVersionTable(serverVersion{0, 9, 0})
	if _, ok := old.Max(keyApiVersions); ok {
		t.Error("0.9.0 table should not carry ApiVersions")
	}
	if v, ok := old.Max(keyFetch); !ok || v != 1 {
		t.Errorf("0.9.0 fetch max = %d,%v want 1", v, ok)
	}

	modern := pinnedVersionTable(serverVersion{2, 1, 0})
	if v, ok := modern.Max(keyFetch); !ok || v != 10 {
		t.Errorf("2.1.0 fetch max = %d,%v want 10", v, ok)
	}
	if v, ok := modern.Max(keyApiVersions); !ok || v != 2 {
		t.Errorf("2.1.0 api-versions max = %d,%v want 2", v, ok)
	}
	// Keys untouched since earlier tiers carry forward.
	if v, ok := modern.Max(keyHeartbeat); !ok || v != 1 {
		t.Errorf("2.1.0 heartbeat max = %d,%v want 1", v, ok)
	}
}

func TestNegotiatedVersionTable(t *testing.T) {
	resp := kmsg.NewPtrApiVersionsResponse()
	for _, e := range []struct{ key, max int16 }{{keyFetch, 11}, {keyProduce, 7}} {
		k := kmsg.NewApiVersionsResponseApiKey()
		k.ApiKey = e.key
		k.MaxVersion = e.max
		resp.ApiKeys = append(resp.ApiKeys, k)
	}

	table := negotiatedVersionTable(resp)
	if v, ok := table.Max(keyFetch); !ok || v != 11 {
		t.Errorf("fetch max = %d,%v want 11", v, ok)
	}
	if _, ok := table.Max(keyMetadata); ok {
		t.Error("metadata should be absent from negotiated table")
	}
}
