package skiff

import "testing"

func TestParseBrokerURI(t *testing.T) {
	tests := []struct {
		in   string
		host string
		port uint16
	}{
		{"host", "host", 9092},
		{"host:123", "host", 123},
		{"kafka://host", "host", 9092},
		{"tcp://host:9", "host", 9},
		{"host-with.dots_and_dash", "host-with.dots_and_dash", 9092},
		{"kafka://broker-1.example.com:9093", "broker-1.example.com", 9093},
		{"10.1.2.3:9092", "10.1.2.3", 9092},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseBrokerURI(tc.in)
			if err != nil {
				t.Fatalf("ParseBrokerURI(%q): %v", tc.in, err)
			}
			if got.Host != tc.host || got.Port != tc.port {
				t.Errorf("ParseBrokerURI(%q) = %+v, want host %q port %d", tc.in, got, tc.host, tc.port)
			}
		})
	}
}

func TestParseBrokerURIInvalid(t *testing.T) {
	invalid := []string{
		"!!!",
		"",
		"http://host:9092",
		"host:port",
		"kafka://",
	}
	for _, in := range invalid {
		if _, err := ParseBrokerURI(in); err == nil {
			t.Errorf("ParseBrokerURI(%q) succeeded, want error", in)
		}
	}
}

func TestBrokerAddrCanonicalForm(t *testing.T) {
	a, err := ParseBrokerURI("tcp://host:9")
	if err != nil {
		t.Fatalf("ParseBrokerURI: %v", err)
	}
	if got := a.String(); got != "kafka://host:9" {
		t.Errorf("String() = %q, want canonical kafka scheme", got)
	}
}

func TestParseBrokerURIsFailsFast(t *testing.T) {
	_, err := ParseBrokerURIs([]string{"good-host", "!!!"})
	if err == nil {
		t.Fatal("want error for invalid entry")
	}
}
