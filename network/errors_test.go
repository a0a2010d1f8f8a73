package network

import "testing"

func TestICMPTypeName(t *testing.T) {
	cases := []struct {
		version int
		typ     uint8
		want    string
	}{
		{4, 3, "destination unreachable"},
		{4, 11, "time exceeded"},
		{6, 1, "destination unreachable"},
		{6, 3, "time exceeded"},
		{4, 200, ""},
		{6, 200, ""},
	}
	for _, c := range cases {
		if got := ICMPTypeName(c.version, c.typ); got != c.want {
			t.Errorf("ICMPTypeName(%d, %d) = %q, want %q", c.version, c.typ, got, c.want)
		}
	}
	if got := (&ICMPError{Version: 4, Type: 200}).Error(); got != "icmp error (type 200, code 0) from invalid IP" {
		t.Fatalf("%q", got)
	}
}
