package torcontrol

import (
	"testing"

	"github.com/cretz/bine/control"
)

func TestParseVersionReply(t *testing.T) {
	resp := &control.Response{Data: []string{"version=0.4.7.13 (git-abc123)"}}
	if got := parseVersionReply(resp); got != "0.4.7.13" {
		t.Errorf("parseVersionReply() = %q, want 0.4.7.13", got)
	}
}

func TestParseVersionReplyMissing(t *testing.T) {
	resp := &control.Response{Data: []string{"something-else=1"}}
	if got := parseVersionReply(resp); got != "" {
		t.Errorf("parseVersionReply() = %q, want empty", got)
	}
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"0.4.7.13", "0.2.4.18", 1},
		{"0.2.4.18", "0.2.4.18", 0},
		{"0.2.4.17", "0.2.4.18", -1},
		{"0.2.4", "0.2.4.18", -1},
	}
	for _, tt := range tests {
		if got := compareVersions(tt.a, tt.b); (got < 0) != (tt.want < 0) || (got > 0) != (tt.want > 0) || (got == 0) != (tt.want == 0) {
			t.Errorf("compareVersions(%q, %q) = %d, want sign of %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestDecodeEventDescriptorStateChange(t *testing.T) {
	resp := &control.Response{Data: []string{"HS_DESC RECEIVED abcdefghijklmnop"}}
	ev, ok := decodeEvent(resp)
	if !ok {
		t.Fatalf("expected a decoded event")
	}
	if ev.Kind != EventDescriptorStateChange || ev.Action != "RECEIVED" || ev.OnionAddr != "abcdefghijklmnop" {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestDecodeEventDescriptorContent(t *testing.T) {
	resp := &control.Response{Data: []string{"HS_DESC_CONTENT abcdefghijklmnop", "published 1700000000"}}
	ev, ok := decodeEvent(resp)
	if !ok {
		t.Fatalf("expected a decoded event")
	}
	if ev.Kind != EventDescriptorContent || ev.OnionAddr != "abcdefghijklmnop" || ev.Body != "published 1700000000" {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestDecodeEventUnknownKind(t *testing.T) {
	resp := &control.Response{Data: []string{"CIRC 1 BUILT"}}
	if _, ok := decodeEvent(resp); ok {
		t.Errorf("expected unknown event kinds to be dropped")
	}
}
