package trigger

import (
	"testing"
)

func TestManualCodecRoundTrip(t *testing.T) {
	const wire = "g;500;greece-guid;0;10"
	msg, err := DecodeManual(wire)
	if err != nil {
		t.Fatalf("DecodeManual: %v", err)
	}
	if !msg.Group || msg.SubscriptionID != 500 || msg.GUID != "greece-guid" || msg.Page != 0 || msg.PageSize != 10 {
		t.Fatalf("decoded %+v", msg)
	}
	if got := EncodeManual(msg); got != wire {
		t.Fatalf("re-encode = %q, want %q", got, wire)
	}
}

func TestManualCodecSingleAsset(t *testing.T) {
	const wire = "a;42;vessel-connect-id;0;0"
	msg, err := DecodeManual(wire)
	if err != nil {
		t.Fatalf("DecodeManual: %v", err)
	}
	if msg.Group {
		t.Fatal("mode a must decode as single asset")
	}
	if got := EncodeManual(msg); got != wire {
		t.Fatalf("re-encode = %q, want %q", got, wire)
	}
}

func TestManualCodecRejectsMalformed(t *testing.T) {
	for _, wire := range []string{
		"",
		"g;500",
		"x;500;guid;0;10",
		"g;abc;guid;0;10",
		"g;500;guid;p;10",
		"g;500;guid;0;q",
	} {
		if _, err := DecodeManual(wire); err == nil {
			t.Fatalf("DecodeManual(%q) should fail", wire)
		}
	}
}
