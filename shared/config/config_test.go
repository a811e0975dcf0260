package config

import "testing"

func TestParseCSV(t *testing.T) {
	got := parseCSV("broker-1:9092, broker-2:9092, ,broker-3:9092,,")
	if len(got) != 3 {
		t.Fatalf("expected 3 items, got %d", len(got))
	}
	if got[0] != "broker-1:9092" || got[2] != "broker-3:9092" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, problems := Load("subscription-consumer", 8080)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %#v", problems)
	}
	if cfg.ServiceName != "subscription-consumer" {
		t.Fatalf("unexpected service name %q", cfg.ServiceName)
	}
	if cfg.ExecutionSweepSec != 60 || cfg.ScheduledSweepSec != 60 {
		t.Fatalf("unexpected sweep cadence: %d/%d", cfg.ExecutionSweepSec, cfg.ScheduledSweepSec)
	}
	if cfg.TopicPositions == "" || cfg.ReplyTopic == "" {
		t.Fatalf("expected default topics to be set")
	}
}

func TestLoadBadInt(t *testing.T) {
	t.Setenv("EXECUTION_SWEEP_SEC", "often")
	_, problems := Load("subscription-worker", 8081)
	if len(problems) == 0 {
		t.Fatalf("expected a problem for non-integer EXECUTION_SWEEP_SEC")
	}
}
