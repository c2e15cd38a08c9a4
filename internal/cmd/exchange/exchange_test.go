package exchange

import (
	"flag"
	"testing"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("exchange", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Port != 4018 {
		t.Fatalf("expected default port 4018, got %d", cfg.Port)
	}
}

func TestParseConfigOverrides(t *testing.T) {
	t.Setenv("SSDN_EXCHANGE_PORT", "4020")

	fs := flag.NewFlagSet("exchange", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-port", "4021"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Port != 4021 {
		t.Fatalf("expected port override 4021, got %d", cfg.Port)
	}
}
