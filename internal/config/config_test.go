package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"openwork/internal/domain"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default(domain.RoleHub, 2)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Dispute.VotingPeriod != 72*time.Hour {
		t.Fatalf("voting period = %s", cfg.Dispute.VotingPeriod)
	}
	if cfg.Router.HoldTimeout != 2*time.Minute {
		t.Fatalf("hold timeout = %s", cfg.Router.HoldTimeout)
	}
	if int64(cfg.Dispute.MinimumFee) != 50_000_000 {
		t.Fatalf("dispute minimum fee = %d", cfg.Dispute.MinimumFee)
	}
	bands := cfg.Bands()
	if len(bands) != 20 {
		t.Fatalf("expected 20 bands, got %d", len(bands))
	}
	if bands[0].Rate != 300_000_000 || bands[2].Rate != 150_000_000 || bands[19].Rate != 10_000 {
		t.Fatalf("unexpected band rates %+v", bands)
	}
	if bands[19].UpTo != 0 {
		t.Fatalf("last band must be unbounded")
	}
	policy := cfg.CommissionPolicy()
	if policy.RateBps != 100 || policy.MinimumFee != 1_000_000 {
		t.Fatalf("commission policy %+v", policy)
	}
}

func TestFromYAMLRejectsBadPolicy(t *testing.T) {
	base := GenerateDefault(domain.RoleHub, 2)
	cases := map[string]string{
		"role":     strings.Replace(base, "role: hub", "role: sidechain", 1),
		"revote":   strings.Replace(base, "revote: overwrite", "revote: sometimes", 1),
		"tiebreak": strings.Replace(base, "tie_break: giver", "tie_break: coin", 1),
		"bands":    strings.Replace(base, `{up_to: "200000", rate: "300"}`, `{up_to: "50", rate: "300"}`, 1),
		"decimals": strings.Replace(base, `minimum_fee: "1"`, `minimum_fee: "0.0000001"`, 1),
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestAmountRoundTrip(t *testing.T) {
	a, err := ParseAmount("37.5")
	if err != nil {
		t.Fatal(err)
	}
	if a != 37_500_000 {
		t.Fatalf("amount = %d", a)
	}
	out, err := yaml.Marshal(struct {
		A Amount `yaml:"a"`
	}{a})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), "37.5") {
		t.Fatalf("marshalled %q", out)
	}
}

func TestLoadOptionalMissing(t *testing.T) {
	cfg, err := LoadOptional(t.TempDir())
	if err != nil || cfg != nil {
		t.Fatalf("expected nil,nil got %v,%v", cfg, err)
	}
}

func TestLoadFromWorkspace(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "openwork.yml"), []byte(GenerateDefault(domain.RoleLocal, 7)), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Domain.ID != 7 || cfg.Domain.Role != domain.RoleLocal {
		t.Fatalf("domain = %+v", cfg.Domain)
	}
}

func TestIsOracleMember(t *testing.T) {
	cfg := Default(domain.RoleHub, 2)
	cfg.Oracles = map[string][]string{"general": {"alice"}}
	if !cfg.IsOracleMember("general", "alice") || cfg.IsOracleMember("general", "bob") || cfg.IsOracleMember("other", "alice") {
		t.Fatalf("membership lookup broken")
	}
}

type envTestConfig struct {
	Port int `env:"OPENWORK_TEST_PORT" envDefault:"123"`
}

func TestParseEnvDefaults(t *testing.T) {
	var cfg envTestConfig
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Port != 123 {
		t.Fatalf("expected default port 123, got %d", cfg.Port)
	}
}

func TestParseEnvError(t *testing.T) {
	var cfg envTestConfig
	t.Setenv("OPENWORK_TEST_PORT", "not-an-int")
	err := ParseEnv(&cfg)
	if err == nil || !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env error, got %v", err)
	}
}

func TestLoadProcessBrokers(t *testing.T) {
	t.Setenv("OPENWORK_KAFKA_BROKERS", "a:9092,b:9092")
	p, err := LoadProcess()
	if err != nil {
		t.Fatal(err)
	}
	if len(p.KafkaBrokers) != 2 || p.KafkaBrokers[1] != "b:9092" {
		t.Fatalf("brokers = %v", p.KafkaBrokers)
	}
}
