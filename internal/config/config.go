package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"openwork/internal/domain"
	"openwork/internal/ledger"
	"openwork/internal/rewards"
)

// Config models openwork.yml.
type Config struct {
	Domain struct {
		ID   uint32      `yaml:"id"`
		Role domain.Role `yaml:"role"`
		Hub  uint32      `yaml:"hub"`
		Main uint32      `yaml:"main"`
	} `yaml:"domain"`
	Commission struct {
		RateBps    int64  `yaml:"rate_bps"`
		MinimumFee Amount `yaml:"minimum_fee"`
	} `yaml:"commission"`
	Dispute struct {
		MinimumFee        Amount        `yaml:"minimum_fee"`
		VotingPeriod      time.Duration `yaml:"voting_period"`
		EarnedEligibility Amount        `yaml:"earned_eligibility"`
		Revote            string        `yaml:"revote"`
		TieBreak          string        `yaml:"tie_break"`
	} `yaml:"dispute"`
	Oracles map[string][]string `yaml:"oracles"`
	Rewards struct {
		ReferrerBps int64        `yaml:"referrer_bps"`
		Bands       []BandConfig `yaml:"bands"`
	} `yaml:"rewards"`
	Staking struct {
		// Multipliers in tenths, keyed by duration.
		Durations map[string]int64 `yaml:"durations"`
	} `yaml:"staking"`
	Governance struct {
		ProposalThreshold Amount        `yaml:"proposal_threshold"`
		VoteThreshold     Amount        `yaml:"vote_threshold"`
		VotingPeriod      time.Duration `yaml:"voting_period"`
	} `yaml:"governance"`
	Router struct {
		HoldTimeout time.Duration `yaml:"hold_timeout"`
	} `yaml:"router"`
	Transfers struct {
		MaxAttempts int `yaml:"max_attempts"`
	} `yaml:"transfers"`
}

type BandConfig struct {
	UpTo Amount `yaml:"up_to"`
	Rate Amount `yaml:"rate"`
}

const (
	RevoteOverwrite = "overwrite"
	RevoteReject    = "reject"
	TieBreakGiver   = "giver"
	TieBreakTaker   = "taker"
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with openwork config show > %s", path, path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Domain.Role {
	case domain.RoleLocal, domain.RoleHub, domain.RoleMain:
	default:
		return fmt.Errorf("config.domain.role must be one of local, hub, main")
	}
	if c.Domain.ID == 0 {
		return fmt.Errorf("config.domain.id is required")
	}
	if c.Domain.Hub == 0 {
		return fmt.Errorf("config.domain.hub is required")
	}
	if c.Domain.Main == 0 {
		return fmt.Errorf("config.domain.main is required")
	}
	if c.Commission.RateBps < 0 || c.Commission.RateBps > 10_000 {
		return fmt.Errorf("config.commission.rate_bps must be within 0..10000")
	}
	if c.Commission.MinimumFee < 0 {
		return fmt.Errorf("config.commission.minimum_fee must not be negative")
	}
	if c.Dispute.VotingPeriod <= 0 {
		return fmt.Errorf("config.dispute.voting_period must be positive")
	}
	switch c.Dispute.Revote {
	case RevoteOverwrite, RevoteReject:
	default:
		return fmt.Errorf("config.dispute.revote must be overwrite or reject")
	}
	switch c.Dispute.TieBreak {
	case TieBreakGiver, TieBreakTaker:
	default:
		return fmt.Errorf("config.dispute.tie_break must be giver or taker")
	}
	for group, members := range c.Oracles {
		if group == "" {
			return fmt.Errorf("config.oracles contains an empty group name")
		}
		for _, m := range members {
			if m == "" {
				return fmt.Errorf("oracle group %s has an empty member", group)
			}
		}
	}
	if c.Rewards.ReferrerBps < 0 || c.Rewards.ReferrerBps > 5_000 {
		return fmt.Errorf("config.rewards.referrer_bps must be within 0..5000")
	}
	if err := rewards.Validate(c.Bands()); err != nil {
		return fmt.Errorf("config.rewards.bands: %w", err)
	}
	if len(c.Staking.Durations) == 0 {
		return fmt.Errorf("config.staking.durations is required")
	}
	for d, m := range c.Staking.Durations {
		if m <= 0 {
			return fmt.Errorf("stake duration %s must have a positive multiplier", d)
		}
	}
	if c.Governance.VotingPeriod <= 0 {
		return fmt.Errorf("config.governance.voting_period must be positive")
	}
	if c.Router.HoldTimeout <= 0 {
		return fmt.Errorf("config.router.hold_timeout must be positive")
	}
	if c.Transfers.MaxAttempts <= 0 {
		return fmt.Errorf("config.transfers.max_attempts must be positive")
	}
	return nil
}

// Bands converts the configured band table to reward units.
func (c *Config) Bands() []rewards.Band {
	out := make([]rewards.Band, 0, len(c.Rewards.Bands))
	for _, b := range c.Rewards.Bands {
		out = append(out, rewards.Band{UpTo: int64(b.UpTo), Rate: int64(b.Rate)})
	}
	return out
}

func (c *Config) CommissionPolicy() ledger.CommissionPolicy {
	return ledger.CommissionPolicy{RateBps: c.Commission.RateBps, MinimumFee: int64(c.Commission.MinimumFee)}
}

// IsOracleMember reports whether user belongs to the named oracle group.
func (c *Config) IsOracleMember(group, user string) bool {
	for _, m := range c.Oracles[group] {
		if m == user {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "openwork.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(role domain.Role, domainID uint32) string {
	return fmt.Sprintf(defaultTemplate, domainID, role)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a domain.
func Default(role domain.Role, domainID uint32) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(role, domainID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Amounts are written in whole units with up to six decimals.
const defaultTemplate = `domain:
  id: %d
  role: %s
  hub: 2
  main: 3

commission:
  rate_bps: 100
  minimum_fee: "1"

dispute:
  minimum_fee: "50"
  voting_period: 72h
  earned_eligibility: "100"
  revote: overwrite
  tie_break: giver

oracles:
  general: []

rewards:
  referrer_bps: 1000
  # up_to is cumulative settled volume in USDC, rate is OW per USDC.
  bands:
    - {up_to: "100000", rate: "300"}
    - {up_to: "200000", rate: "300"}
    - {up_to: "400000", rate: "150"}
    - {up_to: "800000", rate: "75"}
    - {up_to: "1600000", rate: "37.5"}
    - {up_to: "3200000", rate: "18.75"}
    - {up_to: "6400000", rate: "9.375"}
    - {up_to: "12800000", rate: "4.6875"}
    - {up_to: "25600000", rate: "2.34375"}
    - {up_to: "51200000", rate: "1.171875"}
    - {up_to: "102400000", rate: "0.585937"}
    - {up_to: "204800000", rate: "0.292968"}
    - {up_to: "409600000", rate: "0.146484"}
    - {up_to: "819200000", rate: "0.073242"}
    - {up_to: "1638400000", rate: "0.036621"}
    - {up_to: "3276800000", rate: "0.01831"}
    - {up_to: "6553600000", rate: "0.01"}
    - {up_to: "13107200000", rate: "0.01"}
    - {up_to: "26214400000", rate: "0.01"}
    - {up_to: "0", rate: "0.01"}

staking:
  # multiplier in tenths
  durations:
    1w: 10
    1m: 15
    3m: 20
    6m: 30
    1y: 50

governance:
  proposal_threshold: "100"
  vote_threshold: "50"
  voting_period: 168h

router:
  hold_timeout: 2m

transfers:
  max_attempts: 5
`
