package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Policy holds the tunables of the no-show ledger.
type Policy struct {
	// Distinct non-self voters needed to confirm an absence.
	QuorumThreshold int `koanf:"quorum_threshold"`
	// Rating points removed per confirmed no-show.
	PenaltyMagnitude int64 `koanf:"penalty_magnitude"`
	// Rating points returned per completed attendance cycle, capped by debt.
	RecoveryStep int64 `koanf:"recovery_step"`
	// Attended matches per recovery installment.
	CycleLength int `koanf:"cycle_length"`
	// Rating assigned to a profile the first time the ledger touches it.
	DefaultRating int64 `koanf:"default_rating"`
	// Upper bound on users processed concurrently in one pass.
	Parallelism int `koanf:"parallelism"`
}

// DefaultPolicy returns the production policy.
func DefaultPolicy() Policy {
	return Policy{
		QuorumThreshold:  2,
		PenaltyMagnitude: 30,
		RecoveryStep:     10,
		CycleLength:      3,
		DefaultRating:    1000,
		Parallelism:      8,
	}
}

// LoadPolicy layers defaults, an optional YAML file and LEDGER_POLICY_* env vars.
func LoadPolicy(path string) (Policy, error) {
	policy := DefaultPolicy()
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return policy, fmt.Errorf("failed to load policy file %s: %w", path, err)
		}
	}

	// LEDGER_POLICY_PENALTY_MAGNITUDE -> penalty_magnitude
	envProvider := env.Provider("LEDGER_POLICY_", ".", func(s string) string {
		return strings.TrimPrefix(strings.ToLower(s), "ledger_policy_")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return policy, err
	}

	if err := k.UnmarshalWithConf("", &policy, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return policy, fmt.Errorf("failed to decode policy: %w", err)
	}
	if err := policy.Validate(); err != nil {
		return policy, err
	}
	return policy, nil
}

func (p Policy) Validate() error {
	switch {
	case p.QuorumThreshold < 2:
		return errors.New("quorum_threshold must be at least 2, one report never confirms an absence")
	case p.PenaltyMagnitude <= 0:
		return errors.New("penalty_magnitude must be positive")
	case p.RecoveryStep <= 0:
		return errors.New("recovery_step must be positive")
	case p.CycleLength < 1:
		return errors.New("cycle_length must be at least 1")
	case p.Parallelism < 1:
		return errors.New("parallelism must be at least 1")
	}
	return nil
}
