package capture

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"voiceplan/internal/domain"
)

// DefaultTiers is the fallback ladder: full speech profile, then processing
// only, then any audio input.
func DefaultTiers() []domain.ConstraintTier {
	return []domain.ConstraintTier{
		{
			SampleRate:       domain.FrameSampleRate,
			Channels:         domain.FrameChannels,
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
		},
		{
			EchoCancellation: true,
			NoiseSuppression: true,
		},
		{},
	}
}

// MinimalTiers requests any audio input; used by diagnostics.
func MinimalTiers() []domain.ConstraintTier {
	return []domain.ConstraintTier{{}}
}

type tierFile struct {
	Tiers []domain.ConstraintTier `yaml:"tiers"`
}

// LoadTiers reads a YAML tier ladder. An empty path or a missing file yields
// DefaultTiers.
func LoadTiers(path string) ([]domain.ConstraintTier, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultTiers(), nil
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultTiers(), nil
		}
		return nil, fmt.Errorf("failed to read tier file %q: %w", path, err)
	}

	var parsed tierFile
	if err := yaml.Unmarshal(contents, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse tier file %q: %w", path, err)
	}
	if len(parsed.Tiers) == 0 {
		return nil, fmt.Errorf("tier file %q defines no tiers", path)
	}
	for i, tier := range parsed.Tiers {
		if tier.SampleRate < 0 || tier.Channels < 0 {
			return nil, fmt.Errorf("tier %d in %q has negative sample rate or channel count", i, path)
		}
	}
	return parsed.Tiers, nil
}
