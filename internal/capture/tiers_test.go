package capture

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadTiersDefaults(t *testing.T) {
	t.Parallel()

	tiers, err := LoadTiers("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tiers) != 3 || tiers[0].SampleRate != 16000 || !tiers[2].IsAnyAudio() {
		t.Fatalf("unexpected default ladder: %+v", tiers)
	}

	missing, err := LoadTiers(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil || len(missing) != 3 {
		t.Fatalf("expected defaults for missing file, got %+v err=%v", missing, err)
	}
}

func TestLoadTiersFromYAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tiers.yaml")
	contents := "tiers:\n  - sample_rate: 16000\n    channels: 1\n    noise_suppression: true\n  - {}\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	tiers, err := LoadTiers(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(tiers) != 2 {
		t.Fatalf("expected 2 tiers, got %d", len(tiers))
	}
	if !tiers[0].NoiseSuppression || tiers[0].EchoCancellation || tiers[0].Channels != 1 {
		t.Fatalf("unexpected first tier: %+v", tiers[0])
	}
	if !tiers[1].IsAnyAudio() {
		t.Fatalf("expected any-audio second tier")
	}
}

func TestLoadTiersRejectsInvalidFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cases := map[string]string{
		"empty.yaml":    "tiers: []\n",
		"negative.yaml": "tiers:\n  - sample_rate: -1\n",
		"broken.yaml":   "tiers: [\n",
	}
	for name, contents := range cases {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		if _, err := LoadTiers(path); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
