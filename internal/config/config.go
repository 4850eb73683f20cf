// Package config loads the optional per-repository tuning file. Every
// knob has a default; a missing file is not an error.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// FileName is the tuning file's name inside the repository directory.
const FileName = "strata.yaml"

type Tuning struct {
	// DeltaRatio is the maximum delta size as a fraction of the full
	// content size before a snapshot is stored instead.
	DeltaRatio float64 `yaml:"delta_ratio"`
	// MaxChainLen bounds the delta chain length.
	MaxChainLen int `yaml:"max_chain_len"`
	// BlobThreshold is the content size in bytes above which payloads
	// move to the external blob store. Zero disables externalization.
	BlobThreshold int `yaml:"blob_threshold"`
	// LockTimeoutSeconds bounds how long a writer waits for the lock.
	LockTimeoutSeconds int `yaml:"lock_timeout_seconds"`
	// CensorPolicy is the default read policy: "abort" or "ignore".
	CensorPolicy string `yaml:"censor_policy"`
}

func defaults() Tuning {
	return Tuning{
		DeltaRatio:         0.5,
		MaxChainLen:        64,
		LockTimeoutSeconds: 10,
		CensorPolicy:       "abort",
	}
}

// Load reads the tuning file at path. A missing file yields the
// defaults; a malformed one is an error.
func Load(path string) (Tuning, error) {
	t := defaults()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return t, nil
	}
	if err != nil {
		return t, fmt.Errorf("reading tuning file %s: %w", path, err)
	}

	var in Tuning
	if err := yaml.Unmarshal(data, &in); err != nil {
		return t, fmt.Errorf("parsing tuning file %s: %w", path, err)
	}

	if in.DeltaRatio > 0 {
		t.DeltaRatio = in.DeltaRatio
	}
	if in.MaxChainLen > 0 {
		t.MaxChainLen = in.MaxChainLen
	}
	if in.BlobThreshold > 0 {
		t.BlobThreshold = in.BlobThreshold
	}
	if in.LockTimeoutSeconds > 0 {
		t.LockTimeoutSeconds = in.LockTimeoutSeconds
	}
	if in.CensorPolicy != "" {
		t.CensorPolicy = in.CensorPolicy
	}
	return t, nil
}
