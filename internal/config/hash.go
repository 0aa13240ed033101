package config

import (
	"encoding/json"

	"github.com/cespare/xxhash/v2"
)

// hashConfig fingerprints a config so editor write bursts without content
// changes do not republish.
func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil || len(b) == 0 {
		return 0
	}
	return xxhash.Sum64(b)
}
