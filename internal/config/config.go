/*
   Copyright The fncache Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package config loads the cache server's TOML configuration file,
// following the teacher's srvconfig pattern: one versioned root
// struct with a nested table per subsystem, a default that a "config
// default" CLI subcommand can dump, and a loader that layers a file's
// contents over those defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// ConfigVersion is the only version this implementation writes; a
// file with no version (or an older one) is still read, on the
// assumption that its shape matches this one (there have been no
// incompatible field changes yet).
const ConfigVersion = 1

// CacheConfig is the `[cache]` table: the knobs coordinator.Config
// needs plus the listen address and background-loop periods that
// belong above the coordinator.
type CacheConfig struct {
	// Root is the stable-cache metadata root.
	Root string `toml:"root"`
	// GranularityBits and ArcBits control MultiPKFile grouping and
	// on-disk directory fan-out.
	GranularityBits int `toml:"granularity_bits"`
	ArcBits         int `toml:"arc_bits"`
	// FlushThreshold is the number of new entries a MultiPKFile
	// accumulates before an async flush is triggered.
	FlushThreshold int `toml:"flush_threshold"`
	// MaxFlushWorkers bounds concurrent MultiPKFile rewrites.
	MaxFlushWorkers int64 `toml:"max_flush_workers"`
	// LeaseTTL is how long a lease survives without renewal, as a
	// Go duration string (e.g. "2h30m").
	LeaseTTL string `toml:"lease_ttl"`
	// NoHits forces every lookup to report a miss.
	NoHits bool `toml:"no_hits"`

	// FreePeriod is the free/evict loop's own tick interval.
	// EvictPeriod and PurgeWarmPeriod are how long a VPKFile must sit
	// untouched (in multiples of FreePeriod) before it is evicted, and
	// before an unmodified MultiPKFile's VPKFiles have their warm,
	// on-disk-sourced entries dropped from memory.
	EvictPeriod     string `toml:"evict_period"`
	FreePeriod      string `toml:"free_period"`
	PurgeWarmPeriod string `toml:"purge_warm_period"`
	// FlushNewPeriod is how long a MultiPKFile may carry unflushed new
	// entries before the free/evict loop forces a flush regardless of
	// FlushThreshold.
	FlushNewPeriod string `toml:"flush_new_period"`

	// ListenAddress is the ttrpc socket path or address the RPC front
	// listens on.
	ListenAddress string `toml:"listen_address"`
}

// Config is the root of the TOML document.
type Config struct {
	Version int         `toml:"version"`
	Debug   string      `toml:"debug"`
	Cache   CacheConfig `toml:"cache"`
}

// Default returns the configuration a freshly installed cache server
// starts from, matching §6's documented defaults.
func Default() *Config {
	return &Config{
		Version: ConfigVersion,
		Debug:   "info",
		Cache: CacheConfig{
			Root:            "/var/lib/fncached",
			GranularityBits: 8,
			ArcBits:         4,
			FlushThreshold:  200,
			MaxFlushWorkers: 4,
			LeaseTTL:        "2h",
			EvictPeriod:     "5m",
			FreePeriod:      "5m",
			PurgeWarmPeriod: "1m",
			FlushNewPeriod:  "10m",
			ListenAddress:   "/run/fncached/fncached.sock",
		},
	}
}

// Load reads path (if it exists) and decodes it over cfg, which the
// caller has normally already populated with Default(). A missing
// file is not an error: the caller is expected to check os.IsNotExist
// itself if it cares, matching srvconfig.LoadConfig's contract.
func Load(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// LeaseTTLDuration parses Cache.LeaseTTL, defaulting to two hours on
// an empty or unparsable value.
func (c *CacheConfig) LeaseTTLDuration() time.Duration {
	return parseDurationOr(c.LeaseTTL, 2*time.Hour)
}

// EvictPeriodDuration parses Cache.EvictPeriod.
func (c *CacheConfig) EvictPeriodDuration() time.Duration {
	return parseDurationOr(c.EvictPeriod, 5*time.Minute)
}

// FreePeriodDuration parses Cache.FreePeriod.
func (c *CacheConfig) FreePeriodDuration() time.Duration {
	return parseDurationOr(c.FreePeriod, 5*time.Minute)
}

// PurgeWarmPeriodDuration parses Cache.PurgeWarmPeriod.
func (c *CacheConfig) PurgeWarmPeriodDuration() time.Duration {
	return parseDurationOr(c.PurgeWarmPeriod, time.Minute)
}

// FlushNewPeriodDuration parses Cache.FlushNewPeriod.
func (c *CacheConfig) FlushNewPeriodDuration() time.Duration {
	return parseDurationOr(c.FlushNewPeriod, 10*time.Minute)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
