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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesDocumentedValues(t *testing.T) {
	cfg := Default()
	require.Equal(t, ConfigVersion, cfg.Version)
	require.Equal(t, 8, cfg.Cache.GranularityBits)
	require.Equal(t, 4, cfg.Cache.ArcBits)
	require.Equal(t, 200, cfg.Cache.FlushThreshold)
	require.Equal(t, int64(4), cfg.Cache.MaxFlushWorkers)
	require.Equal(t, 2*time.Hour, cfg.Cache.LeaseTTLDuration())
	require.Equal(t, 5*time.Minute, cfg.Cache.EvictPeriodDuration())
	require.Equal(t, 5*time.Minute, cfg.Cache.FreePeriodDuration())
	require.Equal(t, time.Minute, cfg.Cache.PurgeWarmPeriodDuration())
	require.Equal(t, 10*time.Minute, cfg.Cache.FlushNewPeriodDuration())
}

func TestLoadLayersOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fncached.toml")
	const doc = `
version = 1

[cache]
root = "/tmp/custom-root"
lease_ttl = "30m"
no_hits = true
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg := Default()
	require.NoError(t, Load(path, cfg))

	require.Equal(t, "/tmp/custom-root", cfg.Cache.Root)
	require.Equal(t, 30*time.Minute, cfg.Cache.LeaseTTLDuration())
	require.True(t, cfg.Cache.NoHits)
	// Fields the override document doesn't mention keep their defaults.
	require.Equal(t, 8, cfg.Cache.GranularityBits)
	require.Equal(t, "/run/fncached/fncached.sock", cfg.Cache.ListenAddress)
}

func TestLoadMissingFileReturnsNotExist(t *testing.T) {
	cfg := Default()
	err := Load(filepath.Join(t.TempDir(), "missing.toml"), cfg)
	require.Error(t, err)
	require.True(t, os.IsNotExist(err))
}

func TestDurationParsingFallsBackOnInvalidValue(t *testing.T) {
	cfg := Default()
	cfg.Cache.LeaseTTL = "not-a-duration"
	require.Equal(t, 2*time.Hour, cfg.Cache.LeaseTTLDuration())
}
