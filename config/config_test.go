package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	c := NewConfig()
	require.Equal(t, DefaultJoiningTimeout, c.JoiningTimeout())
	require.Equal(t, DefaultAggregatorCapacity, c.AggregatorCapacity())
	require.False(t, c.IsFirst())
}

func TestNewConfigOptionsOverrideDefaults(t *testing.T) {
	c := NewConfig(
		WithJoiningTimeout(5*time.Second),
		WithGenesis(),
		WithSectionID("alpha"),
		WithBootstrapPeers("10.0.0.1:7000", "10.0.0.2:7000"),
	)
	require.Equal(t, 5*time.Second, c.JoiningTimeout())
	require.True(t, c.IsFirst())
	require.Equal(t, "alpha", c.SectionID())
	require.Equal(t, []string{"10.0.0.1:7000", "10.0.0.2:7000"}, c.BootstrapPeers())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "elderd.toml")

	orig := NewConfig(
		WithDataDir(dir),
		WithSectionID("beta"),
		WithJoiningTimeout(42*time.Second),
		WithGenesis(),
	)
	require.NoError(t, orig.Save(p))

	loaded, err := Load(p)
	require.NoError(t, err)
	require.Equal(t, orig.DataDir(), loaded.DataDir())
	require.Equal(t, orig.SectionID(), loaded.SectionID())
	require.Equal(t, orig.JoiningTimeout(), loaded.JoiningTimeout())
	require.True(t, loaded.IsFirst())
}
