package revy_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mickamy/revy"
)

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tcs := []struct {
		name    string
		cfg     revy.Config
		setting string
	}{
		{name: "zero value", cfg: revy.Config{}},
		{name: "msgpack", cfg: revy.Config{Serialization: "msgpack", ChunkSize: 10}},
		{name: "negative chunk size", cfg: revy.Config{ChunkSize: -1}, setting: "ChunkSize"},
		{name: "unknown serialization", cfg: revy.Config{Serialization: "xml"}, setting: "Serialization"},
	}

	for _, tc := range tcs {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.cfg.Validate()
			if tc.setting == "" {
				assert.NoError(t, err)
				return
			}
			var cerr *revy.ConfigurationError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tc.setting, cerr.Setting)
		})
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := revy.New(openStore(t), revy.Config{ChunkSize: -5}, &Account{})
	var cerr *revy.ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, cerr.Error(), "gte")
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
		return p
	}

	cfg, err := revy.LoadConfig(write("ok.yaml", `
models: [accounts, books]
exclude_auto_created: true
chunk_size: 250
serialization: msgpack
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"accounts", "books"}, cfg.Models)
	assert.True(t, cfg.ExcludeAutoCreated)
	assert.Equal(t, 250, cfg.ChunkSize)
	assert.Equal(t, "msgpack", cfg.Serialization)

	_, err = revy.LoadConfig(write("bad.yaml", "chunk_size: -1\n"))
	var cerr *revy.ConfigurationError
	assert.ErrorAs(t, err, &cerr)

	_, err = revy.LoadConfig(write("broken.yaml", "models: [unterminated\n"))
	assert.ErrorContains(t, err, "parse config")

	_, err = revy.LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "read config")
}
