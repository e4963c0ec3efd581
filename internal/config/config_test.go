package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/webforge/pkg/schema"
)

func writeSettings(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(SettingsPath(dir), []byte(content), 0o600))
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadWith(context.Background(), dir, envconfig.MapLookuper(nil))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "webforge.db"), cfg.Store.DBPath)
	assert.Equal(t, filepath.Join(dir, "builds"), cfg.Pipeline.WorkRoot)
	assert.Equal(t, filepath.Join(dir, "outputs"), cfg.Pipeline.OutputDir)
	assert.Equal(t, 2, cfg.Pipeline.MaxConcurrent)
	assert.Equal(t, 10*time.Minute, cfg.Pipeline.BuildTimeout)
	assert.Equal(t, "webforge-custom", cfg.Pipeline.ImageName)
	assert.Equal(t, 100000, cfg.Cipher.Iterations)
	assert.Equal(t, time.Hour, cfg.Cipher.CacheTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.Outputs.ArchiveTTL)
	assert.Equal(t, 24*time.Hour, cfg.Outputs.ImageTTL)
	assert.Equal(t, "@hourly", cfg.Maintenance.CleanupOutputs)
	assert.Equal(t, "0 3 * * *", cfg.Maintenance.ExpireCredentials)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.Source.AllowedHosts)
}

func TestLoad_SettingsFile(t *testing.T) {
	dir := t.TempDir()
	writeSettings(t, dir, `{
  "pipeline_max_concurrent": 4,
  "source_allowed_hosts": ["github.com", "gitlab.com"],
  "log_level": "debug",
  "outputs_archive_ttl": "72h",
  "source_default_branch": null
}`)

	cfg, err := LoadWith(context.Background(), dir, envconfig.MapLookuper(nil))
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Pipeline.MaxConcurrent)
	assert.Equal(t, []string{"github.com", "gitlab.com"}, cfg.Source.AllowedHosts)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 72*time.Hour, cfg.Outputs.ArchiveTTL)
	assert.Empty(t, cfg.Source.DefaultBranch)
}

func TestLoad_EnvOverridesSettings(t *testing.T) {
	dir := t.TempDir()
	writeSettings(t, dir, `{"pipeline_max_concurrent": 4, "log_level": "debug"}`)
	env := envconfig.MapLookuper(map[string]string{
		"WEBFORGE_PIPELINE_MAX_CONCURRENT": "8",
		"WEBFORGE_CIPHER_MASTER_SECRET":    "0123456789abcdef0123456789abcdef",
		"WEBFORGE_CIPHER_RETIRED_SECRETS":  "old-one, old-two",
		"PIPELINE_MAX_CONCURRENT":          "16",
	})

	cfg, err := LoadWith(context.Background(), dir, env)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Pipeline.MaxConcurrent)
	assert.Equal(t, "debug", cfg.Log.Level)

	master, retired := cfg.Cipher.Secrets()
	assert.Equal(t, []byte("0123456789abcdef0123456789abcdef"), master)
	assert.Equal(t, [][]byte{[]byte("old-one"), []byte("old-two")}, retired)
}

func TestLoad_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		settings string
		env      map[string]string
	}{
		{"malformed settings", `{"log_level": `, nil},
		{"nested settings value", `{"pipeline": {"max_concurrent": 2}}`, nil},
		{"zero concurrency", "", map[string]string{"WEBFORGE_PIPELINE_MAX_CONCURRENT": "0"}},
		{"unknown log level", "", map[string]string{"WEBFORGE_LOG_LEVEL": "chatty"}},
		{"weak kdf", "", map[string]string{"WEBFORGE_CIPHER_KDF_ITERATIONS": "1000"}},
		{"bad duration", "", map[string]string{"WEBFORGE_PIPELINE_BUILD_TIMEOUT": "soon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if tt.settings != "" {
				writeSettings(t, dir, tt.settings)
			}
			_, err := LoadWith(context.Background(), dir, envconfig.MapLookuper(tt.env))
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeValidation), err.Error())
		})
	}
}
