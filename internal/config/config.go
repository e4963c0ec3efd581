// Package config loads webforge settings.
//
// Priority: WEBFORGE_* environment variables > settings.json in the data
// directory > defaults. settings.json is a flat object whose keys are the
// variable names without the WEBFORGE_ prefix, in any case:
//
//	{"pipeline_max_concurrent": 4, "source_allowed_hosts": ["github.com"]}
package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"

	"github.com/rendis/webforge/internal/validation"
	"github.com/rendis/webforge/pkg/schema"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "WEBFORGE_"

type Store struct {
	DBPath string `env:"DB_PATH"`
}

type Cipher struct {
	MasterSecret   string        `env:"MASTER_SECRET"`
	RetiredSecrets []string      `env:"RETIRED_SECRETS"`
	Iterations     int           `env:"KDF_ITERATIONS, default=100000" validate:"min=100000"`
	CacheTTL       time.Duration `env:"KEY_CACHE_TTL, default=1h"`
}

type Source struct {
	AllowedHosts  []string      `env:"ALLOWED_HOSTS"`
	CloneTimeout  time.Duration `env:"CLONE_TIMEOUT, default=5m"`
	CloneDepth    int           `env:"CLONE_DEPTH, default=1" validate:"min=0"`
	GitBinary     string        `env:"GIT_BINARY, default=git"`
	DefaultURL    string        `env:"DEFAULT_URL"`
	DefaultBranch string        `env:"DEFAULT_BRANCH"`
}

type Pipeline struct {
	WorkRoot      string        `env:"WORK_ROOT"`
	OutputDir     string        `env:"OUTPUT_DIR"`
	AssetRoot     string        `env:"ASSET_ROOT"`
	MaxConcurrent int           `env:"MAX_CONCURRENT, default=2" validate:"min=1,max=64"`
	PollInterval  time.Duration `env:"POLL_INTERVAL, default=5s"`
	BuildTimeout  time.Duration `env:"BUILD_TIMEOUT, default=10m"`
	PushTimeout   time.Duration `env:"PUSH_TIMEOUT, default=10m"`
	DockerBinary  string        `env:"DOCKER_BINARY, default=docker"`
	AWSBinary     string        `env:"AWS_BINARY, default=aws"`
	ImageName     string        `env:"IMAGE_NAME, default=webforge-custom"`
}

type Outputs struct {
	ArchiveTTL time.Duration `env:"ARCHIVE_TTL, default=168h"`
	ImageTTL   time.Duration `env:"IMAGE_TTL, default=24h"`
}

type Maintenance struct {
	Tick              time.Duration `env:"TICK, default=1m"`
	CleanupOutputs    string        `env:"CLEANUP_OUTPUTS, default=@hourly"`
	ExpireCredentials string        `env:"EXPIRE_CREDENTIALS, default=0 3 * * *"`
}

type Log struct {
	Level string `env:"LEVEL, default=info" validate:"oneof=debug info warn error"`
}

// Config holds all webforge configuration.
type Config struct {
	Home        string
	Store       Store       `env:",prefix=STORE_"`
	Cipher      Cipher      `env:",prefix=CIPHER_"`
	Source      Source      `env:",prefix=SOURCE_"`
	Pipeline    Pipeline    `env:",prefix=PIPELINE_"`
	Outputs     Outputs     `env:",prefix=OUTPUTS_"`
	Maintenance Maintenance `env:",prefix=MAINTENANCE_"`
	Log         Log         `env:",prefix=LOG_"`
}

// Dir returns the data directory: $WEBFORGE_HOME, else ~/.webforge.
func Dir() string {
	if v := os.Getenv(EnvPrefix + "HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".webforge"
	}
	return filepath.Join(home, ".webforge")
}

// SettingsPath returns the settings.json location inside dir.
func SettingsPath(dir string) string {
	return filepath.Join(dir, "settings.json")
}

// Load reads the configuration from the process environment and the
// settings file of Dir().
func Load(ctx context.Context) (*Config, error) {
	return LoadWith(ctx, Dir(), envconfig.OsLookuper())
}

// LoadWith reads the configuration from env (unprefixed lookups are made
// with EnvPrefix) layered over dir/settings.json.
func LoadWith(ctx context.Context, dir string, env envconfig.Lookuper) (*Config, error) {
	settings, err := readSettings(SettingsPath(dir))
	if err != nil {
		return nil, err
	}

	cfg := Config{Home: dir}
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target: &cfg,
		Lookuper: envconfig.MultiLookuper(
			envconfig.PrefixLookuper(EnvPrefix, env),
			envconfig.MapLookuper(settings),
		),
	}); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "config: %v", err).WithCause(err)
	}
	cfg.derive()
	if err := validation.Struct(cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// derive fills paths that default to locations under Home.
func (c *Config) derive() {
	if c.Store.DBPath == "" {
		c.Store.DBPath = filepath.Join(c.Home, "webforge.db")
	}
	if c.Pipeline.WorkRoot == "" {
		c.Pipeline.WorkRoot = filepath.Join(c.Home, "builds")
	}
	if c.Pipeline.OutputDir == "" {
		c.Pipeline.OutputDir = filepath.Join(c.Home, "outputs")
	}
	if c.Pipeline.AssetRoot == "" {
		c.Pipeline.AssetRoot = filepath.Join(c.Home, "assets")
	}
}

// Secrets returns the master and retired secrets as bytes.
func (c Cipher) Secrets() (master []byte, retired [][]byte) {
	for _, r := range c.RetiredSecrets {
		if r = strings.TrimSpace(r); r != "" {
			retired = append(retired, []byte(r))
		}
	}
	return []byte(c.MasterSecret), retired
}

// readSettings flattens settings.json into env-style keys. A missing file
// yields an empty map.
func readSettings(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "read %s: %v", path, err).WithCause(err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse %s: %v", path, err).WithCause(err)
	}

	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		s, err := settingValue(v)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: key %s: %v", path, k, err)
		}
		out[strings.ToUpper(k)] = s
	}
	return out, nil
}

func settingValue(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	case bool:
		return fmt.Sprint(t), nil
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			s, err := settingValue(item)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), nil
	}
	return "", fmt.Errorf("unsupported value of type %T", v)
}
