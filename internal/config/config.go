// Package config loads agenda's settings from defaults, an optional YAML
// file, AGENDA_ environment variables and command-line flags, in that order
// of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/conorfennell/agenda/internal/offline"
	"github.com/conorfennell/agenda/internal/storage"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "AGENDA_"

// Config is the full runtime configuration.
type Config struct {
	Listen  string  `koanf:"listen" validate:"required,hostname_port"`
	DB      DB      `koanf:"db"`
	Storage Storage `koanf:"storage"`
	Offline Offline `koanf:"offline"`
	Log     Log     `koanf:"log"`
	Cleanup Cleanup `koanf:"cleanup"`
}

type DB struct {
	Path        string        `koanf:"path" validate:"required"`
	Version     int           `koanf:"version" validate:"min=1"`
	BusyTimeout time.Duration `koanf:"busy_timeout" validate:"min=0"`
}

type Storage struct {
	TxTimeout time.Duration `koanf:"tx_timeout" validate:"min=0"`
}

// Offline configures the shell cache. Exactly one source of assets is
// used: GitURL if set, else Origin if set, else OriginDir.
type Offline struct {
	Version   string   `koanf:"version" validate:"omitempty,printascii,excludesall=/\\"`
	Prefix    string   `koanf:"prefix" validate:"required,printascii,excludesall=/\\"`
	CacheDir  string   `koanf:"cache_dir" validate:"required"`
	Origin    string   `koanf:"origin" validate:"omitempty,url"`
	OriginDir string   `koanf:"origin_dir" validate:"required"`
	GitURL    string   `koanf:"git_url"`
	Critical  []string `koanf:"critical" validate:"dive,required"`
	General   []string `koanf:"general" validate:"dive,required"`
}

// Manifest returns the configured asset manifest.
func (o Offline) Manifest() offline.Manifest {
	return offline.Manifest{Critical: o.Critical, General: o.General}
}

type Log struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

// SlogLevel maps the configured level name to a slog.Level.
func (l Log) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

type Cleanup struct {
	Enabled bool `koanf:"enabled"`
}

// ErrHelp is returned by Load when usage was requested.
var ErrHelp = pflag.ErrHelp

// Flags returns the flag set understood by Load. Flag names are the
// configuration keys, and their defaults are the default configuration.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("agenda", pflag.ContinueOnError)
	fs.String("config", "", "Path to a YAML configuration file")
	fs.String("listen", ":8080", "Address to serve HTTP on")
	fs.String("db.path", "agenda.db", "Path to the SQLite database file")
	fs.Int("db.version", storage.SchemaVersion, "Schema version to open the database at")
	fs.Duration("db.busy_timeout", 5*time.Second, "How long to wait on a locked database")
	fs.Duration("storage.tx_timeout", 10*time.Second, "Upper bound on a single transaction (0 disables)")
	fs.String("offline.version", "", "Cache version tag (defaults to the asset repository HEAD, or \"dev\")")
	fs.String("offline.prefix", offline.DefaultPrefix, "Prefix of cache generation names")
	fs.String("offline.cache_dir", "cache", "Directory holding cache generations")
	fs.String("offline.origin", "", "URL of the origin serving the shell assets")
	fs.String("offline.origin_dir", "public", "Directory serving the shell assets")
	fs.String("offline.git_url", "", "Git repository holding the shell assets")
	fs.StringSlice("offline.critical", offline.DefaultManifest.Critical, "Assets which must be cached for offline use")
	fs.StringSlice("offline.general", offline.DefaultManifest.General, "Assets cached when available")
	fs.String("log.level", "info", "Log level: debug, info, warn or error")
	fs.String("log.format", "text", "Log format: text or json")
	fs.Bool("cleanup.enabled", true, "Sweep completed tasks and processed inbox items once a day")
	return fs
}

// Load parses args and builds the validated configuration.
func Load(args []string) (*Config, error) {
	fs := Flags()
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	k := koanf.New(".")
	if path, _ := fs.GetString("config"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}
	// Unchanged flags only fill keys the layers above left unset.
	if err := k.Load(posflag.Provider(fs, ".", k), nil); err != nil {
		return nil, fmt.Errorf("failed to load flags: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps AGENDA_DB_BUSY_TIMEOUT to db.busy_timeout: the first
// underscore separates the section from the key.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	if s == "config" {
		return ""
	}
	return strings.Replace(s, "_", ".", 1)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field against its constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, ", "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
