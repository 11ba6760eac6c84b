package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/xyproto/env/v2"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v2"

	"github.com/lojhan/twolevel/internal/hashfn"
	"github.com/lojhan/twolevel/internal/logging"
	"github.com/lojhan/twolevel/internal/persistence"
)

const EnvPrefix = "TWOLEVEL_"

type Config struct {
	Addr      string `yaml:"addr"`
	AdminAddr string `yaml:"admin_addr"`
	Multicore bool   `yaml:"multicore"`

	Capacity     int    `yaml:"capacity"`
	HashFunction string `yaml:"hash_function"`

	SnapshotFile string `yaml:"snapshot_file"`
	AppendOnly   bool   `yaml:"appendonly"`
	AppendFile   string `yaml:"appendfilename"`
	AppendFsync  string `yaml:"appendfsync"`

	RedisAddr     string        `yaml:"redis_addr"`
	RedisCompress bool          `yaml:"redis_compress"`
	RedisTimeout  time.Duration `yaml:"redis_timeout"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

func Default() Config {
	return Config{
		Addr:         ":6379",
		AdminAddr:    ":8080",
		Capacity:     10,
		HashFunction: hashfn.Default,
		SnapshotFile: persistence.DefaultSnapshotFile,
		AppendFile:   "appendonly.aof",
		AppendFsync:  string(persistence.AOFSyncEverySec),
		RedisTimeout: 5 * time.Second,
		LogLevel:     logging.DefaultLevel,
	}
}

// LookupFunc reports the value of an environment variable.
type LookupFunc func(name string) (string, bool)

// Environ reads the process environment.
func Environ(name string) (string, bool) {
	return env.Str(name), env.Has(name)
}

// Load layers defaults, the YAML file named by -config or TWOLEVEL_CONFIG,
// the .env file, TWOLEVEL_* variables and finally explicit flags.
func Load(args []string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		lookup = Environ
	}

	first := Default()
	configPath, envFile, err := parseFlags(args, &first)
	if err != nil {
		return Config{}, err
	}

	if err := loadDotEnv(envFile); err != nil {
		return Config{}, err
	}

	if configPath == "" {
		configPath, _ = lookup(EnvPrefix + "CONFIG")
	}

	cfg := Default()
	if configPath != "" {
		if err := LoadFile(configPath, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := ApplyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}

	// Flags parsed a second time over the layered values only change what
	// was given explicitly.
	if _, _, err := parseFlags(args, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parseFlags(args []string, cfg *Config) (configPath, envFile string, err error) {
	flags := flag.NewFlagSet("twolevel-server", flag.ContinueOnError)

	flags.StringVar(&configPath, "config", "", "YAML configuration file")
	flags.StringVar(&envFile, "env-file", "", ".env file to load (default .env when present)")

	flags.StringVar(&cfg.Addr, "addr", cfg.Addr, "RESP listen address")
	flags.StringVar(&cfg.AdminAddr, "admin-addr", cfg.AdminAddr, "admin HTTP listen address (empty disables)")
	flags.BoolVar(&cfg.Multicore, "multicore", cfg.Multicore, "run one event loop per CPU")
	flags.IntVar(&cfg.Capacity, "capacity", cfg.Capacity, "slots per table level")
	flags.StringVar(&cfg.HashFunction, "hash", cfg.HashFunction, "initial hash function")
	flags.StringVar(&cfg.SnapshotFile, "snapshot", cfg.SnapshotFile, "JSON snapshot file")
	flags.BoolVar(&cfg.AppendOnly, "appendonly", cfg.AppendOnly, "enable AOF persistence")
	flags.StringVar(&cfg.AppendFile, "appendfilename", cfg.AppendFile, "AOF file name")
	flags.StringVar(&cfg.AppendFsync, "appendfsync", cfg.AppendFsync, "AOF fsync policy: always, everysec, no")
	flags.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis server for RSAVE/RLOAD (empty disables)")
	flags.BoolVar(&cfg.RedisCompress, "redis-compress", cfg.RedisCompress, "snappy-compress snapshots stored in Redis")
	flags.DurationVar(&cfg.RedisTimeout, "redis-timeout", cfg.RedisTimeout, "timeout for Redis round trips")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	flags.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "also log to this file, rotated by size")

	if err := flags.Parse(args); err != nil {
		return "", "", err
	}
	return configPath, envFile, nil
}

func loadDotEnv(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", path, err)
		}
		return nil
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

// LoadFile overlays the YAML document at path onto cfg.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays TWOLEVEL_* variables onto cfg. Every malformed value
// is reported.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	var errs error

	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s%s: invalid integer %q", EnvPrefix, name, v))
				return
			}
			*dst = n
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s%s: invalid boolean %q", EnvPrefix, name, v))
				return
			}
			*dst = b
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s%s: invalid duration %q", EnvPrefix, name, v))
				return
			}
			*dst = d
		}
	}

	str("ADDR", &cfg.Addr)
	str("ADMIN_ADDR", &cfg.AdminAddr)
	boolean("MULTICORE", &cfg.Multicore)
	integer("CAPACITY", &cfg.Capacity)
	str("HASH_FUNCTION", &cfg.HashFunction)
	str("SNAPSHOT_FILE", &cfg.SnapshotFile)
	boolean("APPENDONLY", &cfg.AppendOnly)
	str("APPENDFILENAME", &cfg.AppendFile)
	str("APPENDFSYNC", &cfg.AppendFsync)
	str("REDIS_ADDR", &cfg.RedisAddr)
	boolean("REDIS_COMPRESS", &cfg.RedisCompress)
	duration("REDIS_TIMEOUT", &cfg.RedisTimeout)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FILE", &cfg.LogFile)

	return errs
}

// Validate reports every problem with cfg at once.
func (c Config) Validate() error {
	var errs error

	if c.Addr == "" {
		errs = multierr.Append(errs, errors.New("addr must not be empty"))
	}
	if c.Capacity <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("capacity must be positive, got %d", c.Capacity))
	}
	if _, err := hashfn.Lookup(c.HashFunction); err != nil {
		errs = multierr.Append(errs, err)
	}
	if c.AppendOnly {
		if c.AppendFile == "" {
			errs = multierr.Append(errs, errors.New("appendfilename must be set when appendonly is enabled"))
		}
		if _, err := persistence.ParseSyncPolicy(c.AppendFsync); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if c.RedisAddr != "" && c.RedisTimeout <= 0 {
		errs = multierr.Append(errs, errors.New("redis_timeout must be positive"))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}
