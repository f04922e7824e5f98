package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/vocdoni/private-voting/db/metadb"
	"github.com/vocdoni/private-voting/log"
)

const (
	defaultLogLevel  = "info"
	defaultLogOutput = "stderr"
	defaultDBType    = metadb.TypePebble
	defaultDatadir   = ".private-voting" // Will be prefixed with user's home directory
	defaultTimeout   = time.Minute
)

// Version is the build version, set at build time with -ldflags
var Version = "dev"

// Config holds the application configuration
type Config struct {
	DB      DBConfig
	Log     LogConfig
	Datadir string
	Seed    string
	Timeout time.Duration
}

// DBConfig holds the storage configuration
type DBConfig struct {
	Type string `mapstructure:"type"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Output string `mapstructure:"output"`
}

// loadConfig loads configuration from flags, environment variables, and defaults
func loadConfig() (*Config, error) {
	v := viper.New()

	userHomeDir, err := os.UserHomeDir()
	if err != nil {
		userHomeDir = "."
	}
	defaultDatadirPath := filepath.Join(userHomeDir, defaultDatadir)

	v.SetDefault("db.type", defaultDBType)
	v.SetDefault("log.level", defaultLogLevel)
	v.SetDefault("log.output", defaultLogOutput)
	v.SetDefault("datadir", defaultDatadirPath)
	v.SetDefault("timeout", defaultTimeout)

	flag.StringP("datadir", "d", defaultDatadirPath, "data directory for the ledger and the mirror trees")
	flag.String("db.type", defaultDBType, fmt.Sprintf("database backend (%s, %s, %s)",
		metadb.TypePebble, metadb.TypeLevelDB, metadb.TypeMongoDB))
	flag.StringP("log.level", "l", defaultLogLevel, "log level (debug, info, warn, error)")
	flag.StringP("log.output", "o", defaultLogOutput, "log output (stdout, stderr or filepath)")
	flag.StringP("seed", "s", "", "seed of the owner key (required for init and add-voter)")
	flag.Duration("timeout", defaultTimeout, "maximum time to wait for an operation (i.e 30s or 2m)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "voting-cli v%s\n\n", Version)
		fmt.Fprintf(os.Stderr, "Usage: voting-cli [flags] <command> [args]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  init                       create the voting state owned by --seed\n")
		fmt.Fprintf(os.Stderr, "  add-voter <voter-seed>     whitelist a voter, signed by --seed\n")
		fmt.Fprintf(os.Stderr, "  vote <voter-seed> <0|1>    cast a vote\n")
		fmt.Fprintf(os.Stderr, "  status                     print the current state\n")
		fmt.Fprintf(os.Stderr, "  witness <voter-seed>       print the witnesses of a voter\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables are also available with the same name as flags,\n")
		fmt.Fprintf(os.Stderr, "  except for dots (.) which are replaced by underscores (_).\n")
		fmt.Fprintf(os.Stderr, "  For example, VOTING_SEED or VOTING_DB_TYPE\n")
		fmt.Fprintf(os.Stderr, "  The mongodb backend reads the server address from MONGODB_URL\n")
	}

	flag.CommandLine.SortFlags = false
	flag.Parse()

	v.SetEnvPrefix("VOTING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(flag.CommandLine); err != nil {
		return nil, fmt.Errorf("error binding flags: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return cfg, nil
}

// validateConfig validates the loaded configuration. Every command runs in
// its own process, so only backends that persist across runs are accepted.
func validateConfig(cfg *Config) error {
	switch cfg.DB.Type {
	case metadb.TypePebble, metadb.TypeLevelDB, metadb.TypeMongoDB:
	default:
		return fmt.Errorf("invalid db type %q", cfg.DB.Type)
	}
	if !log.ValidLevel(cfg.Log.Level) {
		return fmt.Errorf("invalid log level %q", cfg.Log.Level)
	}
	if cfg.Datadir == "" {
		return fmt.Errorf("datadir cannot be empty")
	}
	return nil
}
