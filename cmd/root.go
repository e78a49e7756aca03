package cmd

import (
	"log"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/spigell/hh-sieve/internal/filtering"
	"github.com/spigell/hh-sieve/internal/server"
	"github.com/spigell/hh-sieve/internal/sources"
	"github.com/spigell/hh-sieve/internal/store"
)

const (
	app = "hh-sieve"
)

type Config struct {
	Store        store.Config              `mapstructure:"store"`
	PoliciesFile string                    `mapstructure:"policies-file"`
	Profile      ProfileConfig             `mapstructure:"profile"`
	Sources      map[string]sources.Config `mapstructure:"sources"`
	Headhunter   HeadhunterConfig          `mapstructure:"headhunter"`
	AI           AIConfig                  `mapstructure:"ai"`
	Filtering    filtering.Config          `mapstructure:"filtering"`
	Server       server.Config             `mapstructure:"server"`
}

// ProfileConfig selects the applicant profile: a text file or a hh.ru resume title.
type ProfileConfig struct {
	File   string `mapstructure:"file"`
	Resume string `mapstructure:"resume"`
}

type HeadhunterConfig struct {
	TokenFile string `mapstructure:"token-file"`
	UserAgent string `mapstructure:"user-agent"`
	CacheDir  string `mapstructure:"cache-dir"`
}

type AIConfig struct {
	Provider string        `mapstructure:"provider"`
	Gemini   *GeminiConfig `mapstructure:"gemini"`
}

type GeminiConfig struct {
	APIKey       string `mapstructure:"api-key"`
	APIKeyFile   string `mapstructure:"api-key-file"`
	Model        string `mapstructure:"model"`
	MaxLogLength int    `mapstructure:"max-log-length"`
}

var (
	// Used for flags.
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   app,
		Short: "hh-sieve classifies job postings against named policies and remembers the verdicts",
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	if err := viper.BindEnv("headhunter.token-file", "HH_TOKEN_FILE"); err != nil {
		log.Fatalf("binding HH_TOKEN_FILE environment variable: %v", err)
	}
	if err := viper.BindEnv("ai.gemini.api-key-file", "GEMINI_API_KEY_FILE"); err != nil {
		log.Fatalf("binding GEMINI_API_KEY_FILE environment variable: %v", err)
	}

	setDefaults(viper.GetViper())

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "a config file (default is hh-sieve.yaml in current directory)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "verbose/debug output")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "json format for logging")

	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func setDefaults(v *viper.Viper) {
	defaults := filtering.DefaultConfig()

	v.SetDefault("store.driver", store.DriverSQLite)
	v.SetDefault("store.dsn", app+".db")
	v.SetDefault("store.ping-timeout", filtering.DefaultPingTimeout)
	v.SetDefault("store.write-timeout", filtering.DefaultWriteTimeout)
	v.SetDefault("policies-file", "policies.yaml")

	v.SetDefault("ai.provider", "gemini")

	v.SetDefault("filtering.chunk-size", defaults.ChunkSize)
	v.SetDefault("filtering.deadline", 5*time.Minute)
	v.SetDefault("filtering.requests-per-second", 1)
	v.SetDefault("filtering.burst", 1)
	v.SetDefault("filtering.max-concurrency", 4)
	v.SetDefault("filtering.retry.retries", defaults.Retry.Retries)
	v.SetDefault("filtering.retry.base-delay", defaults.Retry.BaseDelay)
	v.SetDefault("filtering.retry.max-delay", defaults.Retry.MaxDelay)
	v.SetDefault("filtering.retry.jitter", defaults.Retry.Jitter)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read-timeout", 30*time.Second)
	v.SetDefault("server.shutdown-timeout", 10*time.Second)
}

func initConfig() {
	// The version command works without a config.
	if versionCmd.CalledAs() != "" {
		return
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName(app)
		viper.SetConfigType("yaml")
	}

	// We can't proceed if the config file parsed with error.
	if err := viper.ReadInConfig(); err != nil {
		log.Fatal(err)
	}
}

func getConfig() (*Config, error) {
	return decodeConfig(viper.GetViper())
}

func decodeConfig(v *viper.Viper) (*Config, error) {
	var config *Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	if config == nil {
		config = &Config{}
	}

	config.Filtering.PingTimeout = config.Store.PingTimeout
	config.Filtering.WriteTimeout = config.Store.WriteTimeout

	return config, nil
}
