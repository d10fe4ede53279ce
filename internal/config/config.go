// Package config loads and hot-reloads the orchestrator's configuration,
// the same viper/pflag/fsnotify combination the teacher wires up in its
// top-level main.go, generalized into a package so cmd/scavminer stays a
// thin entrypoint.
package config

import (
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// decode maps viper's raw settings tree onto cfg using mapstructure
// directly, rather than viper.Unmarshal's default decoder, so a future
// StringToTimeDurationHookFunc or similar can be added in one place.
func decode(cfg *OrchestratorConfig) error {
	return mapstructure.Decode(viper.AllSettings(), cfg)
}

// OrchestratorConfig is every tunable the orchestrator, worker pool,
// hash engine driver, and dev-fee rotator read at startup or on reload.
type OrchestratorConfig struct {
	LogLevel string `mapstructure:"log_level"`

	ScavengerBaseURL string `mapstructure:"scavenger_base_url"`

	WalletFile     string `mapstructure:"wallet_file"`
	ReceiptsPath   string `mapstructure:"receipts_path"`
	ErrorsPath     string `mapstructure:"errors_path"`

	WorkerCount   int    `mapstructure:"worker_count"`
	BatchSize     int    `mapstructure:"batch_size"`
	MaxSubmissionFailures int `mapstructure:"max_submission_failures"`

	// GroupingMode is one of "grouped", "all-on-one", "auto" (spec §4.8).
	GroupingMode      string `mapstructure:"grouping_mode"`
	WorkersPerAddress int    `mapstructure:"workers_per_address"`

	HashEngineMode string `mapstructure:"hash_engine_mode"` // "rpc" | "embedded"
	HashEngineURL  string `mapstructure:"hash_engine_url"`
	EmbeddedScheme string `mapstructure:"embedded_scheme"` // "haraka" | "blake3"

	AshNbLoops       int `mapstructure:"ash_nb_loops"`
	AshNbInstrs      int `mapstructure:"ash_nb_instrs"`
	AshPreSize       int `mapstructure:"ash_pre_size"`
	AshRomSize       int `mapstructure:"ash_rom_size"`
	AshMixingNumbers int `mapstructure:"ash_mixing_numbers"`

	DevFeeEnabled  bool     `mapstructure:"dev_fee_enabled"`
	DevFeeURL      string   `mapstructure:"dev_fee_url"`
	DevFeeRatio    int      `mapstructure:"dev_fee_ratio"`
	DevFeeCachePath string  `mapstructure:"dev_fee_cache_path"`
	DevFeeHRPs     []string `mapstructure:"dev_fee_hrps"`
	ClientID       string   `mapstructure:"client_id"`

	ControlListenAddr string `mapstructure:"control_listen_addr"`

	DryRun bool `mapstructure:"dry_run"`
}

func setDefaults() {
	viper.SetDefault("log_level", "info")
	viper.SetDefault("scavenger_base_url", "https://scavenger.prod.gd.midnighttge.io")
	viper.SetDefault("wallet_file", "wallet.json")
	viper.SetDefault("receipts_path", "receipts.log")
	viper.SetDefault("errors_path", "errors.log")
	viper.SetDefault("worker_count", 8)
	viper.SetDefault("batch_size", 300)
	viper.SetDefault("max_submission_failures", 1)
	viper.SetDefault("grouping_mode", "auto")
	viper.SetDefault("workers_per_address", 2)
	viper.SetDefault("hash_engine_mode", "embedded")
	viper.SetDefault("hash_engine_url", "http://127.0.0.1:9090")
	viper.SetDefault("embedded_scheme", "blake3")
	viper.SetDefault("ash_nb_loops", 4)
	viper.SetDefault("ash_nb_instrs", 512)
	viper.SetDefault("ash_pre_size", 128)
	viper.SetDefault("ash_rom_size", 1<<20)
	viper.SetDefault("ash_mixing_numbers", 8)
	viper.SetDefault("dev_fee_enabled", true)
	viper.SetDefault("dev_fee_url", "https://scavenger.prod.gd.midnighttge.io/devfee/addresses")
	viper.SetDefault("dev_fee_ratio", 17)
	viper.SetDefault("dev_fee_cache_path", "devfee_cache.json")
	viper.SetDefault("dev_fee_hrps", []string{"mn", "test"})
	viper.SetDefault("control_listen_addr", ":1234")
	viper.SetDefault("dry_run", false)
}

// BindFlags registers the CLI flags cmd/scavminer exposes and binds them
// into viper, mirroring the teacher's pflag.String("cfg", ...) plus
// viper.BindPFlags(pflag.CommandLine).
func BindFlags(flags *pflag.FlagSet) {
	flags.String("cfg", "scavminer.yaml", "config file path")
	flags.Bool("dry-run", false, "poll and mine but never submit solutions")
	viper.BindPFlag("dry_run", flags.Lookup("dry-run"))
	viper.BindPFlag("cfg", flags.Lookup("cfg"))
}

// Load reads the config file named by --cfg (searching "." if a bare name
// with no directory is given), applying defaults for anything absent.
func Load() (*OrchestratorConfig, error) {
	setDefaults()

	cfgFile := viper.GetString("cfg")
	if cfgFile == "" {
		cfgFile = "scavminer.yaml"
	}
	if strings.ContainsAny(cfgFile, "/\\") {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName(strings.TrimSuffix(cfgFile, ".yaml"))
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg OrchestratorConfig
	if err := decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Live holds the current config behind a mutex, updated in place by
// Watch's OnConfigChange callback so a running orchestrator never observes
// a torn struct.
type Live struct {
	mu  sync.RWMutex
	cfg OrchestratorConfig
}

// NewLive wraps an initial config for hot-reload.
func NewLive(initial *OrchestratorConfig) *Live {
	return &Live{cfg: *initial}
}

// Get returns a copy of the current config, safe to read without holding
// any lock afterward.
func (l *Live) Get() OrchestratorConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// Watch installs viper's fsnotify-driven config watcher. onReload is
// called with the newly parsed config after each on-disk change; it
// should be cheap and non-blocking (e.g. pushing values into Live).
func (l *Live) Watch(onReload func(OrchestratorConfig)) {
	viper.WatchConfig()
	viper.OnConfigChange(func(e fsnotify.Event) {
		var cfg OrchestratorConfig
		if err := decode(&cfg); err != nil {
			return
		}
		l.mu.Lock()
		l.cfg = cfg
		l.mu.Unlock()
		if onReload != nil {
			onReload(cfg)
		}
	})
}
