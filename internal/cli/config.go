// This file implements configuration loading with viper.

package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mesh-intelligence/allseq/internal/paths"
	"github.com/mesh-intelligence/allseq/pkg/types"
)

const (
	configFileName = "config"
	configFileType = "yaml"
	envPrefix      = "ALLSEQ"

	cfgKeyDataDir = "data_dir"
)

// firstRunConfig is written to config.yaml when the config directory is
// new. Everything else falls back to the built-in defaults.
type firstRunConfig struct {
	DataDir  string `yaml:"data_dir,omitempty"`
	LogLevel string `yaml:"log_level"`
}

// loadConfig reads config.yaml from configDir with viper, creating the
// directory and a starter file on first run. dataFlag is the --data-dir
// value; file locations not set in the config are rooted at the resolved
// data directory.
func loadConfig(configDir, dataFlag string) (types.Config, error) {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return types.Config{}, fmt.Errorf("create config dir: %w", err)
	}
	if err := ensureDefaultConfigFile(configDir); err != nil {
		return types.Config{}, fmt.Errorf("ensure default config: %w", err)
	}

	v := viper.New()
	v.SetConfigName(configFileName)
	v.SetConfigType(configFileType)
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return types.Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	dataDir, err := paths.ResolveDataDir(dataFlag, v.GetString(cfgKeyDataDir))
	if err != nil {
		return types.Config{}, fmt.Errorf("resolve data dir: %w", err)
	}
	setDefaults(v, types.DefaultConfig(dataDir))
	v.Set(cfgKeyDataDir, dataDir)

	// Enabled only now so that ALLSEQ_DATA_DIR ranks below the config file.
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg types.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return types.Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return types.Config{}, userError{fmt.Errorf("config: %w", err)}
	}
	return cfg, nil
}

// setDefaults registers every key so that AutomaticEnv and Unmarshal see
// them.
func setDefaults(v *viper.Viper, d types.Config) {
	v.SetDefault("log_level", d.LogLevel)

	v.SetDefault("store.json_file", d.Store.JSONFile)
	v.SetDefault("store.text_file", d.Store.TextFile)
	v.SetDefault("store.reservation_file", d.Store.ReservationFile)
	v.SetDefault("store.lock_suffix", d.Store.LockSuffix)
	v.SetDefault("store.lock_poll", d.Store.LockPoll)
	v.SetDefault("store.lock_timeout", d.Store.LockTimeout)

	v.SetDefault("priority.max_update_period", d.Priority.MaxUpdatePeriod)
	v.SetDefault("priority.reservation_update_period", d.Priority.ReservationUpdatePeriod)
	v.SetDefault("priority.reservation_discount", d.Priority.ReservationDiscount)
	v.SetDefault("priority.small_cofactor_bound", d.Priority.SmallCofactorBound)
	v.SetDefault("priority.small_cofactor_discount", d.Priority.SmallCofactorDiscount)
	v.SetDefault("priority.downdriver_discount", d.Priority.DowndriverDiscount)
	v.SetDefault("priority.shortterm_penalty_duration", d.Priority.ShorttermPenaltyDuration)
	v.SetDefault("priority.shortterm_penalty_initial", d.Priority.ShorttermPenaltyInitial)

	v.SetDefault("updater.batch_size", d.Updater.BatchSize)
	v.SetDefault("updater.delay", d.Updater.Delay)
	v.SetDefault("updater.data_retries", d.Updater.DataRetries)
	v.SetDefault("updater.drop_file", d.Updater.DropFile)
	v.SetDefault("updater.terminated_file", d.Updater.TerminatedFile)
	v.SetDefault("updater.stats_file", d.Updater.StatsFile)
	v.SetDefault("updater.source_file", d.Updater.SourceFile)
}

// ensureDefaultConfigFile writes a starter config.yaml unless one exists.
func ensureDefaultConfigFile(configDir string) error {
	path := filepath.Join(configDir, paths.ConfigFileName)
	_, err := os.Stat(path)
	if err == nil {
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("stat config file: %w", err)
	}

	data, err := yaml.Marshal(firstRunConfig{LogLevel: types.DefaultConfig("").LogLevel})
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	header := "# allseq configuration. Unset keys use the built-in defaults;\n" +
		"# every key can also be set as ALLSEQ_<SECTION>_<KEY>.\n"
	return os.WriteFile(path, append([]byte(header), data...), 0o644)
}
