// This file defines the configuration structs and their defaults.

package types

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// Default file names inside the data directory.
const (
	DefaultJSONFile        = "AllSeq.json"
	DefaultTextFile        = "AllSeq.txt"
	DefaultReservationFile = "reservations.txt"
	DefaultStatsFile       = "AllSeq.stats.json"
	DefaultDropFile        = "dropped.txt"
	DefaultTerminatedFile  = "terminated.txt"
	DefaultLockSuffix      = ".lock"
)

// Config validation errors.
var (
	ErrLockSuffixEmpty   = errors.New("lock suffix must not be empty")
	ErrPeriodInvalid     = errors.New("update periods must be positive")
	ErrDiscountInvalid   = errors.New("discounts must be in (0, 1]")
	ErrBatchSizeInvalid  = errors.New("batch size must be positive")
	ErrRetryCountInvalid = errors.New("data retries must not be negative")
)

// StoreConfig locates the snapshot files and controls locking.
type StoreConfig struct {
	JSONFile        string        `mapstructure:"json_file" yaml:"json_file"`
	TextFile        string        `mapstructure:"text_file" yaml:"text_file"`
	ReservationFile string        `mapstructure:"reservation_file" yaml:"reservation_file"`
	LockSuffix      string        `mapstructure:"lock_suffix" yaml:"lock_suffix"`
	LockPoll        time.Duration `mapstructure:"lock_poll" yaml:"lock_poll"`
	LockTimeout     time.Duration `mapstructure:"lock_timeout" yaml:"lock_timeout"`
}

// DefaultStoreConfig returns a StoreConfig with the default file names
// rooted at dataDir.
func DefaultStoreConfig(dataDir string) StoreConfig {
	return StoreConfig{
		JSONFile:        filepath.Join(dataDir, DefaultJSONFile),
		TextFile:        filepath.Join(dataDir, DefaultTextFile),
		ReservationFile: filepath.Join(dataDir, DefaultReservationFile),
		LockSuffix:      DefaultLockSuffix,
		LockPoll:        5 * time.Second,
		LockTimeout:     10 * time.Minute,
	}
}

// LockFile returns the path of the lock marker.
func (c StoreConfig) LockFile() string {
	return c.JSONFile + c.LockSuffix
}

// Validate checks the file layout.
func (c StoreConfig) Validate() error {
	if c.LockSuffix == "" {
		return ErrLockSuffixEmpty
	}
	seen := map[string]string{}
	for name, p := range map[string]string{
		"json":        c.JSONFile,
		"text":        c.TextFile,
		"reservation": c.ReservationFile,
		"lock":        c.LockFile(),
	} {
		clean := filepath.Clean(p)
		if other, ok := seen[clean]; ok {
			return fmt.Errorf("%w: %s and %s are both %q", ErrDuplicatePaths, other, name, p)
		}
		seen[clean] = name
	}
	return nil
}

// PriorityConfig holds the tunables of the priority formula.
type PriorityConfig struct {
	MaxUpdatePeriod          float64 `mapstructure:"max_update_period" yaml:"max_update_period"`
	ReservationUpdatePeriod  float64 `mapstructure:"reservation_update_period" yaml:"reservation_update_period"`
	ReservationDiscount      float64 `mapstructure:"reservation_discount" yaml:"reservation_discount"`
	SmallCofactorBound       int     `mapstructure:"small_cofactor_bound" yaml:"small_cofactor_bound"`
	SmallCofactorDiscount    float64 `mapstructure:"small_cofactor_discount" yaml:"small_cofactor_discount"`
	DowndriverDiscount       float64 `mapstructure:"downdriver_discount" yaml:"downdriver_discount"`
	ShorttermPenaltyDuration float64 `mapstructure:"shortterm_penalty_duration" yaml:"shortterm_penalty_duration"`
	ShorttermPenaltyInitial  float64 `mapstructure:"shortterm_penalty_initial" yaml:"shortterm_penalty_initial"`
}

// DefaultPriorityConfig returns the production tunables.
func DefaultPriorityConfig() PriorityConfig {
	return PriorityConfig{
		MaxUpdatePeriod:          90,
		ReservationUpdatePeriod:  14,
		ReservationDiscount:      0.5,
		SmallCofactorBound:       98,
		SmallCofactorDiscount:    1.0 / 150,
		DowndriverDiscount:       0.5,
		ShorttermPenaltyDuration: 3,
		ShorttermPenaltyInitial:  6,
	}
}

// Validate checks that periods are positive and discounts are fractions.
func (c PriorityConfig) Validate() error {
	if c.MaxUpdatePeriod <= 0 || c.ReservationUpdatePeriod <= 0 || c.ShorttermPenaltyDuration <= 0 {
		return ErrPeriodInvalid
	}
	for _, d := range []float64{c.ReservationDiscount, c.SmallCofactorDiscount, c.DowndriverDiscount} {
		if d <= 0 || d > 1 {
			return ErrDiscountInvalid
		}
	}
	return nil
}

// BrokenSeq records a sequence whose FDB history is inconsistent: Offset
// is added to the reported index and Replacement is the leader actually
// queried.
type BrokenSeq struct {
	Offset      int `mapstructure:"offset" yaml:"offset"`
	Replacement int `mapstructure:"replacement" yaml:"replacement"`
}

// UpdaterConfig controls the batch runner.
type UpdaterConfig struct {
	BatchSize      int               `mapstructure:"batch_size" yaml:"batch_size"`
	Delay          time.Duration     `mapstructure:"delay" yaml:"delay"`
	DataRetries    int               `mapstructure:"data_retries" yaml:"data_retries"`
	DropFile       string            `mapstructure:"drop_file" yaml:"drop_file"`
	TerminatedFile string            `mapstructure:"terminated_file" yaml:"terminated_file"`
	StatsFile      string            `mapstructure:"stats_file" yaml:"stats_file"`
	SourceFile     string            `mapstructure:"source_file" yaml:"source_file"`
	Broken         map[int]BrokenSeq `mapstructure:"broken" yaml:"broken"`
}

// DefaultUpdaterConfig returns an UpdaterConfig rooted at dataDir.
func DefaultUpdaterConfig(dataDir string) UpdaterConfig {
	return UpdaterConfig{
		BatchSize:      100,
		Delay:          time.Second,
		DataRetries:    3,
		DropFile:       filepath.Join(dataDir, DefaultDropFile),
		TerminatedFile: filepath.Join(dataDir, DefaultTerminatedFile),
		StatsFile:      filepath.Join(dataDir, DefaultStatsFile),
		SourceFile:     filepath.Join(dataDir, "fdb.jsonl"),
	}
}

// Validate checks batch and retry bounds.
func (c UpdaterConfig) Validate() error {
	if c.BatchSize <= 0 {
		return ErrBatchSizeInvalid
	}
	if c.DataRetries < 0 {
		return ErrRetryCountInvalid
	}
	return nil
}

// Config is the full application configuration.
type Config struct {
	DataDir  string         `mapstructure:"data_dir" yaml:"data_dir"`
	LogLevel string         `mapstructure:"log_level" yaml:"log_level"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
	Priority PriorityConfig `mapstructure:"priority" yaml:"priority"`
	Updater  UpdaterConfig  `mapstructure:"updater" yaml:"updater"`
}

// DefaultConfig returns the configuration used when no config file exists.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:  dataDir,
		LogLevel: "info",
		Store:    DefaultStoreConfig(dataDir),
		Priority: DefaultPriorityConfig(),
		Updater:  DefaultUpdaterConfig(dataDir),
	}
}

// Validate checks every section.
func (c Config) Validate() error {
	if err := c.Store.Validate(); err != nil {
		return err
	}
	if err := c.Priority.Validate(); err != nil {
		return err
	}
	return c.Updater.Validate()
}
