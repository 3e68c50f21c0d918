// This file implements the init command.

package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mesh-intelligence/allseq/internal/paths"
	"github.com/mesh-intelligence/allseq/internal/store"
)

func newInitCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the data directory and an empty sequence table",
		Long: "Create the data directory and write an empty snapshot set. An\n" +
			"explicit --data-dir is recorded in config.yaml.",
		Args: userArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd, e)
		},
	}
}

func runInit(cmd *cobra.Command, e *env) error {
	if err := os.MkdirAll(e.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	if err := store.Create(e.cfg.Store, time.Now()); err != nil {
		return err
	}
	if e.dataDir != "" {
		configDir, err := paths.ResolveConfigDir(e.configDir)
		if err != nil {
			return err
		}
		if err := recordDataDir(filepath.Join(configDir, paths.ConfigFileName), e.cfg.DataDir); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s sequence table in %s\n", color.New(color.FgGreen).Sprint("created"), e.cfg.DataDir)
	return nil
}

// recordDataDir sets data_dir in the config file, keeping its other keys.
func recordDataDir(path, dataDir string) error {
	doc := map[string]any{}
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	doc[cfgKeyDataDir] = dataDir
	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}
