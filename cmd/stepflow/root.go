package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/metalagman/stepflow/internal/config"
	"github.com/metalagman/stepflow/internal/logging"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	cfgFile string
	debug   bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "stepflow",
		Short:         "stepflow runs step graphs against a language model",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadDotEnv(); err != nil {
				return err
			}
			logging.Init(debug)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", config.DefaultPath, "config file path (JSON or YAML)")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	root.AddCommand(runCmd())
	root.AddCommand(validateCmd())
	root.AddCommand(patchCmd())
	root.AddCommand(runsCmd())
	root.AddCommand(uiCmd())
	root.AddCommand(initCmd())
	return root
}

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

// loadDotEnv loads .env from the working directory when present. Existing
// environment variables win.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func loadConfig() (config.Config, error) {
	return config.Load(cfgFile)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
}
