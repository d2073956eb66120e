package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/misterkun-io/mdproxy/internal/config"
	"github.com/misterkun-io/mdproxy/internal/logging"
	"github.com/misterkun-io/mdproxy/internal/pipeline"
	"github.com/misterkun-io/mdproxy/internal/profile"
	"github.com/spf13/cobra"
)

var (
	outputPath  string
	profileName string
	verbose     bool
	logFile     string
)

var rootCmd = &cobra.Command{
	Use:   "mdproxy <config-file>",
	Short: "Build a custom update database from remote source archives",
	Long: "Build a redistributable update database: fetch remote source archives, " +
		"select and rename a subset of their entries, and repackage the selection " +
		"plus a manifest into an archive the updater client can consume.",
	Args:          usageArgs(cobra.ExactArgs(1)),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Apply profile defaults for flags not explicitly set by the user.
		if profileName != "" {
			p, err := profile.Load(profileName)
			if err != nil {
				return err
			}
			if p.OutputPath != nil && !cmd.Flags().Changed("output") {
				outputPath = *p.OutputPath
			}
			if p.Verbose != nil && !cmd.Flags().Changed("verbose") {
				verbose = *p.Verbose
			}
			if p.LogFile != nil && !cmd.Flags().Changed("log-file") {
				logFile = *p.LogFile
			}
		}

		logging.SetVerbose(verbose)
		if err := logging.SetOutputFile(logFile); err != nil {
			return fmt.Errorf("opening log file %q: %w", logFile, err)
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(args[0])
		if err != nil {
			return err
		}
		if outputPath != "" {
			cfg.OutputPath = outputPath
		}

		result, err := pipeline.Run(cmd.Context(), cfg)
		if err != nil {
			return err
		}

		logging.Infof("Database %s.json.zip written to %s\n", cfg.ID, cfg.OutputPath)
		logging.Infof("  Files: %d in manifest (%d staged, %d up to date)\n",
			result.ManifestFiles, result.FilesStaged, result.FilesUpToDate)
		if result.SourcesFailed > 0 || result.EntriesMissed > 0 || result.FilesFailed > 0 {
			logging.Infof("  Skipped: %d sources, %d entries, %d files\n",
				result.SourcesFailed, result.EntriesMissed, result.FilesFailed)
		}
		return nil
	},
}

func Execute() {
	err := rootCmd.Execute()
	closeErr := logging.Close()
	if closeErr != nil {
		fmt.Fprintf(os.Stderr, "Error closing log file: %v\n", closeErr)
		if err == nil {
			os.Exit(1)
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if isUsageError(err) {
			if cmd, _, findErr := rootCmd.Find(os.Args[1:]); findErr == nil && cmd != nil {
				_ = cmd.Usage()
			} else {
				_ = rootCmd.Usage()
			}
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return wrapUsageError(err)
	})

	rootCmd.PersistentFlags().StringVarP(&outputPath, "output", "o", "", "Override the config's output_path")
	rootCmd.PersistentFlags().StringVar(&profileName, "profile", "", "Load a saved option profile by name")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Mirror diagnostics to a log file")
}

type usageError struct {
	err error
}

func (e *usageError) Error() string {
	return e.err.Error()
}

func (e *usageError) Unwrap() error {
	return e.err
}

func wrapUsageError(err error) error {
	if err == nil {
		return nil
	}
	return &usageError{err: err}
}

func usageArgs(validate cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if validate == nil {
			return nil
		}
		if err := validate(cmd, args); err != nil {
			return wrapUsageError(err)
		}
		return nil
	}
}

func isUsageError(err error) bool {
	var ue *usageError
	if errors.As(err, &ue) {
		return true
	}

	msg := err.Error()
	return strings.HasPrefix(msg, "unknown command ")
}
