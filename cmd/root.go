// Package cmd implements the ddscored command-line tree: a cobra root
// command plus the `domaind run` subcommand that wires together every
// internal subsystem into one running security core.
package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"hermannm.dev/devlog"
)

var logLevel slog.LevelVar

var rootCmd = &cobra.Command{
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	Use:   "ddscored",
	Short: "Secure discovery and authentication core for a DDS domain participant",
	Long: `ddscored runs the security-enabled discovery core of a single DDS
domain participant: participant and endpoint discovery, the PSMP
authentication handshake, and crypto token transport, independent of
any particular RTPS transport implementation.
`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main() and only needs to run
// once.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	slog.SetDefault(slog.New(devlog.NewHandler(os.Stdout, &devlog.Options{
		Level: &logLevel,
	})))

	rootCmd.PersistentFlags().String("config", "", "Pathname of the configuration file")
	rootCmd.PersistentFlags().Bool("debug", false, "Print debug-level log output")
}

// loadConfigFile reads the config file named by --config (if any) into
// viper, then enables the DDSCORED_-prefixed environment variable
// fallback the way the teacher's rootCmdLoadConfig does for its own
// flags.
func loadConfigFile(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	viper.SetEnvPrefix("ddscored")
	viper.AutomaticEnv()

	if debug := viper.GetBool("debug"); debug {
		logLevel.Set(slog.LevelDebug)
	}

	path := viper.GetString("config")
	if path == "" {
		return nil
	}
	slog.Debug("loading configuration file", "path", path)
	viper.SetConfigFile(path)
	return viper.ReadInConfig()
}
