package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "slotbot",
	Short: "slotbot - scheduled channel poster with slot recovery",
	Long: `slotbot posts scheduled polls, notices and event-link lists into chat channels.
Each kind of post lives in a named slot; a new post replaces the previous one,
and slot contents are recovered from channel history after a restart.`,
	// no subcommand means run
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBot(cmd.Context())
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute runs the root command.
func Execute() error {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

func SetVersionInfo(v, c, d string) {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config (yaml or json)")
}
