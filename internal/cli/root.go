// Package cli is the voicecall command line: the serve command runs the
// service and the call command places an outbound call through it.
package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "voicecall",
		Short:         "AI phone-call orchestration over Twilio Media Streams",
		Long:          "voicecall answers and places phone calls, listens to the caller, and talks back with an LLM and a TTS voice.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if configFile != "" {
				v.SetConfigFile(configFile)
			}
		},
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "optional YAML or TOML config file")

	rootCmd.AddCommand(
		newServeCmd(v),
		newCallCmd(v),
	)
	return rootCmd
}
