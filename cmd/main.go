package main

import (
	"os"

	"github.com/houstar/crostestutils/internal/env"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "au_test_harness",
	Short: "Automated OS update testing harness",
	Long: `au_test_harness pregenerates update payloads, then drives update and
verification scenarios against virtual machines, physical devices or cloud
instances, injecting network faults along the way.`,
}

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.AddCommand(
		newRunCmd(),
		newGeneratePayloadsCmd(),
		newProxyCmd(),
	)
	_ = env.Ensure()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("au_test_harness command failed")
	}
}
