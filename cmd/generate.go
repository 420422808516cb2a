package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	autest "github.com/houstar/crostestutils"
)

func newGeneratePayloadsCmd() *cobra.Command {
	var (
		flagTargetImage string
		flagBaseImage   string
		flagSigningKey  string
		flagNPlusOne    string
		flagForVM       bool
		flagQuickTest   bool
		flagDelta       bool
		flagJobs        int
		flagStaticDir   string
		flagGenerator   string
	)

	cmd := &cobra.Command{
		Use:   "generate-payloads",
		Short: "Pregenerate every update payload a run will need",
		Long: `Expands the payload requirements for the target/base image pair, generates
them with bounded concurrency and persists the cache next to the target
image. Generation is all-or-nothing: one failed payload fails the command.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagTargetImage == "" {
				return fmt.Errorf("--target-image is required")
			}
			plan := autest.PayloadPlan{
				TargetImage:   flagTargetImage,
				BaseImage:     flagBaseImage,
				SigningKey:    flagSigningKey,
				NPlusOneImage: flagNPlusOne,
				ForVM:         flagForVM,
				QuickTest:     flagQuickTest,
				DeltaUpdates:  flagDelta,
			}
			ids := plan.Requirements()
			gen := autest.ToolPayloadGenerator{Tool: flagGenerator, StaticDir: flagStaticDir}
			jobs := flagJobs
			if jobs <= 0 {
				jobs = 1
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cache, err := autest.BuildCache(ctx, ids, gen, autest.NewScheduler(jobs))
			if err != nil {
				return err
			}
			cachePath := autest.CachePathForImage(flagTargetImage)
			if err := autest.SaveCache(cachePath, cache); err != nil {
				return err
			}
			log.Info().
				Int("payloads", cache.Len()).
				Str("cache", cachePath).
				Msg("payload cache written")
			for id, path := range cache.Entries() {
				log.Debug().Str("update_id", id.Key()).Str("path", path).Msg("cached payload")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&flagTargetImage, "target-image", "", "image under test")
	cmd.Flags().StringVar(&flagBaseImage, "base-image", "", "image updates start from")
	cmd.Flags().StringVar(&flagSigningKey, "key", "", "private key for the signed target payload")
	cmd.Flags().StringVar(&flagNPlusOne, "nplus1-image", "", "next build's image, adds its full payload to the cache")
	cmd.Flags().BoolVar(&flagForVM, "for-vm", false, "also generate the VM variant of every payload")
	cmd.Flags().BoolVar(&flagQuickTest, "quick-test", false, "generate only the full target payload")
	cmd.Flags().BoolVar(&flagDelta, "delta", false, "include the base<->target delta payloads")
	cmd.Flags().IntVar(&flagJobs, "jobs", 1, "payload generators to run in parallel")
	cmd.Flags().StringVar(&flagStaticDir, "static-dir", "", "payload server static directory the payloads are written under")
	cmd.Flags().StringVar(&flagGenerator, "generator", "", "payload generation tool override")
	return cmd
}
