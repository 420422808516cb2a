package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	autest "github.com/houstar/crostestutils"
	"github.com/houstar/crostestutils/internal/config"
	"github.com/houstar/crostestutils/internal/devserver"
)

func newRunCmd() *cobra.Command {
	var (
		flagType        string
		flagTargetImage string
		flagBaseImage   string
		flagSigningKey  string

		flagBoard       string
		flagRemote      string
		flagToolsDir    string
		flagResultsRoot string
		flagConfig      string

		flagVerifySuite string
		flagQuickTest   bool
		flagDelta       bool
		flagNoGraphics  bool
		flagPercent     int

		flagJobs       int
		flagScenarios  []string
		flagPortOffset int
		flagRunID      string

		flagStartDevserver bool
		flagStaticDir      string
		flagDevserverTool  string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the update test scenarios",
		Long: `Runs the scenario suite against the target image. Payloads must have been
pregenerated first (see generate-payloads); the cache is loaded from next to
the target image.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagTargetImage == "" {
				return fmt.Errorf("--target-image is required")
			}
			cfg, err := autest.LoadHarnessConfig(flagConfig)
			if err != nil {
				return err
			}
			board := firstOf(flagBoard, config.String(autest.EnvBoard, ""), cfg.Board)
			remote := firstOf(flagRemote, config.String(autest.EnvRemote, ""), cfg.Remote)
			toolsDir := firstOf(flagToolsDir, config.String(autest.EnvToolsDir, ""), cfg.ToolsDir)
			resultsRoot := firstOf(flagResultsRoot, config.String(autest.EnvResultsRoot, ""), cfg.ResultsRoot)
			verifySuite := firstOf(flagVerifySuite, cfg.VerifySuite)

			opts := autest.TestRunOptions{
				Kind:            autest.WorkerKind(flagType),
				TargetImage:     flagTargetImage,
				BaseImage:       flagBaseImage,
				SigningKey:      flagSigningKey,
				Board:           board,
				Remote:          remote,
				ToolsDir:        toolsDir,
				ResultsRoot:     resultsRoot,
				DeltaUpdates:    flagDelta || cfg.DeltaUpdates,
				VerifySuite:     verifySuite,
				QuickTest:       flagQuickTest,
				NoGraphics:      flagNoGraphics,
				PercentRequired: flagPercent,
				Jobs:            flagJobs,
				ScenarioFilter:  flagScenarios,
				PortOffset:      flagPortOffset,
				RunID:           flagRunID,
			}

			if opts.Kind == autest.WorkerCloud {
				runner := autest.NewExecRunner()
				cloud, err := autest.NewGCloudContext(runner, cfg.GCE)
				if err != nil {
					return err
				}
				store, err := autest.NewGSUtilStore(runner, cfg.GCE.Bucket)
				if err != nil {
					return err
				}
				opts.Cloud = cloud
				opts.Store = store
				opts.CloudTests = cfg.TestsForBoard(board)
			}

			if flagJobs > 1 {
				self, err := selfCommand(cmd, flagConfig)
				if err != nil {
					return err
				}
				opts.SelfCommand = self
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if flagStartDevserver {
				server := &devserver.Server{
					Tool:      firstOf(flagDevserverTool, filepath.Join(toolsDir, "start_devserver")),
					StaticDir: flagStaticDir,
					LogPath:   filepath.Join(resultsRoot, "devserver.log"),
				}
				if err := server.Start(ctx); err != nil {
					return err
				}
				defer server.Stop()
			}

			run, err := autest.NewTestRun(opts)
			if err != nil {
				return err
			}
			defer run.Close()
			log.Info().Str("run_id", run.RunID()).Str("target", flagTargetImage).Msg("update test run starting")
			return run.Execute(ctx)
		},
	}

	cmd.Flags().StringVar(&flagType, "type", "vm", "worker type: vm, device or cloud")
	cmd.Flags().StringVar(&flagTargetImage, "target-image", "", "image under test")
	cmd.Flags().StringVar(&flagBaseImage, "base-image", "", "image updates start from (defaults to the target)")
	cmd.Flags().StringVar(&flagSigningKey, "key", "", "private key for signed-update scenarios")
	cmd.Flags().StringVar(&flagBoard, "board", "", "board the images were built for, overrides $"+autest.EnvBoard)
	cmd.Flags().StringVar(&flagRemote, "remote", "", "device address for --type=device, overrides $"+autest.EnvRemote)
	cmd.Flags().StringVar(&flagToolsDir, "tools-dir", "", "directory holding the external update tools, overrides $"+autest.EnvToolsDir)
	cmd.Flags().StringVar(&flagResultsRoot, "results-root", "", "directory for per-scenario results, overrides $"+autest.EnvResultsRoot)
	cmd.Flags().StringVar(&flagConfig, "config", "", "optional TOML config file")
	cmd.Flags().StringVar(&flagVerifySuite, "verify-suite", "", "verification suite override")
	cmd.Flags().BoolVar(&flagQuickTest, "quick-test", false, "run only the quick smoke scenario")
	cmd.Flags().BoolVar(&flagDelta, "delta", false, "exercise delta updates where a source image is known")
	cmd.Flags().BoolVar(&flagNoGraphics, "no-graphics", false, "run VMs headless")
	cmd.Flags().IntVar(&flagPercent, "percent-required", 100, "minimum verification pass percentage")
	cmd.Flags().IntVar(&flagJobs, "jobs", 1, "scenarios to run in parallel (separate processes)")
	cmd.Flags().StringArrayVar(&flagScenarios, "scenario", nil, "restrict the run to the named scenario (repeatable)")
	cmd.Flags().IntVar(&flagPortOffset, "port-offset", 0, "shift the scenario port block (used by parallel children)")
	cmd.Flags().StringVar(&flagRunID, "run-id", "", "run identifier (used by parallel children)")
	cmd.Flags().BoolVar(&flagStartDevserver, "start-devserver", false, "start the payload server for the duration of the run")
	cmd.Flags().StringVar(&flagStaticDir, "static-dir", "", "payload server static directory")
	cmd.Flags().StringVar(&flagDevserverTool, "devserver-tool", "", "payload server binary override")
	return cmd
}

// selfCommand rebuilds the argv a parallel child is launched with: this
// binary, this subcommand, and every explicitly-set flag except the ones the
// parent appends per child.
func selfCommand(cmd *cobra.Command, configPath string) ([]string, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	argv := []string{exe, "run"}
	skip := map[string]bool{
		"jobs": true, "scenario": true, "port-offset": true, "run-id": true,
		"start-devserver": true,
	}
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if skip[f.Name] {
			return
		}
		argv = append(argv, "--"+f.Name+"="+f.Value.String())
	})
	if configPath != "" {
		argv = appendUnique(argv, "--config="+configPath)
	}
	return argv, nil
}

func appendUnique(argv []string, arg string) []string {
	for _, existing := range argv {
		if existing == arg {
			return argv
		}
	}
	return append(argv, arg)
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
