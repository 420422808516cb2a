package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	autest "github.com/houstar/crostestutils"
)

func newProxyCmd() *cobra.Command {
	var (
		flagPortIn      int
		flagForwardAddr string
		flagForwardPort int
		flagFilter      string

		flagMaxCloses int
		flagMaxDelays int
		flagDelay     time.Duration
		flagThreshold int64
	)

	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Run a standalone fault-injecting TCP proxy",
		Long: `Relays TCP traffic to the forward address while injecting the selected
fault, for debugging update-engine behavior outside a full harness run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter autest.Filter
			switch flagFilter {
			case "none":
				filter = autest.NopFilter{}
			case "interrupt":
				filter = autest.NewInterruptionFilter(flagMaxCloses, flagThreshold)
			case "delay":
				filter = autest.NewDelayedFilter(flagMaxDelays, flagDelay, flagThreshold)
			default:
				return fmt.Errorf("unknown filter %q (want none, interrupt or delay)", flagFilter)
			}

			proxy, err := autest.NewFaultProxy(filter, flagPortIn, flagForwardAddr, flagForwardPort)
			if err != nil {
				return err
			}
			proxy.Start()
			defer proxy.Stop()
			log.Info().
				Int("port_in", flagPortIn).
				Str("forward", fmt.Sprintf("%s:%d", flagForwardAddr, flagForwardPort)).
				Str("filter", flagFilter).
				Msg("fault proxy running")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			log.Info().Msg("fault proxy shutting down")
			return nil
		},
	}

	cmd.Flags().IntVar(&flagPortIn, "port", autest.DefaultDevserverPort+1, "port to listen on")
	cmd.Flags().StringVar(&flagForwardAddr, "forward-addr", "127.0.0.1", "address to relay to")
	cmd.Flags().IntVar(&flagForwardPort, "forward-port", autest.DefaultDevserverPort, "port to relay to")
	cmd.Flags().StringVar(&flagFilter, "filter", "none", "fault to inject: none, interrupt or delay")
	cmd.Flags().IntVar(&flagMaxCloses, "max-closes", 3, "connections the interrupt filter severs")
	cmd.Flags().IntVar(&flagMaxDelays, "max-delays", 1, "stalls the delay filter injects per connection")
	cmd.Flags().DurationVar(&flagDelay, "delay", 20*time.Second, "length of each injected stall")
	cmd.Flags().Int64Var(&flagThreshold, "byte-threshold", 2*1024*1024, "bytes relayed before the fault triggers")
	return cmd
}
