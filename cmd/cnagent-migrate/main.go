package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nodeforge/cnagent/pkg/log"
	"github.com/nodeforge/cnagent/pkg/migration/receive"
	"github.com/nodeforge/cnagent/pkg/migration/send"
)

// cnagent-migrate is the dedicated helper process the Supervisor spawns
// for each live-migration run: one process per migration side,
// speaking the wire protocol defined in pkg/migration, exiting once
// its single control connection ends.
var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cnagent-migrate",
	Short: "cnagent-migrate - ZFS live-migration send/receive helper",
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	sendCmd.Flags().String("listen", ":7761", "Address the coordinator dials to drive this send")
	sendCmd.Flags().Duration("dial-timeout", 10*time.Second, "Dial timeout for connecting to the receive side")
	rootCmd.AddCommand(sendCmd)

	receiveCmd.Flags().String("listen", ":7762", "Address the source side connects to")
	rootCmd.AddCommand(receiveCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Run the Migration Send Process",
	RunE: func(cmd *cobra.Command, args []string) error {
		listen, _ := cmd.Flags().GetString("listen")
		dialTimeout, _ := cmd.Flags().GetDuration("dial-timeout")

		proc := send.New(send.Config{
			Listen:      listen,
			Version:     Version,
			DialTimeout: dialTimeout,
		})
		return runUntilSignal(proc.Run)
	},
}

var receiveCmd = &cobra.Command{
	Use:   "receive",
	Short: "Run the Migration Receive Process",
	RunE: func(cmd *cobra.Command, args []string) error {
		listen, _ := cmd.Flags().GetString("listen")

		proc := receive.New(receive.Config{
			Listen:  listen,
			Version: Version,
		})
		return runUntilSignal(proc.Run)
	},
}

// runUntilSignal runs the given process loop, cancelling its context on
// SIGTERM/SIGINT, mirroring the daemon's own signal-driven shutdown.
func runUntilSignal(run func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	return run(ctx)
}
