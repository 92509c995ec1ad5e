package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nodeforge/cnagent/pkg/api"
	"github.com/nodeforge/cnagent/pkg/guard"
	"github.com/nodeforge/cnagent/pkg/log"
	"github.com/nodeforge/cnagent/pkg/registry"
	"github.com/nodeforge/cnagent/pkg/supervisor"
	"github.com/nodeforge/cnagent/pkg/sysinfo"
	"github.com/nodeforge/cnagent/pkg/task"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "cnagentd",
	Short:   "cnagentd - compute node agent for the orchestration fabric",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("cnagentd version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	serveCmd.Flags().Int("port", 5309, "HTTP Adapter listen port")
	serveCmd.Flags().String("logdir", "/var/log/cnagent", "Worker log directory")
	serveCmd.Flags().String("nats-url", "nats://127.0.0.1:4222", "NATS URL for the sysinfo heartbeat/zone-event channels")
	serveCmd.Flags().String("node-id", "", "Node identifier published with every sysinfo sample (defaults to hostname)")
	serveCmd.Flags().String("zones-dir", "/etc/zones", "Zones configuration directory watched for sysinfo dirty events")
	serveCmd.Flags().Float64("zfs-send-mbps-limit", 0, "Migration send rate limit in megabits/sec (0 = unlimited); serve does not read it, the send rate comes from each sync request")
	serveCmd.Flags().String("jwt-secret", "", "Bearer-token signing secret; auth disabled when empty")
	serveCmd.Flags().String("guard-dir", "/var/tmp", "Directory for machine-provision-<uuid> guard files")

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the compute agent daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")
		logDir, _ := cmd.Flags().GetString("logdir")
		natsURL, _ := cmd.Flags().GetString("nats-url")
		nodeID, _ := cmd.Flags().GetString("node-id")
		zonesDir, _ := cmd.Flags().GetString("zones-dir")
		jwtSecret, _ := cmd.Flags().GetString("jwt-secret")
		guardDir, _ := cmd.Flags().GetString("guard-dir")

		if nodeID == "" {
			hostname, err := os.Hostname()
			if err != nil {
				return fmt.Errorf("resolve node id: %w", err)
			}
			nodeID = hostname
		}
		guard.Dir = guardDir

		reg := registry.New(registry.ReferenceRules)
		history := task.NewHistory(256)
		sup := supervisor.New(supervisor.Config{
			Registry: reg,
			History:  history,
			LogDir:   logDir,
		})

		srv := api.New(api.Config{
			Addr:       fmt.Sprintf(":%d", port),
			Supervisor: sup,
			History:    history,
			JWTSecret:  jwtSecret,
		})

		loop, err := sysinfo.New(sysinfo.Config{NodeID: nodeID, NATSURL: natsURL}, nil)
		if err != nil {
			return fmt.Errorf("start sysinfo loop: %w", err)
		}

		ctx, cancelSysinfo := context.WithCancel(context.Background())
		sysinfoErrCh := make(chan error, 1)
		go func() { sysinfoErrCh <- loop.Run(ctx) }()

		watcher := sysinfo.NewFileWatcher(zonesDir, loop.MarkDirty)
		watcherCtx, cancelWatcher := context.WithCancel(context.Background())
		go func() { _ = watcher.Run(watcherCtx) }()

		zoneEvents := sysinfo.NewZoneEventWatcher(func() {
			loop.MarkDirty()
			loop.MarkReady()
		})
		go func() { _ = zoneEvents.Run(watcherCtx) }()

		log.Logger.Info().Int("port", port).Str("node_id", nodeID).Msg("cnagentd starting")

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			log.Logger.Info().Msg("shutdown signal received")
		case err := <-errCh:
			if err != nil {
				log.Logger.Error().Err(err).Msg("HTTP Adapter stopped unexpectedly")
			}
		case err := <-sysinfoErrCh:
			log.Logger.Error().Err(err).Msg("sysinfo loop stopped unexpectedly")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Logger.Error().Err(err).Msg("HTTP Adapter shutdown error")
		}

		sup.Shutdown()
		cancelWatcher()
		cancelSysinfo()
		loop.Close()

		log.Logger.Info().Msg("cnagentd shutdown complete")
		return nil
	},
}
