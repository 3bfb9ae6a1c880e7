package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/galaxyhq/galaxy/pkg/config"
	"github.com/galaxyhq/galaxy/pkg/constellation"
	"github.com/galaxyhq/galaxy/pkg/events"
	"github.com/galaxyhq/galaxy/pkg/fleet"
	"github.com/galaxyhq/galaxy/pkg/heartbeat"
	"github.com/galaxyhq/galaxy/pkg/log"
	"github.com/galaxyhq/galaxy/pkg/modsync"
	"github.com/galaxyhq/galaxy/pkg/observers"
	"github.com/galaxyhq/galaxy/pkg/orchestrator"
	"github.com/galaxyhq/galaxy/pkg/types"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Register the configured devices and run one demo constellation",
	Long: `run wires the event bus, fleet manager, modification synchronizer,
and orchestrator together, connects every auto_connect device from the
config file, runs a small illustrative constellation to completion, and
then blocks serving Prometheus metrics until interrupted.

There is no planner attached: the demo constellation's edges are fixed
and no CONSTELLATION_MODIFIED edit ever arrives, so after each task
completes the modification synchronizer's barrier holds the next
dispatch until that completion's pending modification times out.`,
	RunE: runGalaxy,
}

func init() {
	runCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address to serve Prometheus metrics on")
}

func runGalaxy(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	var cfg *config.Galaxy
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	bus := events.New()
	defer bus.Close()

	metricsObserver := observers.NewMetricsObserver()
	broadcaster := observers.NewSnapshotBroadcaster()
	bus.Subscribe(metricsObserver.HandleEvent)
	bus.Subscribe(broadcaster.HandleEvent)

	fleetCfg := fleet.DefaultConfig()
	fleetCfg.Heartbeat = heartbeat.Config{
		Interval:    cfg.HeartbeatInterval(),
		MissedLimit: 3,
		MaxRetries:  cfg.DeviceMaxRetries,
		BackoffBase: cfg.ReconnectDelay(),
		BackoffMax:  10 * cfg.ReconnectDelay(),
	}
	fm := fleet.New(fleetCfg, bus)

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		log.WithComponent("cmd/galaxy").Info().Str("addr", metricsAddr).Msg("serving metrics")
		if err := http.ListenAndServe(metricsAddr, nil); err != nil {
			log.WithComponent("cmd/galaxy").Error().Err(err).Msg("metrics server stopped")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, dc := range cfg.Devices {
		caps := make(map[string]struct{}, len(dc.Capabilities))
		for _, c := range dc.Capabilities {
			caps[c] = struct{}{}
		}
		fm.RegisterDevice(&types.Device{
			ID:           dc.DeviceID,
			Endpoint:     dc.ServerURL,
			OS:           dc.OS,
			Capabilities: caps,
			Metadata:     dc.Metadata,
		})
		if dc.AutoConnect {
			if err := fm.ConnectDevice(ctx, dc.DeviceID); err != nil {
				log.WithComponent("cmd/galaxy").Warn().Err(err).Str("device_id", dc.DeviceID).Msg("failed to auto-connect device")
			}
		}
	}

	devices := fm.Devices(true)
	if len(devices) > 0 {
		runDemoConstellation(ctx, bus, fm, devices)
	} else {
		log.WithComponent("cmd/galaxy").Info().Msg("no connected devices, skipping demo constellation")
	}

	fmt.Println("galaxy is running. Press Ctrl+C to stop.")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down...")
	fm.Shutdown()
	fmt.Println("shutdown complete")
	return nil
}

// runDemoConstellation builds and runs a three-task linear chain across
// whatever devices are connected, purely to exercise the orchestrator end
// to end with no planner attached.
func runDemoConstellation(ctx context.Context, bus *events.Bus, fm *fleet.Manager, devices []*types.Device) {
	c := constellation.New(uuid.NewString(), "demo")
	_ = c.AddTask(&types.Task{ID: "fetch", Status: types.TaskPending})
	_ = c.AddTask(&types.Task{ID: "process", Status: types.TaskPending})
	_ = c.AddTask(&types.Task{ID: "report", Status: types.TaskPending})
	_ = c.AddDependency(&types.Dependency{ID: uuid.NewString(), FromTaskID: "fetch", ToTaskID: "process", Kind: types.DependencySuccessOnly})
	_ = c.AddDependency(&types.Dependency{ID: uuid.NewString(), FromTaskID: "process", ToTaskID: "report", Kind: types.DependencySuccessOnly})

	sync := modsync.New(modsync.DefaultConfig())
	bus.Subscribe(sync.HandleEvent)

	o := orchestrator.New(orchestrator.DefaultConfig(), bus, sync, fm.Assign)

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	if err := o.Run(runCtx, c, nil, orchestrator.RoundRobin(), devices); err != nil {
		log.WithComponent("cmd/galaxy").Error().Err(err).Msg("demo constellation run failed")
		return
	}
	log.WithComponent("cmd/galaxy").Info().Interface("statistics", c.Statistics()).Msg("demo constellation completed")
}
