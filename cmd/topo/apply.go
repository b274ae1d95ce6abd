package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/topo/pkg/deploy"
	"github.com/cuemby/topo/pkg/events"
	"github.com/cuemby/topo/pkg/log"
	"github.com/cuemby/topo/pkg/metrics"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Materialize the descriptor on the container runtime",
	Long: `Create the project's networks, volumes and services in dependency order.
Services already running as declared are left alone. A running service that
diverges from the descriptor is a conflict unless --replace is given.

Examples:
  # Apply topo.yaml with variables from .env
  topo apply

  # Recreate diverged services, give up after two minutes
  topo apply --replace --timeout 2m

  # Show what would happen without a runtime
  topo apply --dry-run`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().Bool("replace", false, "Recreate running services that diverge from the descriptor")
	applyCmd.Flags().Bool("parallel", false, "Start independent services concurrently")
	applyCmd.Flags().Int("max-parallel", 0, "Bound on concurrent services with --parallel (0 means unbounded)")
	applyCmd.Flags().Duration("timeout", 0, "Give up after this long (0 means no limit)")
	applyCmd.Flags().Duration("stop-timeout", 10*time.Second, "Grace period when replacing a container")
	applyCmd.Flags().Bool("dry-run", false, "Apply against an in-memory runtime")
	applyCmd.Flags().String("policy", "", "Override policy: strict, service-wins or override-wins")
	applyCmd.Flags().String("metrics-textfile", os.Getenv("TOPO_METRICS_TEXTFILE"), "Write Prometheus metrics to this file after the apply")
}

func runApply(cmd *cobra.Command, args []string) error {
	replace, _ := cmd.Flags().GetBool("replace")
	parallel, _ := cmd.Flags().GetBool("parallel")
	maxParallel, _ := cmd.Flags().GetInt("max-parallel")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	stopTimeout, _ := cmd.Flags().GetDuration("stop-timeout")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	textfile, _ := cmd.Flags().GetString("metrics-textfile")

	topo, err := resolveTopology(cmd)
	if err != nil {
		return err
	}

	rt, err := newRuntime(cmd, topo)
	if err != nil {
		return err
	}
	defer rt.Close()

	opts := []deploy.Option{}
	if !dryRun {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		opts = append(opts, deploy.WithStore(store))
	}

	broker := events.NewBroker()
	sub := broker.Subscribe()
	broker.Start()
	var printed sync.WaitGroup
	printed.Add(1)
	go func() {
		defer printed.Done()
		for ev := range sub {
			printEvent(ev)
		}
	}()
	opts = append(opts, deploy.WithBroker(broker))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if dryRun {
		fmt.Printf("Dry run of %s against an in-memory runtime\n", topo.Project())
	}
	report, applyErr := deploy.NewDeployer(rt, opts...).Apply(ctx, topo, deploy.Options{
		Replace:     replace,
		Parallel:    parallel,
		MaxParallel: maxParallel,
		Timeout:     timeout,
		StopTimeout: stopTimeout,
	})
	broker.Stop()
	printed.Wait()

	if textfile != "" {
		if err := metrics.WriteTextfile(textfile); err != nil {
			log.Logger.Warn().Err(err).Str("path", textfile).Msg("Failed to write metrics")
		}
	}

	if report != nil {
		fmt.Println()
		for _, res := range report.Services {
			marker := "✓"
			if !res.Status.Succeeded() {
				marker = "✗"
				if res.Optional {
					marker = "-"
				}
			}
			fmt.Printf("%s %s\n", marker, res)
		}
		for _, w := range report.Warnings {
			fmt.Printf("! %s\n", w)
		}
		fmt.Printf("\nrevision %s (%s)\n", report.RevisionID, report.Duration.Round(time.Millisecond))
	}
	return applyErr
}

func printEvent(ev *events.Event) {
	switch ev.Type {
	case events.EventNetworkCreated:
		fmt.Printf("  network %s created\n", ev.Message)
	case events.EventVolumeCreated:
		fmt.Printf("  volume %s created\n", ev.Message)
	case events.EventServiceHealthy:
		fmt.Printf("  %s is healthy\n", ev.Service)
	case events.EventServiceStarted:
		fmt.Printf("  %s started\n", ev.Service)
	case events.EventServiceAlreadyRunning:
		fmt.Printf("  %s already running\n", ev.Service)
	case events.EventServiceFailed:
		fmt.Printf("  %s failed: %s\n", ev.Service, ev.Message)
	case events.EventServiceSkipped:
		fmt.Printf("  %s skipped: %s\n", ev.Service, ev.Message)
	}
}

