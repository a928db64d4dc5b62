package cmd

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vnet-sim/vnet-sim/sim"
)

var (
	configPath  string // Path to the YAML simulation configuration
	logLevel    string // Log verbosity override (empty = use config)
	seed        int64  // Seed override (set when the flag is passed)
	workers     int    // Worker count override
	metricsAddr string // Listen address for Prometheus metrics (empty = disabled)
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "vnet-sim",
	Short: "Discrete-event network simulator",
}

// runCmd executes a simulation from a configuration file
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a simulation",
	Run: func(cmd *cobra.Command, args []string) {
		config, err := sim.LoadConfig(configPath)
		if err != nil {
			logrus.Fatalf("Invalid configuration: %v", err)
		}

		if cmd.Flags().Changed("seed") {
			config.General.Seed = seed
		}
		if cmd.Flags().Changed("workers") {
			config.General.Workers = workers
		}
		if logLevel != "" {
			config.General.LogLevel = logLevel
		}

		level, err := logrus.ParseLevel(config.LogLevel())
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", config.LogLevel())
		}
		logrus.SetLevel(level)

		registry := prometheus.NewRegistry()
		collector, err := sim.NewCollector(registry)
		if err != nil {
			logrus.Fatalf("Could not register metrics: %v", err)
		}
		if metricsAddr != "" {
			go serveMetrics(metricsAddr, registry)
		}

		controller := sim.NewController(config, collector)

		// SIGINT/SIGTERM end the run at the next round boundary
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-signals
			logrus.Warnf("received %s, stopping simulation at the next round", sig)
			controller.RequestStop()
		}()

		code := controller.Run()
		controller.Free()
		if code != 0 {
			os.Exit(code)
		}
	},
}

func serveMetrics(addr string, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	logrus.Infof("serving metrics on %s/metrics", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logrus.Warnf("metrics listener failed: %v", err)
	}
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	runCmd.Flags().StringVar(&configPath, "config", "", "Path to the YAML simulation configuration (required)")
	runCmd.Flags().StringVar(&logLevel, "log", "", "Log level override (trace, debug, info, warn, error)")
	runCmd.Flags().Int64Var(&seed, "seed", 1, "Seed override for the global random source")
	runCmd.Flags().IntVar(&workers, "workers", 0, "Worker count override (0 = single-threaded)")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Listen address for Prometheus metrics (empty = disabled)")

	if err := runCmd.MarkFlagRequired("config"); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(runCmd)
}
