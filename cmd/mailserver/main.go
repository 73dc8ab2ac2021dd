package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fenilsonani/email-server/internal/admin"
	"github.com/fenilsonani/email-server/internal/config"
	"github.com/fenilsonani/email-server/internal/logging"
	"github.com/fenilsonani/email-server/internal/outbound"
	"github.com/fenilsonani/email-server/internal/queue"
	"github.com/fenilsonani/email-server/internal/ratelimit"
	"github.com/fenilsonani/email-server/internal/smtp/delivery"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	cfg     *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mailserver",
	Short: "Outbound mail relay with adaptive per-provider pacing",
	Long: `An outbound mail relay that paces deliveries per destination
provider, backing off on deferrals and rate-limit responses and recovering
gradually, with a durable Redis-backed queue and Prometheus metrics.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for help commands
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the outbound relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Validate configuration before doing anything
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		// Track resources for cleanup
		type resourceTracker struct {
			redisQueue     *queue.RedisQueue
			deliveryEngine *delivery.Engine
			pacingEngine   *ratelimit.Engine
			adminSrv       *admin.Server
			logger         *logging.Logger
		}
		resources := &resourceTracker{}

		// Cleanup function - called on both success and error paths
		cleanup := func() {
			if resources.logger != nil {
				resources.logger.Info("Starting graceful shutdown")
			}

			shutdownTimeout := 30 * time.Second
			if cfg.Server.ShutdownTimeout != "" {
				if t, err := time.ParseDuration(cfg.Server.ShutdownTimeout); err == nil {
					shutdownTimeout = t
				}
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()

			// Shutdown in reverse order of initialization
			// 1. Stop accepting admin requests first
			if resources.adminSrv != nil {
				if resources.logger != nil {
					resources.logger.Info("Shutting down admin server")
				}
				if err := resources.adminSrv.Shutdown(shutdownCtx); err != nil {
					if resources.logger != nil {
						resources.logger.Error("Admin server shutdown error", "error", err.Error())
					} else {
						fmt.Fprintf(os.Stderr, "Admin server shutdown error: %v\n", err)
					}
				}
			}

			// 2. Stop delivery engine (finish in-flight deliveries)
			if resources.deliveryEngine != nil {
				if resources.logger != nil {
					resources.logger.Info("Stopping delivery engine")
				}
				resources.deliveryEngine.Stop()
			}

			// 3. Stop the adaptive pacing engine (persists final state)
			if resources.pacingEngine != nil {
				if resources.logger != nil {
					resources.logger.Info("Stopping pacing engine")
				}
				resources.pacingEngine.Stop(shutdownCtx)
			}

			// 4. Close Redis queue connection
			if resources.redisQueue != nil {
				if resources.logger != nil {
					resources.logger.Info("Closing Redis queue connection")
				}
				if err := resources.redisQueue.Close(); err != nil {
					if resources.logger != nil {
						resources.logger.Error("Redis queue close error", "error", err.Error())
					} else {
						fmt.Fprintf(os.Stderr, "Redis queue close error: %v\n", err)
					}
				}
			}

			if resources.logger != nil {
				resources.logger.Info("Shutdown complete")
			}
		}

		// Ensure cleanup runs on panic
		defer func() {
			if r := recover(); r != nil {
				fmt.Fprintf(os.Stderr, "PANIC during server operation: %v\n", r)
				cleanup()
				panic(r) // Re-panic after cleanup
			}
		}()

		// Initialize logger early so we can use it for startup errors
		logger, err := logging.New(logging.Config{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
			Output: cfg.Logging.Output,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		resources.logger = logger
		logger.Info("Outbound relay starting", "hostname", cfg.Server.Hostname)

		// Initialize Redis queue with connection validation
		retryMaxAge, _ := time.ParseDuration(cfg.Queue.RetryMaxAge)
		if retryMaxAge == 0 {
			retryMaxAge = 7 * 24 * time.Hour
		}
		redisQueue, err := queue.NewRedisQueue(queue.Config{
			RedisURL:    cfg.Queue.RedisURL,
			Prefix:      cfg.Queue.Prefix,
			MaxRetries:  cfg.Queue.MaxRetries,
			RetryMaxAge: retryMaxAge,
		})
		if err != nil {
			cleanup()
			return fmt.Errorf("failed to initialize Redis queue: %w", err)
		}
		resources.redisQueue = redisQueue
		logger.Info("Redis queue connected", "url", cfg.Queue.RedisURL)

		// Initialize delivery engine. DKIM signing is an external
		// collaborator this module does not implement; a nil pool leaves
		// outbound messages unsigned.
		connectTimeout, _ := time.ParseDuration(cfg.Delivery.ConnectTimeout)
		if connectTimeout == 0 {
			connectTimeout = 30 * time.Second
		}
		commandTimeout, _ := time.ParseDuration(cfg.Delivery.CommandTimeout)
		if commandTimeout == 0 {
			commandTimeout = 5 * time.Minute
		}
		deliveryEngine := delivery.NewEngine(delivery.Config{
			Workers:        cfg.Delivery.Workers,
			Hostname:       cfg.Server.Hostname,
			ConnectTimeout: connectTimeout,
			CommandTimeout: commandTimeout,
			MaxMessageSize: cfg.Delivery.MaxMessageSize,
			RequireTLS:     cfg.Delivery.RequireTLS,
			VerifyTLS:      cfg.Delivery.VerifyTLS,
			RelayHost:      cfg.Delivery.RelayHost,
		}, redisQueue, nil, logger)
		resources.deliveryEngine = deliveryEngine
		deliveryEngine.Start()
		logger.Info("Delivery engine started", "workers", cfg.Delivery.Workers)

		// Initialize adaptive outbound pacing and attach it to the delivery
		// engine's send loop.
		pacingEngine := ratelimit.New(cfg.RateLimit, logger)
		pacingEngine.Start()
		resources.pacingEngine = pacingEngine
		deliveryEngine.SetPacer(outbound.NewGate(pacingEngine, redisQueue, logger))
		logger.Info("Adaptive pacing engine started", "enabled", cfg.RateLimit.Enabled)

		fmt.Printf("Outbound relay starting as %s\n", cfg.Server.Hostname)

		// Start admin server if enabled
		if cfg.Admin.Enabled {
			adminSrv := admin.NewServer(cfg, redisQueue, pacingEngine, logger)
			resources.adminSrv = adminSrv
			adminAddr := fmt.Sprintf("%s:%d", cfg.Admin.Listen, cfg.Admin.Port)
			go func() {
				if err := adminSrv.Start(adminAddr); err != nil {
					logger.Error("Admin server error", "error", err.Error())
				}
			}()
			fmt.Printf("  Admin: http://%s\n", adminAddr)
			logger.Info("Admin server started", "addr", adminAddr)
		}

		fmt.Println("\nServer is running. Press Ctrl+C to stop.")
		logger.Info("All services started successfully")

		// Setup signal handling for graceful shutdown
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

		// Wait for shutdown signal
		sig := <-sigCh
		logger.Info("Received shutdown signal", "signal", sig.String())
		fmt.Printf("\nReceived signal %s, shutting down...\n", sig)

		// Perform graceful shutdown
		cleanup()

		logger.Info("Server stopped")
		return nil
	},
}

// newCLIPacingEngine builds a pacing engine for one-shot CLI inspection and
// administration. It never starts the metrics server or snapshot loop; the
// caller loads state, makes its change, and saves it back directly.
func newCLIPacingEngine() (*ratelimit.Engine, error) {
	logger, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return ratelimit.New(cfg.RateLimit, logger), nil
}

var ratelimitCmd = &cobra.Command{
	Use:   "ratelimit",
	Short: "Inspect and administer the adaptive outbound pacing engine",
}

var ratelimitStatusCmd = &cobra.Command{
	Use:   "status [provider]",
	Short: "Show pacing state for one or all providers",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := newCLIPacingEngine()
		if err != nil {
			return err
		}
		engine.LoadState()

		if len(args) == 1 {
			stats, ok := engine.GetDomainStats(args[0])
			if !ok {
				fmt.Printf("no pacing state recorded for %s\n", args[0])
				return nil
			}
			printDomainStats(stats)
			return nil
		}

		all := engine.GetStats()
		fmt.Printf("%d provider(s) tracked, %d circuit(s) open\n\n", all.ProviderCount, all.OpenCircuits)
		for _, s := range all.Providers {
			printDomainStats(s)
		}
		return nil
	},
}

var ratelimitResetCmd = &cobra.Command{
	Use:   "reset <provider>",
	Short: "Clear all pacing state for a provider",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := newCLIPacingEngine()
		if err != nil {
			return err
		}
		engine.LoadState()
		engine.ResetDomain(args[0])
		if err := engine.SaveState(); err != nil {
			return fmt.Errorf("failed to persist reset: %w", err)
		}
		fmt.Printf("cleared pacing state for %s\n", args[0])
		return nil
	},
}

var ratelimitCloseCircuitCmd = &cobra.Command{
	Use:   "close-circuit <provider>",
	Short: "Force-close an open circuit breaker for a provider",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := newCLIPacingEngine()
		if err != nil {
			return err
		}
		engine.LoadState()
		engine.CloseCircuit(args[0])
		if err := engine.SaveState(); err != nil {
			return fmt.Errorf("failed to persist circuit close: %w", err)
		}
		fmt.Printf("closed circuit for %s\n", args[0])
		return nil
	},
}

func printDomainStats(s ratelimit.DomainStats) {
	fmt.Printf("%s\n", s.Provider)
	fmt.Printf("  delay_ms=%d consecutive_rate_limit_failures=%d circuit_open=%v paused=%v\n",
		s.DelayMS, s.ConsecutiveRateLimitFailures, s.CircuitOpen, s.Paused)
	fmt.Printf("  delivered=%d deferred=%d bounced=%d rate_limited=%d circuit_trips=%d\n\n",
		s.TotalDelivered, s.TotalDeferred, s.TotalBounced, s.TotalRateLimited, s.TotalCircuitTrips)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("mailserver v0.1.0")
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)

	// Adaptive pacing commands
	ratelimitCmd.AddCommand(ratelimitStatusCmd)
	ratelimitCmd.AddCommand(ratelimitResetCmd)
	ratelimitCmd.AddCommand(ratelimitCloseCircuitCmd)
	rootCmd.AddCommand(ratelimitCmd)
}
