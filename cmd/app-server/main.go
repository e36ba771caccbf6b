// Command app-server runs the cooperative ITS application bridge: it listens
// on a TCP port, accepts exactly one control-system connection and serves it
// until the peer closes it, sends CLOSE, or the process is interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/its-app-bridge/internal/app"
	"github.com/signalsfoundry/its-app-bridge/internal/config"
	"github.com/signalsfoundry/its-app-bridge/internal/dispatcher"
	"github.com/signalsfoundry/its-app-bridge/internal/logging"
	"github.com/signalsfoundry/its-app-bridge/internal/observability"
	"github.com/signalsfoundry/its-app-bridge/internal/protocol"
	"github.com/signalsfoundry/its-app-bridge/timectrl"
)

var errUsage = errors.New("usage: app-server [flags] <port>")

func main() {
	cfg, err := parseArgs(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lis, err := net.Listen("tcp", cfg.ListenAddress())
	if err != nil {
		log.Error(ctx, "failed to listen for the control system", logging.String("addr", cfg.ListenAddress()), logging.Err(err))
		os.Exit(1)
	}

	if err := run(ctx, cfg, log, lis); err != nil {
		log.Error(ctx, "application server exited", logging.Err(err))
		os.Exit(1)
	}
}

// parseArgs loads the configuration and applies command-line overrides. The
// port comes from the single positional argument or --port.
func parseArgs(args []string) (*config.Config, error) {
	flags := pflag.NewFlagSet("app-server", pflag.ContinueOnError)
	configPath := flags.String("config", "", "Path to a YAML configuration file")
	envFiles := flags.StringSlice("env-file", []string{".env"}, "Dotenv files loaded before reading APP_* variables")
	port := flags.Int("port", 0, "TCP port the control system connects to")
	metricsAddr := flags.String("metrics-addr", "", "HTTP address for Prometheus /metrics (empty disables)")
	healthAddr := flags.String("health-addr", "", "TCP address for the gRPC health service (empty disables)")
	logLevel := flags.String("log-level", "", "Log level: debug, info, warn, error")
	startStep := flags.Int32("start-timestep", 0, "First timestep at which application results are generated")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := config.Load(*configPath, *envFiles...)
	if err != nil {
		return nil, err
	}

	if flags.Changed("port") {
		cfg.Port = *port
	}
	switch flags.NArg() {
	case 0:
	case 1:
		p, err := strconv.Atoi(flags.Arg(0))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid port %q", errUsage, flags.Arg(0))
		}
		cfg.Port = p
	default:
		return nil, errUsage
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddress = *metricsAddr
	}
	if flags.Changed("health-addr") {
		cfg.HealthAddress = *healthAddr
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}
	if flags.Changed("start-timestep") {
		cfg.StartTimeStep = *startStep
	}

	if cfg.Port == 0 {
		return nil, fmt.Errorf("%w: missing port", errUsage)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// run serves one control-system session on lis together with the metrics and
// health side servers. It returns nil when the session ends normally or ctx
// is cancelled.
func run(ctx context.Context, cfg *config.Config, log logging.Logger, lis net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		_ = lis.Close()
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	collector, err := observability.NewBridgeCollector(nil)
	if err != nil {
		_ = lis.Close()
		return fmt.Errorf("init metrics: %w", err)
	}

	var health *observability.HealthServer
	var healthLis net.Listener
	if cfg.HealthAddress != "" {
		healthLis, err = net.Listen("tcp", cfg.HealthAddress)
		if err != nil {
			_ = lis.Close()
			return fmt.Errorf("listen for health checks on %s: %w", cfg.HealthAddress, err)
		}
		health = observability.NewHealthServer()
	}

	state, err := newState(ctx, cfg, log, collector)
	if err != nil {
		_ = lis.Close()
		if healthLis != nil {
			_ = healthLis.Close()
		}
		return err
	}

	steps := timectrl.NewStepClock()
	steps.AddListener(collector.SetTimeStep)

	g, gctx := errgroup.WithContext(ctx)

	metricsSrv := serveMetrics(cfg.MetricsAddress, collector, log)
	if health != nil {
		log.Info(ctx, "serving gRPC health checks", logging.String("addr", healthLis.Addr().String()))
		g.Go(func() error {
			if err := health.Serve(healthLis); err != nil {
				return fmt.Errorf("health server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer cancel()
		return serveSession(gctx, lis, state, steps, collector, health, log)
	})

	g.Go(func() error {
		<-gctx.Done()
		health.Stop()
		if metricsSrv != nil {
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelShutdown()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		return nil
	})

	return g.Wait()
}

func newState(ctx context.Context, cfg *config.Config, log logging.Logger, recorder app.Recorder) (*app.State, error) {
	state := app.NewState(
		app.WithLogger(log),
		app.WithReservedSenderID(cfg.ReservedSenderID),
		app.WithRecorder(recorder),
	)
	if err := state.SetApplicationStartTimeStep(ctx, cfg.StartTimeStep); err != nil {
		return nil, fmt.Errorf("configure start timestep: %w", err)
	}
	if a := cfg.CamArea; a != nil {
		if err := state.SetCamArea(ctx, a.X, a.Y, a.Radius); err != nil {
			return nil, fmt.Errorf("configure cam area: %w", err)
		}
	}
	if a := cfg.CarReturnArea; a != nil {
		if err := state.SetCarArea(ctx, a.X, a.Y, a.Radius); err != nil {
			return nil, fmt.Errorf("configure car return area: %w", err)
		}
	}
	return state, nil
}

// serveSession accepts exactly one connection, stops listening and runs the
// dispatcher on it. Cancelling ctx closes the listener or the connection,
// whichever is blocking.
func serveSession(
	ctx context.Context,
	lis net.Listener,
	state *app.State,
	steps *timectrl.StepClock,
	collector *observability.BridgeCollector,
	health *observability.HealthServer,
	log logging.Logger,
) error {
	log.Info(ctx, "waiting for the control system", logging.String("addr", lis.Addr().String()))

	stopAccept := context.AfterFunc(ctx, func() { _ = lis.Close() })
	conn, err := lis.Accept()
	stopAccept()
	_ = lis.Close()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("accept control system: %w", err)
	}
	defer func() { _ = conn.Close() }()
	stopConn := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stopConn()

	log.Info(ctx, "control system connected", logging.String("remote", conn.RemoteAddr().String()))
	collector.SetSessionActive(true)
	health.SetSessionActive(true)
	defer func() {
		collector.SetSessionActive(false)
		health.SetSessionActive(false)
	}()

	d := dispatcher.New(protocol.NewStreamChannel(conn), state,
		dispatcher.WithLogger(log),
		dispatcher.WithMetrics(collector),
		dispatcher.WithStepClock(steps),
	)
	if err := d.Serve(ctx); err != nil {
		if ctx.Err() != nil {
			log.Info(ctx, "session interrupted by shutdown")
			return nil
		}
		return err
	}
	return nil
}

func serveMetrics(addr string, collector *observability.BridgeCollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
