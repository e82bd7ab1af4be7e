package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lcx/gamenet/log"
	"github.com/lcx/gamenet/metrics"
	gnet "github.com/lcx/gamenet/net"
	"github.com/lcx/gamenet/plugin"
	"github.com/lcx/gamenet/registry"
)

var (
	metricsAddr     string
	shutdownTimeout time.Duration
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the server",
	Long: `
Start the server and serve until SIGINT or SIGTERM.

Examples:
  gamenetd start                              # ./configs, metrics on :9100
  gamenetd start -c /etc/gamenet -e prod      # prod overlay
  gamenetd start --metrics-addr ""            # no metrics endpoint
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServer(ctx)
	},
}

func init() {
	startCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9100", "prometheus listen address, empty disables it")
	startCmd.Flags().DurationVarP(&shutdownTimeout, "timeout", "t", 5*time.Second, "graceful shutdown timeout")
}

func runServer(ctx context.Context) error {
	cm := newConfigManager()
	defer cm.Close()

	if err := log.InitializeWithConfigManager(cm); err != nil {
		log.Warn().Err(err).Msg("logger config not loaded, using defaults")
	}
	defer log.DefaultLogger().Close()

	srv, err := gnet.NewServerWithConfigManager(cm, gnet.NewMessageManager())
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	if err := plugin.InitPlugins(cm); err != nil {
		return fmt.Errorf("init plugins: %w", err)
	}
	defer plugin.DestroyAll()

	if err := srv.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	log.Info().Str("tcp", srv.TCPAddr().String()).Msg("server started")

	if r, ok := registry.Default(); ok {
		ep := registry.Endpoint{TCPAddr: srv.TCPAddr().String()}
		for _, sock := range srv.UDP().Sockets() {
			ep.UDPPorts = append(ep.UDPPorts, sock.PublicEndpoint().Port())
		}
		if err := r.Register(ctx, ep); err != nil {
			log.Error().Err(err).Msg("service registration failed")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	var metricsSrv *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics endpoint: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case f := <-srv.Errors():
				metrics.IncrCounterWithDimGroup("server", "fault_total", 1, map[string]string{"kind": f.Kind.String()})
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		if r, ok := registry.Default(); ok {
			if err := r.Deregister(); err != nil {
				log.Warn().Err(err).Msg("deregister failed")
			}
		}
		stopErr := srv.Stop()
		if metricsSrv != nil {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = metricsSrv.Shutdown(sctx)
		}
		return stopErr
	})
	return g.Wait()
}
