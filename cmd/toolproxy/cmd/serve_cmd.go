package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"toolproxy/internal/gateway"
	"toolproxy/internal/logging"
	"toolproxy/internal/metrics"
	"toolproxy/internal/proxy"
	"toolproxy/internal/resultcache"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

func NewServeCmd() *cobra.Command {
	var listen string
	var gatewayID string
	var streamWorkers int

	c := &cobra.Command{
		Use:   "serve",
		Short: "Start the proxy gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger := logging.FromContext(ctx)

			cfg, err := loadConfig(GetConfigFileFlag())
			if err != nil {
				return err
			}
			id := firstNonEmpty(gatewayID, gateway.DefaultGatewayID())

			var client *redis.Client
			var cache resultcache.Cache = resultcache.NewMemory()
			if cfg.Redis.Enabled() {
				client, err = gateway.NewRedisClient(cfg.Redis.URL)
				if err != nil {
					return err
				}
				defer client.Close()
				cache = resultcache.NewRedis(client, cfg.Redis.KeyPrefix)
				logger.Info("redis enabled", "gateway_id", id)
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			m := metrics.New(reg)

			hub := gateway.NewHub(id, client, cfg.Redis.EventChannel, logger)
			p := proxy.New(proxyOptions(cfg, logger, cache, m, hub.Publish))
			defer p.Close()

			server := gateway.New(p, hub, gateway.Options{
				ListenAddr:      firstNonEmpty(listen, cfg.Server.Listen),
				InternalToken:   cfg.Server.InternalToken,
				GatewayID:       id,
				Redis:           client,
				CallbackChannel: cfg.Redis.CallbackChannel,
				InvokeStream:    cfg.Redis.InvokeStream,
				ConsumerGroup:   cfg.Redis.ConsumerGroup,
				StreamWorkers:   streamWorkers,
				Gatherer:        reg,
				Logger:          logger,
			})
			return server.Run(ctx)
		},
	}
	c.Flags().StringVar(&listen, "listen", "", "listen address (default: server.listen)")
	c.Flags().StringVar(&gatewayID, "gateway-id", "", "gateway instance id (default: auto)")
	c.Flags().IntVar(&streamWorkers, "stream-workers", 8, "concurrent invocations taken from the redis stream")
	return c
}
