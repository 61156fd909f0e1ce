package cmd

import (
	"toolproxy/internal/config"
	"toolproxy/internal/logging"
	"toolproxy/internal/metrics"
	"toolproxy/internal/proxy"
	"toolproxy/internal/resultcache"
)

func proxyOptions(cfg *config.Config, logger logging.Logger, cache resultcache.Cache, m *metrics.Metrics, observer proxy.Observer) proxy.Options {
	return proxy.Options{
		EndpointURL:        cfg.Proxy.EndpointURL,
		APIKey:             cfg.Proxy.APIKey,
		PollInterval:       cfg.Proxy.PollInterval,
		MaxWait:            cfg.Proxy.MaxWait,
		MaxPollAttempts:    cfg.Proxy.MaxPollAttempts,
		BackoffFactor:      cfg.Proxy.BackoffFactor,
		HandshakeTimeout:   cfg.Proxy.HandshakeTimeout,
		RequestTimeout:     cfg.Proxy.RequestTimeout,
		PollTimeout:        cfg.Proxy.PollTimeout,
		SessionIdleTimeout: cfg.Proxy.SessionIdleTimeout,
		ResultTTL:          cfg.Proxy.ResultTTL,
		CallbackBaseURL:    cfg.Proxy.CallbackBaseURL,
		Cache:              cache,
		Logger:             logger,
		Metrics:            m,
		Observer:           observer,
	}
}
