// Command modhost serves pages rendered by remotely deployed modules and
// keeps the loaded set in sync with the module manifest.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/module_host/internal/breaker"
	"github.com/R3E-Network/module_host/internal/config"
	"github.com/R3E-Network/module_host/internal/fetch"
	"github.com/R3E-Network/module_host/internal/httpapi"
	"github.com/R3E-Network/module_host/internal/jsmodule"
	"github.com/R3E-Network/module_host/internal/logging"
	"github.com/R3E-Network/module_host/internal/metrics"
	"github.com/R3E-Network/module_host/internal/poller"
	"github.com/R3E-Network/module_host/internal/registry"
	"github.com/R3E-Network/module_host/internal/render"
	"github.com/R3E-Network/module_host/internal/serializer"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "modhost: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New("modhost", cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	log := logger.Service()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	var reg *registry.Registry
	reg = registry.New(
		registry.WithLogger(log.WithField("component", "registry")),
		registry.WithHooks(registry.Hooks{
			OnInstall: func(registry.Record, bool) {
				m.SetLoadedModules(reg.Snapshot().Len())
			},
			OnRemove: func(registry.Record) {
				m.SetLoadedModules(reg.Snapshot().Len())
			},
		}),
	)

	fetcher, err := fetch.New(fetch.Config{
		ManifestURL:     cfg.Manifest.URL,
		Timeout:         cfg.Manifest.FetchTimeout,
		MaxPayloadBytes: cfg.Manifest.MaxPayloadBytes,
		Logger:          log.WithField("component", "fetch"),
	})
	if err != nil {
		return err
	}

	loader := jsmodule.NewLoader(jsmodule.Config{
		LoadTimeout:  cfg.Manifest.LoadTimeout,
		PoolSize:     cfg.Manifest.RuntimePoolSize,
		HTTPClient:   &http.Client{},
		FetchTimeout: cfg.Render.FetchTimeout,
		Logger:       log.WithField("component", "jsmodule"),
	})

	p, err := poller.New(poller.Config{
		RootModule:       cfg.Manifest.RootModule,
		Interval:         cfg.Manifest.PollInterval,
		RequiredVariants: cfg.Manifest.RequiredVariants,
		Fetcher:          fetcher,
		Loader:           loader,
		Registry:         reg,
		Logger:           log,
		Observer:         m,
	})
	if err != nil {
		return err
	}

	br := breaker.New(breaker.Config{
		Timeout:                  cfg.Breaker.Timeout,
		ErrorThresholdPercentage: cfg.Breaker.ErrorThresholdPercentage,
		ResetTimeout:             cfg.Breaker.ResetTimeout,
		RollingWindow:            cfg.Breaker.RollingWindow,
		VolumeThreshold:          cfg.Breaker.VolumeThreshold,
		OnStateChange: func(from, to breaker.State) {
			m.SetBreakerState(int(to))
			log.WithFields(logrus.Fields{
				"from": from.String(),
				"to":   to.String(),
			}).Warn("circuit breaker state changed")
		},
	})

	ser := serializer.New(
		serializer.WithLogger(log.WithField("component", "serializer")),
		serializer.WithFallbackObserver(func(failed serializer.Tier) {
			m.RecordSerializerFallback(failed.String())
		}),
	)

	pipeline, err := render.New(render.Options{
		RootModule:    cfg.Manifest.RootModule,
		Registry:      reg,
		Breaker:       br,
		Serializer:    ser,
		ClientMap:     p.ClientModuleMap,
		AppName:       cfg.Render.AppName,
		MaxBodyBytes:  cfg.Render.MaxBodyBytes,
		RenderTimeout: cfg.Render.Timeout,
		Logger:        logger,
		Observer:      m,
	})
	if err != nil {
		return err
	}

	router := httpapi.NewRouter(httpapi.Deps{
		Registry: reg,
		Poller:   p,
		Breaker:  br,
		Pipeline: pipeline,
		Metrics:  m,
		Logger:   logger,
		Reports: httpapi.ReportOptions{
			RatePerSecond: cfg.Reports.RatePerSecond,
			Burst:         cfg.Reports.Burst,
			MaxBodyBytes:  cfg.Reports.MaxBodyBytes,
		},
		Context: ctx,
	})

	// the first tick runs before the listener opens so the root module is
	// normally in place for the first request
	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("start poller: %w", err)
	}
	defer p.Stop()

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("module host listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown error")
	}
	p.Stop()
	log.Info("module host stopped")
	return nil
}
