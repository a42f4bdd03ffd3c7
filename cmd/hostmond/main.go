package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/invisible-tech/hostmon/internal/config"
	"github.com/invisible-tech/hostmon/internal/server"
	"github.com/invisible-tech/hostmon/internal/state"
	"github.com/invisible-tech/hostmon/internal/version"
	"github.com/invisible-tech/hostmon/pkg/event"
	"github.com/invisible-tech/hostmon/pkg/monitor"
	"github.com/invisible-tech/hostmon/pkg/notify"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg := config.DefaultDaemonConfig()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithError(err).Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	file, err := config.Load(ctx, cfg.ConfigPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	file.Apply(&cfg)
	services, err := file.Build(cfg.Reminder)
	if err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	log.WithFields(logrus.Fields{
		"version":  version.Version,
		"host":     hostname,
		"config":   cfg.ConfigPath,
		"services": len(services),
	}).Info("Starting hostmon daemon")

	store, err := state.Open(cfg.StateDir)
	if err != nil {
		log.WithError(err).Fatal("Failed to open state store")
	}
	defer store.Close()
	id, err := store.DaemonID()
	if err != nil {
		log.WithError(err).Fatal("Failed to read daemon id")
	}

	keep := make(map[string]bool, len(services))
	for _, s := range services {
		keep[s.Name] = true
	}
	if n, err := store.Prune(keep); err != nil {
		log.WithError(err).Warn("Failed to prune stored events")
	} else if n > 0 {
		log.WithField("events", n).Info("Dropped stored events of removed services")
	}

	hub := server.NewHub(hostname, log)
	var remote event.Notifier
	if cfg.CollectorEnabled() {
		remote = notify.NewHTTPNotifier(notify.HTTPConfig{
			Endpoint: cfg.CollectorEndpoint,
			APIKey:   cfg.CollectorAPIKey,
			Timeout:  cfg.CollectorTimeout,
			Rate:     cfg.CollectorRate,
			Burst:    cfg.CollectorBurst,
			Source:   id,
			Host:     hostname,
		}, log)
		log.WithField("endpoint", cfg.CollectorEndpoint).Info("Forwarding events to collector")
	}

	mon, err := monitor.New(monitor.Config{
		DaemonID:    id,
		Poll:        cfg.Poll,
		StartDelay:  cfg.StartDelay,
		HTTPAddress: cfg.HTTPAddr,
	}, monitor.Deps{
		Alert:  notify.Multi{notify.NewLogNotifier(log), hub},
		Remote: remote,
		Store:  store,
	}, services, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to create monitor")
	}

	srv := server.New(cfg, mon, hub, log)

	reload := func() {
		f, err := config.Load(ctx, cfg.ConfigPath)
		if err != nil {
			log.WithError(err).Error("Reload failed, keeping current configuration")
			return
		}
		next, err := f.Build(cfg.Reminder)
		if err != nil {
			log.WithError(err).Error("Reload failed, keeping current configuration")
			return
		}
		if err := mon.Reload(next); err != nil {
			log.WithError(err).Error("Reload rejected")
		}
	}

	grp, groupCtx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		return mon.Start(groupCtx)
	})
	grp.Go(srv.ListenAndServe)
	grp.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	grp.Go(func() error {
		err := config.Watch(groupCtx, cfg.ConfigPath, log, reload)
		if err != nil {
			// reload on SIGHUP still works
			log.WithError(err).Warn("Configuration watch disabled")
		}
		return nil
	})
	grp.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-hup:
				log.Info("Received SIGHUP, reloading configuration")
				reload()
			}
		}
	})

	if err := grp.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("Daemon stopped with error")
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := mon.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Error during shutdown")
	}
	log.Info("hostmon shutdown complete")
}
