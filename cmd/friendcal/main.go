package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"friendcal/internal/access"
	"friendcal/internal/cache"
	"friendcal/internal/config"
	"friendcal/internal/feed"
	applog "friendcal/internal/log"
	"friendcal/internal/model"
	"friendcal/internal/store"
	syncsvc "friendcal/internal/sync"
	"friendcal/internal/web"
)

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		applog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	applog.Setup(conf.LogLevel)
	applog.Info("friendcal starting",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"refresh", conf.RefreshCron,
		"horizon_days", conf.HorizonDays,
		"cache_ttl_minutes", conf.CacheTTLMinutes,
		"friend_count", len(conf.Friends),
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		applog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	fallback, err := store.Open(conf.StorePath)
	if err != nil {
		applog.Error("failed to open durable cache", err, "path", conf.StorePath)
		os.Exit(1)
	}
	defer fallback.Close()

	var creds feed.CredentialProvider = feed.StaticToken("")
	if conf.CredentialFile != "" {
		creds = feed.FileToken(conf.CredentialFile)
	}
	fetcher := feed.NewClient(conf.FeedBaseURL, creds)

	// The gate and the service reference each other: the gate validates
	// every read, and a revocation purges through the service.
	var svc *syncsvc.Service
	gate := access.NewGate(
		access.NewHTTPPermissionChecker(conf.PermissionBaseURL),
		func(ctx context.Context, ownerID string) error {
			return svc.PurgeFriendCache(ctx, ownerID)
		},
	)

	svc = syncsvc.NewService(syncsvc.Config{
		Access:      gate,
		Cache:       cache.New(time.Duration(conf.CacheTTLMinutes)*time.Minute, nil),
		Fallback:    fallback,
		Fetcher:     fetcher,
		HorizonDays: conf.HorizonDays,
	})

	for _, f := range conf.Friends {
		svc.RegisterFriend(model.Friend{
			ID:          f.ID,
			ViewerID:    f.ViewerID,
			DisplayName: f.Name,
			FeedID:      f.FeedID,
			FeedName:    f.FeedName,
		})
	}

	refresher, err := syncsvc.NewRefresher(svc, conf.RefreshCron)
	if err != nil {
		applog.Error("failed to install refresh schedule", err, "spec", conf.RefreshCron)
		os.Exit(1)
	}
	refresher.Start()
	defer refresher.Stop()

	server := &http.Server{
		Addr:    conf.Listen,
		Handler: web.NewServer(conf, svc).Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		applog.Info("starting HTTP server", "listen", "http://"+conf.Listen)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			applog.Error("HTTP server failed", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		applog.Error("graceful shutdown failed", err)
	}
	applog.Info("friendcal exiting")
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/friendcal/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")

	flag.Parse()

	return cfg
}
