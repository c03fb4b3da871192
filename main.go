package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"magicaldanmaku/session/internal/config"
	"magicaldanmaku/session/internal/endpoint"
	httpapi "magicaldanmaku/session/internal/http"
	"magicaldanmaku/session/internal/live"
	"magicaldanmaku/session/internal/logging"
	"magicaldanmaku/session/internal/recorder"
	"magicaldanmaku/session/internal/resolve"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logging.ReplaceGlobals(logger)
	defer logger.Sync()

	opts := []live.ServiceOption{live.WithLogger(logger)}
	if directory := strings.TrimSpace(os.Getenv("SESSION_DIRECTORY_URL")); directory != "" {
		resolver, err := resolve.NewResolver(directory, nil, logger)
		if err != nil {
			logger.Fatal("invalid directory URL", logging.Error(err))
		}
		opts = append(opts, live.WithResolver(resolver))
	}
	service := live.NewService(cfg, opts...)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := start(ctx, service); err != nil {
		logger.Fatal("session start failed", logging.Error(err))
	}
	defer service.StopConnection()

	if cfg.RecordDir != "" {
		cleaner := recorder.NewCleaner(cfg.RecordDir, retentionFromEnv(), logger)
		go cleaner.Run(ctx, time.Hour)
	}

	if addr := strings.TrimSpace(os.Getenv("SESSION_HTTP_ADDR")); addr != "" {
		go serveOps(ctx, addr, service, logger)
	}

	<-ctx.Done()
	logger.Info("shutting down")
}

// start connects either by identity code or by explicit room credentials.
func start(ctx context.Context, service *live.Service) error {
	if code := strings.TrimSpace(os.Getenv("SESSION_IDENTITY_CODE")); code != "" {
		return service.StartConnectIdentityCode(ctx, code)
	}
	roomID := strings.TrimSpace(os.Getenv("SESSION_ROOM_ID"))
	if roomID == "" {
		return errors.New("set SESSION_ROOM_ID or SESSION_IDENTITY_CODE")
	}
	endpoints, err := parseEndpoints(os.Getenv("SESSION_ENDPOINTS"))
	if err != nil {
		return err
	}
	return service.StartConnectRoom(roomID, os.Getenv("SESSION_ROOM_TOKEN"), endpoints)
}

// parseEndpoints reads a comma separated list of "host:port" or
// "wss://host:port" entries.
func parseEndpoints(raw string) ([]endpoint.Endpoint, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("SESSION_ENDPOINTS must list at least one host:port")
	}
	var endpoints []endpoint.Endpoint
	for _, part := range strings.Split(trimmed, ",") {
		entry := strings.TrimSpace(part)
		if entry == "" {
			continue
		}
		wss := false
		switch {
		case strings.HasPrefix(entry, "wss://"):
			wss = true
			entry = strings.TrimPrefix(entry, "wss://")
		case strings.HasPrefix(entry, "ws://"):
			entry = strings.TrimPrefix(entry, "ws://")
		}
		host, portRaw, ok := strings.Cut(entry, ":")
		if !ok || host == "" {
			return nil, fmt.Errorf("endpoint %q must be host:port", part)
		}
		port, err := strconv.Atoi(portRaw)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("endpoint %q has an invalid port", part)
		}
		endpoints = append(endpoints, endpoint.Endpoint{Host: host, Port: port, WSS: wss})
	}
	if len(endpoints) == 0 {
		return nil, errors.New("SESSION_ENDPOINTS must list at least one host:port")
	}
	return endpoints, nil
}

func retentionFromEnv() recorder.RetentionPolicy {
	policy := recorder.RetentionPolicy{}
	if raw := strings.TrimSpace(os.Getenv("SESSION_RECORD_MAX_SESSIONS")); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil && value > 0 {
			policy.MaxSessions = value
		}
	}
	if raw := strings.TrimSpace(os.Getenv("SESSION_RECORD_MAX_AGE_HOURS")); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil && value > 0 {
			policy.MaxAge = time.Duration(value) * time.Hour
		}
	}
	return policy
}

func serveOps(ctx context.Context, addr string, service *live.Service, logger *logging.Logger) {
	limiter := httpapi.NewSlidingWindowLimiter(time.Minute, 5, nil)
	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:      logger,
		Session:     service,
		Aborter:     service,
		AdminToken:  os.Getenv("SESSION_ADMIN_TOKEN"),
		RateLimiter: limiter,
	})
	mux := http.NewServeMux()
	handlers.Register(mux)

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	logger.Info("ops server listening", logging.String("addr", addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("ops server failed", logging.Error(err))
	}
}
