// Command pongd answers clock synchronisation pings over WebSocket and gRPC.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"driftpursuit/prediction/internal/config"
	httpapi "driftpursuit/prediction/internal/http"
	"driftpursuit/prediction/internal/logging"
	"driftpursuit/prediction/internal/tick"
	"driftpursuit/prediction/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.L().Fatal("load config", logging.Error(err))
	}
	logger, err := logging.New(cfg.Logging, "pongd")
	if err != nil {
		logging.L().Fatal("init logger", logging.Error(err))
	}
	logging.ReplaceGlobals(logger)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("pongd stopped", logging.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	//1.- The server tick counts fixed steps since start.
	started := time.Now()
	step := cfg.TickDuration()
	ticks := func() tick.Tick { return tick.Tick(uint16(time.Since(started) / step)) }
	responder := transport.NewResponder(ticks, time.Now, logger)

	//2.- A failed gRPC listener degrades readiness instead of stopping the WebSocket path.
	var startupErr atomic.Pointer[error]
	grpcServer := transport.NewGRPCServer()
	transport.RegisterPongService(grpcServer, responder)
	grpcListener, err := net.Listen("tcp", cfg.PongGRPCAddr)
	if err != nil {
		logger.Error("grpc pong responder unavailable", logging.String("addr", cfg.PongGRPCAddr), logging.Error(err))
		listenErr := fmt.Errorf("grpc listener %s: %w", cfg.PongGRPCAddr, err)
		startupErr.Store(&listenErr)
	}

	mux := http.NewServeMux()
	mux.Handle("/ping", transport.NewWSResponder(responder, logger))
	httpapi.NewHandlerSet(httpapi.Options{
		Logger:    logger,
		Status:    responder,
		StartedAt: started,
		Startup: func() error {
			if p := startupErr.Load(); p != nil {
				return *p
			}
			return nil
		},
	}).Register(mux)
	httpServer := &http.Server{
		Addr:              cfg.PongAddr,
		Handler:           logging.HTTPTraceMiddleware(logger)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errs := make(chan error, 2)
	go func() {
		logger.Info("websocket pong responder listening", logging.String("addr", cfg.PongAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()
	if grpcListener != nil {
		go func() {
			logger.Info("grpc pong responder listening", logging.String("addr", cfg.PongGRPCAddr))
			if err := grpcServer.Serve(grpcListener); err != nil {
				errs <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errs:
		grpcServer.Stop()
		_ = httpServer.Close()
		return err
	}

	//3.- Drain in-flight pings before exiting.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	grpcServer.GracefulStop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("pong responders stopped")
	return nil
}
