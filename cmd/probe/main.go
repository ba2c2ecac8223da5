// Command probe connects to pongd, runs a client session against it and
// reports the clock estimate until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yohamta/donburi"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"driftpursuit/prediction/internal/client"
	"driftpursuit/prediction/internal/config"
	"driftpursuit/prediction/internal/logging"
	"driftpursuit/prediction/internal/prediction"
	"driftpursuit/prediction/internal/recording"
	"driftpursuit/prediction/internal/simulation"
	"driftpursuit/prediction/internal/tick"
	"driftpursuit/prediction/internal/transport"
)

type pulse struct {
	Count int
}

func main() {
	mode := flag.String("transport", "ws", "ping transport: ws or grpc")
	target := flag.String("target", "", "pongd address, ws://host:port/ping or host:port for grpc")
	frameHz := flag.Float64("fps", 60, "client frame rate")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.L().Fatal("load config", logging.Error(err))
	}
	logger, err := logging.New(cfg.Logging, "probe")
	if err != nil {
		logging.L().Fatal("init logger", logging.Error(err))
	}
	logging.ReplaceGlobals(logger)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *mode, *target, *frameHz); err != nil {
		logger.Fatal("probe stopped", logging.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *logging.Logger, mode, target string, frameHz float64) error {
	//1.- A single predicted counter stands in for the game simulation.
	world := donburi.NewWorld()
	pulses := donburi.NewComponentType[pulse]()
	registry := prediction.NewRegistry(cfg.Rollback.HistoryDepth)
	if err := prediction.Register(registry, "pulse", pulses, func(a, b pulse) bool { return a == b }); err != nil {
		return err
	}

	monitor := simulation.NewFrameMonitor()
	session, err := client.NewSession(client.Options[struct{}]{
		Config:   cfg,
		World:    world,
		Registry: registry,
		Monitor:  monitor,
		Logger:   logger,
		Step: func(tick.Tick, struct{}, bool) {
			pulses.Each(world, func(entry *donburi.Entry) {
				if entry.HasComponent(client.PredictedTag) {
					pulses.Get(entry).Count++
				}
			})
		},
	})
	if err != nil {
		return err
	}
	logger = logger.With(logging.String("session_id", session.ID().String()))

	if cfg.JournalDir != "" {
		policy := recording.RetentionPolicy{MaxJournals: cfg.Retention.Keep, MaxAge: cfg.Retention.MaxAge}
		if stats, err := recording.Prune(cfg.JournalDir, policy, time.Now(), logger); err != nil {
			logger.Warn("journal prune incomplete", logging.Error(err))
		} else {
			logger.Info("journals pruned", logging.Int("kept", stats.Journals), logging.Int("removed", stats.Removed))
		}
		journal, manifest, err := recording.Open(cfg.JournalDir, session.ID().String(), 200*time.Millisecond, nil)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer journal.Close()
		session.AttachJournal(journal)
		logger.Info("journal enabled", logging.String("dir", journal.Directory()), logging.Int("version", manifest.Version))
	}

	//2.- Pongs flow straight into the session inbox.
	closePinger, err := attachTransport(ctx, session, cfg, mode, target, logger)
	if err != nil {
		return err
	}
	defer closePinger()

	//3.- Predict one confirmed counter so rollbacks have something to act on.
	confirmed := world.Create(pulses)
	if _, err := session.Predict(confirmed); err != nil {
		return err
	}

	//4.- Status is logged from the frame goroutine, which owns the session.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var lastStatus time.Time
	var failure error
	loop := simulation.NewLoop(frameHz, func(ctx context.Context, now time.Time) {
		report, err := session.Frame(ctx, now)
		if errors.Is(err, client.ErrNotSynced) {
			failure = err
			cancel()
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("frame failed", logging.Error(err))
			}
			return
		}
		if now.Sub(lastStatus) < time.Second {
			return
		}
		lastStatus = now
		snap := monitor.Snapshot()
		logger.Info("probe status",
			logging.String("phase", report.Phase.String()),
			logging.Uint16("tick", uint16(report.Tick)),
			logging.Float64("fps", snap.AverageFPS()),
			logging.Duration("max_frame", snap.Max),
			logging.Int("replays", snap.Replays),
		)
	})
	loop.Start(ctx)
	<-ctx.Done()
	loop.Stop()
	return failure
}

func attachTransport(ctx context.Context, session *client.Session[struct{}], cfg *config.Config, mode, target string, logger *logging.Logger) (func(), error) {
	switch mode {
	case "ws":
		if target == "" {
			target = "ws://localhost" + cfg.PongAddr + "/ping"
		}
		pinger, err := transport.DialWS(ctx, target, session.EnqueuePong, logger)
		if err != nil {
			return nil, err
		}
		session.AttachTransport(pinger)
		go func() {
			select {
			case <-pinger.Done():
				if err := pinger.Err(); err != nil {
					logger.Warn("websocket pinger stopped", logging.String("target", target), logging.Error(err))
				}
			case <-ctx.Done():
			}
		}()
		return func() { _ = pinger.Close() }, nil
	case "grpc":
		if target == "" {
			target = "localhost" + cfg.PongGRPCAddr
		}
		conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("grpc client %s: %w", target, err)
		}
		pinger, err := transport.NewGRPCPinger(conn, session.EnqueuePong, logger)
		if err != nil {
			conn.Close()
			return nil, err
		}
		session.AttachTransport(pinger)
		return func() { _ = pinger.Close() }, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", mode)
	}
}
