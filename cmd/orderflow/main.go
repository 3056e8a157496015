package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"orderflow/config"
	"orderflow/internal/analytics"
	"orderflow/internal/analytics/footprint"
	"orderflow/internal/analytics/heatmap"
	"orderflow/internal/analytics/iceberg"
	"orderflow/internal/analytics/tape"
	"orderflow/internal/analytics/trend"
	"orderflow/internal/analytics/wallspoof"
	"orderflow/internal/broker"
	"orderflow/internal/exchange"
	"orderflow/internal/exchange/binance"
	"orderflow/internal/exchange/bybit"
	"orderflow/internal/exchange/okx"
	"orderflow/internal/gateway"
	"orderflow/internal/hotstore"
	"orderflow/internal/ingest"
	"orderflow/internal/metrics"
	"orderflow/internal/supervisor"
	"orderflow/logger"
)

const startupExitCode = 2

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(startupExitCode)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(startupExitCode)
	}

	metrics.Init()

	log.WithFields(logger.Fields{
		"service": cfg.Orderflow.Name,
		"version": cfg.Orderflow.Version,
	}).Info("starting orderflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleShutdown(cancel, log)

	brk, err := connectBroker(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Error("broker unreachable at startup")
		os.Exit(startupExitCode)
	}
	defer brk.Close()

	reg := supervisor.NewRegistry()
	sup := supervisor.New(reg)
	var wg sync.WaitGroup

	type venue struct {
		adapter exchange.Adapter
		ec      config.ExchangeConfig
	}
	var venues []venue
	if ec := cfg.Source.Bybit; ec.Enabled {
		venues = append(venues, venue{bybit.NewReader(ec, cfg.Channels.EventBuffer, cfg.Ingest.SnapshotTimeout.Std()), ec})
	}
	if ec := cfg.Source.Binance; ec.Enabled {
		venues = append(venues, venue{binance.NewReader(ec, cfg.Channels.EventBuffer, cfg.Ingest.SnapshotTimeout.Std(), cfg.Ingest.IdleReadTimeout.Std()), ec})
	}
	if ec := cfg.Source.Okx; ec.Enabled {
		venues = append(venues, venue{okx.NewReader(ec, cfg.Channels.EventBuffer, cfg.Ingest.SnapshotTimeout.Std(), cfg.Ingest.IdleReadTimeout.Std()), ec})
	}

	var instruments []hotstore.Instrument
	for _, v := range venues {
		feeds := exchange.ParseFeeds(v.ec.Feeds)
		for _, sym := range v.ec.Symbols {
			instruments = append(instruments, hotstore.Instrument{Exchange: v.adapter.Name(), Symbol: sym})
			sup.Go(ctx, &wg, ingest.New(v.adapter, brk, cfg.Ingest, cfg.Broker, sym, feeds, reg))
		}
	}

	store := hotstore.New(brk, cfg.Broker, cfg.Ingest.TopLevels, instruments, reg)
	sup.Go(ctx, &wg, store)

	for _, in := range instruments {
		launchAnalytics(ctx, sup, &wg, reg, brk, cfg, in)
	}

	gw := gateway.NewServer(cfg.Gateway, brk, store, reg)
	sup.Go(ctx, &wg, gw)

	wg.Wait()
	log.Info("orderflow stopped")
}

// launchAnalytics starts one worker per enabled kind for the instrument.
func launchAnalytics(ctx context.Context, sup *supervisor.Supervisor, wg *sync.WaitGroup, reg *supervisor.Registry, brk broker.Broker, cfg *config.Config, in hotstore.Instrument) {
	var workers []*analytics.Worker
	if cfg.Analytics.Tape.Enabled {
		workers = append(workers, tape.NewWorker(brk, cfg.Analytics.Tape, cfg.Broker, in.Exchange, in.Symbol))
	}
	if cfg.Analytics.Heatmap.Enabled {
		tick := cfg.TickSize(in.Exchange, in.Symbol)
		workers = append(workers, heatmap.NewWorker(brk, cfg.Analytics.Heatmap, cfg.Broker, tick, in.Exchange, in.Symbol))
	}
	if cfg.Analytics.Footprint.Enabled {
		workers = append(workers, footprint.NewWorker(brk, cfg.Analytics.Footprint, cfg.Broker, in.Exchange, in.Symbol))
	}
	if cfg.Analytics.Iceberg.Enabled {
		workers = append(workers, iceberg.NewWorker(brk, cfg.Analytics.Iceberg, cfg.Broker, in.Exchange, in.Symbol))
	}
	if cfg.Analytics.Wall.Enabled {
		workers = append(workers, wallspoof.NewWorker(brk, cfg.Analytics.Wall, cfg.Broker, in.Exchange, in.Symbol))
	}
	if cfg.Analytics.Trend.Enabled {
		workers = append(workers, trend.NewWorker(brk, cfg.Analytics.Trend, cfg.Broker, in.Exchange, in.Symbol))
	}
	for _, w := range workers {
		w := w
		sup.Go(ctx, wg, &supervisor.WorkerTask{
			TaskName: w.Name,
			RunFunc: func(taskCtx context.Context) error {
				return analytics.Run(taskCtx, brk, w, cfg.Broker.ReadBlock.Std(), reg)
			},
		})
	}
}

// connectBroker pings the broker with a short retry budget; startup fails
// hard when it never answers.
func connectBroker(ctx context.Context, cfg *config.Config, log *logger.Log) (broker.Broker, error) {
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		brk, err := broker.NewRedis(ctx, cfg.Broker.URL, cfg.Broker.DialTimeout.Std())
		if err == nil {
			return brk, nil
		}
		lastErr = err
		log.WithError(err).WithFields(logger.Fields{"attempt": attempt + 1}).Warn("broker connect failed")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * time.Second):
		}
	}
	return nil, lastErr
}

func handleShutdown(cancel context.CancelFunc, log *logger.Log) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
	log.WithComponent("main").Info("shutdown requested")
	cancel()

	// Second signal or a stuck drain forces exit.
	go func() {
		select {
		case <-ch:
		case <-time.After(5 * time.Second):
		}
		os.Exit(0)
	}()
}
