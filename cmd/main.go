package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"trade-builder/internal/api"
	"trade-builder/internal/data"
	"trade-builder/internal/executor"
	"trade-builder/internal/model"
	"trade-builder/internal/runner"
	"trade-builder/internal/server"
	"trade-builder/internal/service"
	"trade-builder/internal/store"

	"go.uber.org/zap"
)

func main() {
	cfg, err := service.LoadConfig("config")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	service.InitLogger(cfg.Log.Level)
	defer service.Logger.Sync()
	logger := service.Logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. 持久化：逻辑定义和执行日志
	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		logger.Fatal("Failed to open store", zap.String("Path", cfg.Store.Path), zap.Error(err))
	}
	defer st.Close()

	// 2. 交易所 REST 客户端，websocket 行情开启时最新价优先读推送缓存
	prices := api.NewPriceCache()
	client := api.NewClient(api.Config{
		BaseURL:           cfg.Exchange.RESTURL,
		AccessKey:         cfg.Exchange.AccessKey,
		SecretKey:         cfg.Exchange.SecretKey,
		RequestsPerSecond: cfg.Exchange.RequestsPerSecond,
		Timeout:           cfg.Exchange.RequestTimeout,
		PriceMaxAge:       2 * cfg.Runner.PricePollInterval,
	}, prices, logger)

	var ticks <-chan model.Ticker
	if cfg.Exchange.UseStream {
		symbols := storedSymbols(ctx, st, logger)
		stream := api.NewTickerStream(cfg.Exchange.WSURL, symbols, prices, logger)
		go stream.Run(ctx)
		ticks = stream.Ticks()
		logger.Info("Ticker stream enabled", zap.Strings("Symbols", symbols))
	}

	// 3. 下单端：模拟或真实交易所
	var sink executor.OrderSink
	if cfg.DryRun.Enabled {
		sim := executor.NewSimulatorExecutor(executor.SimulatorConfig{
			InitialKRW: cfg.DryRun.InitialKRW,
			FeeRate:    cfg.DryRun.FeeRate,
		}, client, logger)
		if ticks != nil {
			go sim.StartMonitor(ticks)
		} else {
			logger.Warn("Dry run without ticker stream, resting limit orders will not fill")
		}
		sink = sim
		logger.Info("Dry run enabled", zap.Float64("InitialKRW", cfg.DryRun.InitialKRW))
	} else {
		sink = executor.NewExchangeExecutor(client, logger)
		logger.Warn("Live trading enabled", zap.String("Exchange", cfg.Exchange.Name))
	}
	router := executor.NewRouter(sink, logger)

	// 4. 运行器：每个逻辑一个隔离的工作协程
	rn := runner.New(runner.Config{
		MinInterval:    cfg.Runner.MinInterval,
		RequestTimeout: cfg.Runner.RequestTimeout,
		StopGrace:      cfg.Runner.StopGrace,
		Market: data.Config{
			PollInterval:   cfg.Runner.PricePollInterval,
			CandleRefresh:  cfg.Runner.CandleRefresh,
			CandleInterval: cfg.Runner.CandleIntervalMinute,
			HistorySize:    cfg.Runner.HistorySize,
			FetchTimeout:   cfg.Exchange.RequestTimeout,
		},
	}, client, router, st, logger)

	autoStart(ctx, cfg, st, rn, logger)

	// 5. HTTP 管理接口
	srv := server.New(server.Config{RunOnceTimeout: cfg.Runner.RequestTimeout}, st, rn, logger)
	httpServer := &http.Server{Addr: cfg.Server.Addr, Handler: srv, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info("HTTP server listening", zap.String("Addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Runner.StopGrace+10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown", zap.Error(err))
	}
	if err := rn.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Runner shutdown", zap.Error(err))
	}
}

// autoStart 启动配置中标记为 AutoStart 的逻辑，图定义从 store 读取
func autoStart(ctx context.Context, cfg *service.Config, st *store.Store, rn *runner.Runner, logger *zap.Logger) {
	for id, lc := range cfg.Logics {
		if !lc.AutoStart {
			continue
		}
		rec, err := st.GetLogic(ctx, id)
		if err != nil {
			logger.Error("Auto-start skipped", zap.String("Logic", id), zap.Error(err))
			continue
		}
		interval := lc.Interval
		if interval <= 0 {
			interval = rec.Interval
		}
		def := runner.Definition{ID: rec.ID, Symbol: rec.Symbol, Buy: rec.Buy, Sell: rec.Sell}
		if err := rn.Start(def, interval); err != nil {
			logger.Error("Auto-start failed", zap.String("Logic", id), zap.Error(err))
		}
	}
}

// storedSymbols 返回 store 中所有逻辑的交易对，用于行情订阅
func storedSymbols(ctx context.Context, st *store.Store, logger *zap.Logger) []string {
	recs, err := st.ListLogics(ctx)
	if err != nil {
		logger.Warn("Listing logics for stream subscription failed", zap.Error(err))
		return nil
	}
	seen := make(map[string]bool)
	var symbols []string
	for _, rec := range recs {
		if !seen[rec.Symbol] {
			seen[rec.Symbol] = true
			symbols = append(symbols, rec.Symbol)
		}
	}
	sort.Strings(symbols)
	return symbols
}
