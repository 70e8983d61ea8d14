package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	grpc_adapter "github.com/JoeShih716/go-balance-ledger/internal/app/core/adapter/in/grpc"
	http_adapter "github.com/JoeShih716/go-balance-ledger/internal/app/core/adapter/in/http"
	"github.com/JoeShih716/go-balance-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-balance-ledger/pkg/config"
	"github.com/JoeShih716/go-balance-ledger/pkg/logger"
	pb "github.com/JoeShih716/go-balance-ledger/proto"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfgPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	// 1. 載入設定
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 2. 初始化 logger
	zl, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zl); err != nil {
		zl.Fatal("service stopped with error", zap.Error(err))
	}
	zl.Info("service exited")
}

func run(ctx context.Context, cfg *config.Config, zl *zap.Logger) error {
	mode, err := usecase.ParseConsumerMode(cfg.Consumer.Mode)
	if err != nil {
		return err
	}

	// 3. 初始化 Ledger Store
	store, err := openStore(ctx, cfg, zl)
	if err != nil {
		return err
	}
	defer closeQuietly(zl, "store", store.Close)

	// 4. 初始化快取與訊息系統
	cache, closeCache, err := openCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeQuietly(zl, "cache", closeCache)

	broker, err := openBroker(ctx, cfg, zl)
	if err != nil {
		return err
	}
	defer closeQuietly(zl, "broker", broker.close)

	// 5. 初始化 Engine，一個部署只選一種模式
	engineOpts := []usecase.EngineOption{
		usecase.WithLogger(zl),
		usecase.WithCache(cache),
	}
	var (
		engine  *usecase.Engine
		mutator usecase.Mutator
	)
	switch mode {
	case usecase.ModeCommand:
		// API 只把指令送進佇列，engine 不再發送通知
		engine = usecase.NewEngine(store, engineOpts...)
		mutator = usecase.NewCommandSink(broker.publisher, newMessageID)
	default:
		engine = usecase.NewEngine(store, append(engineOpts, usecase.WithPublisher(broker.publisher))...)
		mutator = engine
	}
	queued := mode == usecase.ModeCommand

	consumer, err := usecase.NewConsumer(mode, engine, nil, zl)
	if err != nil {
		return err
	}

	// 6. 初始化 HTTP 與 gRPC Adapter (Driving Adapter)
	app := http_adapter.NewApp(http_adapter.NewHandler(mutator, engine, queued), http_adapter.Config{
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}, zl)

	grpcServer := grpc_adapter.NewServer(zl)
	pb.RegisterLedgerServiceServer(grpcServer, grpc_adapter.NewGrpcServer(mutator, engine, queued))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(pb.LedgerService_ServiceName, healthpb.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return err
	}

	zl.Info("starting balance ledger",
		zap.String("store", cfg.Store.Kind),
		zap.String("broker", cfg.Broker.Kind),
		zap.String("mode", string(mode)),
		zap.String("http_addr", cfg.HTTP.Addr),
		zap.String("grpc_addr", cfg.GRPC.Addr),
	)

	// 7. 啟動，任何一個元件結束都會讓其他元件一起停止
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.Listen(cfg.HTTP.Addr)
	})
	g.Go(func() error {
		return grpcServer.Serve(lis)
	})
	if broker.run != nil {
		g.Go(func() error {
			return broker.run(gctx, consumer)
		})
	}

	// Graceful Shutdown
	g.Go(func() error {
		<-gctx.Done()
		zl.Info("shutting down")
		healthServer.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		grpcServer.GracefulStop()
		return app.ShutdownWithContext(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func closeQuietly(zl *zap.Logger, name string, closeFn func() error) {
	if closeFn == nil {
		return
	}
	if err := closeFn(); err != nil {
		zl.Warn("close failed", zap.String("component", name), zap.Error(err))
	}
}
