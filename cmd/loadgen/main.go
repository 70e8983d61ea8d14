package main

import (
	"context"
	"flag"
	"log"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	grpcpool "github.com/JoeShih716/go-balance-ledger/pkg/grpc"
	"github.com/JoeShih716/go-balance-ledger/pkg/logger"
	pb "github.com/JoeShih716/go-balance-ledger/proto"
)

// loadgen 對同一個帳戶送出大量並行存款，結束後比對餘額是否剛好增加 total * amount
func main() {
	target := flag.String("target", "localhost:50051", "ledger grpc address")
	accountID := flag.Int64("account", 1, "account to deposit into")
	total := flag.Int("total", 10000, "number of deposits")
	concurrency := flag.Int("concurrency", 100, "in-flight requests")
	amount := flag.String("amount", "1.00", "amount per deposit")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall deadline")
	flag.Parse()

	zl, err := logger.New(logger.Config{Level: "info", Encoding: "console"})
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	per, err := decimal.NewFromString(*amount)
	if err != nil {
		zl.Fatal("invalid amount", zap.String("amount", *amount), zap.Error(err))
	}

	pool := grpcpool.NewPool(grpcpool.WithInterceptor(grpcpool.LoggingInterceptor(zl)))
	defer func() { _ = pool.Close() }()
	conn, err := pool.GetConnection(*target)
	if err != nil {
		zl.Fatal("did not connect", zap.Error(err))
	}
	client := pb.NewLedgerServiceClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	before, err := client.GetBalance(ctx, &pb.GetBalanceRequest{AccountId: *accountID})
	if err != nil {
		zl.Fatal("get balance failed", zap.Error(err))
	}

	var failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*concurrency)

	start := time.Now()
	for i := 0; i < *total; i++ {
		idx := i
		g.Go(func() error {
			resp, err := client.Deposit(gctx, &pb.AmountRequest{AccountId: *accountID, Amount: *amount})
			if err != nil || !resp.Committed {
				if failed.Add(1)%1000 == 1 {
					zl.Warn("deposit failed", zap.Int("index", idx), zap.Error(err))
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	elapsed := time.Since(start)

	after, err := client.GetBalance(ctx, &pb.GetBalanceRequest{AccountId: *accountID})
	if err != nil {
		zl.Fatal("get balance failed", zap.Error(err))
	}

	succeeded := int64(*total) - failed.Load()
	startBalance, _ := decimal.NewFromString(before.Balance)
	endBalance, _ := decimal.NewFromString(after.Balance)
	expected := startBalance.Add(per.Mul(decimal.NewFromInt(succeeded)))

	zl.Info("load finished",
		zap.Int("total", *total),
		zap.Int64("failed", failed.Load()),
		zap.Duration("elapsed", elapsed),
		zap.Float64("tps", float64(*total)/elapsed.Seconds()),
		zap.String("balance_before", before.Balance),
		zap.String("balance_after", after.Balance),
		zap.String("balance_expected", expected.StringFixed(2)),
	)
	// 指令模式下存款是非同步的，餘額可能還沒追上
	if !endBalance.Equal(expected) {
		zl.Warn("balance mismatch", zap.String("diff", expected.Sub(endBalance).String()))
	}
}
