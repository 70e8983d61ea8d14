package grpc

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/JoeShih716/go-balance-ledger/internal/app/core/adapter/out/memory"
	"github.com/JoeShih716/go-balance-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-balance-ledger/internal/app/core/usecase"
	grpcpool "github.com/JoeShih716/go-balance-ledger/pkg/grpc"
	pb "github.com/JoeShih716/go-balance-ledger/proto"
)

type stubPublisher struct {
	err error
}

func (p stubPublisher) Publish(context.Context, domain.OperationMessage) error { return p.err }

// startServer 以 bufconn 啟動 gRPC server，回傳 client
func startServer(t *testing.T, srv pb.LedgerServiceServer) pb.LedgerServiceClient {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	server := NewServer(nil)
	pb.RegisterLedgerServiceServer(server, srv)
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	pool := grpcpool.NewPool(grpcpool.WithDialOptions(
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	))
	t.Cleanup(func() { _ = pool.Close() })

	conn, err := pool.GetConnection("passthrough:///bufnet")
	require.NoError(t, err)
	return pb.NewLedgerServiceClient(conn)
}

func newEngine(t *testing.T, opts ...usecase.EngineOption) *usecase.Engine {
	t.Helper()

	store, err := memory.NewStore([]domain.Account{
		{ID: 1, OwnerID: 1, Balance: decimal.RequireFromString("1000.00")},
		{ID: 2, OwnerID: 2, Balance: decimal.RequireFromString("500.00")},
	})
	require.NoError(t, err)
	return usecase.NewEngine(store, opts...)
}

func TestGrpcServer_Flow(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	engine := newEngine(t, usecase.WithClock(func() time.Time { return now }))
	client := startServer(t, NewGrpcServer(engine, engine, false))

	resp, err := client.Deposit(ctx, &pb.AmountRequest{AccountId: 1, Amount: "500.00"})
	require.NoError(t, err)
	assert.True(t, resp.Committed)
	assert.True(t, resp.Notified)

	_, err = client.Withdraw(ctx, &pb.AmountRequest{AccountId: 1, Amount: "100"})
	require.NoError(t, err)
	_, err = client.Transfer(ctx, &pb.TransferRequest{FromAccountId: 1, ToAccountId: 2, Amount: "200"})
	require.NoError(t, err)

	bal, err := client.GetBalance(ctx, &pb.GetBalanceRequest{AccountId: 1})
	require.NoError(t, err)
	assert.Equal(t, "1200.00", bal.Balance)
	assert.Equal(t, int64(1), bal.OwnerId)

	bal, err = client.GetBalance(ctx, &pb.GetBalanceRequest{AccountId: 2})
	require.NoError(t, err)
	assert.Equal(t, "700.00", bal.Balance)

	trans, err := client.GetTransactions(ctx, &pb.GetTransactionsRequest{
		AccountId: 1,
		StartTime: now.Add(-time.Hour),
		EndTime:   now.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, trans.Transactions, 3)
	assert.Equal(t, "TRANSFER", trans.Transactions[2].OperationType)
	require.NotNil(t, trans.Transactions[2].TargetAccountId)
	assert.Equal(t, int64(2), *trans.Transactions[2].TargetAccountId)
}

func TestGrpcServer_StatusCodes(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	engine := newEngine(t)
	client := startServer(t, NewGrpcServer(engine, engine, false))

	_, err := client.Withdraw(ctx, &pb.AmountRequest{AccountId: 1, Amount: "10000"})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	_, err = client.Deposit(ctx, &pb.AmountRequest{AccountId: 1, Amount: "0"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.Deposit(ctx, &pb.AmountRequest{AccountId: 1, Amount: "abc"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.Transfer(ctx, &pb.TransferRequest{FromAccountId: 1, ToAccountId: 1, Amount: "1"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.GetBalance(ctx, &pb.GetBalanceRequest{AccountId: 404})
	assert.Equal(t, codes.NotFound, status.Code(err))

	now := time.Now()
	_, err = client.GetTransactions(ctx, &pb.GetTransactionsRequest{AccountId: 1, StartTime: now, EndTime: now.Add(-time.Minute)})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestToStatus(t *testing.T) {
	t.Parallel()

	assert.Equal(t, codes.Unavailable, status.Code(toStatus(domain.ErrLockContention)))
	assert.Equal(t, codes.Unavailable, status.Code(toStatus(domain.ErrEnqueueFailed)))

	st := status.Convert(toStatus(domain.StoreError("commit", errors.New("secret dsn in message"))))
	assert.Equal(t, codes.Internal, st.Code())
	assert.NotContains(t, st.Message(), "secret")
}

func TestGrpcServer_SoftPublishFailure(t *testing.T) {
	t.Parallel()

	engine := newEngine(t, usecase.WithPublisher(stubPublisher{err: errors.New("broker down")}))
	srv := NewGrpcServer(engine, engine, false)

	resp, err := srv.Deposit(context.Background(), &pb.AmountRequest{AccountId: 1, Amount: "1"})
	require.NoError(t, err)
	assert.True(t, resp.Committed)
	assert.False(t, resp.Notified)
	assert.NotEmpty(t, resp.Message)
}

func TestGrpcServer_QueuedMode(t *testing.T) {
	t.Parallel()

	engine := newEngine(t)
	srv := NewGrpcServer(usecase.NewCommandSink(stubPublisher{}, func() string { return "cmd" }), engine, true)

	resp, err := srv.Transfer(context.Background(), &pb.TransferRequest{FromAccountId: 1, ToAccountId: 2, Amount: "5"})
	require.NoError(t, err)
	assert.True(t, resp.Queued)
	assert.False(t, resp.Committed)

	acc, err := engine.GetAccount(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(decimal.NewFromInt(1000)))
}
