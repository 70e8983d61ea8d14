package grpc

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/JoeShih716/go-balance-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-balance-ledger/internal/app/core/usecase"
	pb "github.com/JoeShih716/go-balance-ledger/proto"
)

type GrpcServer struct {
	pb.UnimplementedLedgerServiceServer
	mutator usecase.Mutator
	reader  usecase.Reader
	queued  bool
}

// NewGrpcServer 建立 gRPC 介面
//
// 參數:
//
//	mutator: 通知模式為 Engine，指令模式為 CommandSink
//	reader: 查詢
//	queued: 指令模式
func NewGrpcServer(mutator usecase.Mutator, reader usecase.Reader, queued bool) *GrpcServer {
	return &GrpcServer{
		mutator: mutator,
		reader:  reader,
		queued:  queued,
	}
}

func (s *GrpcServer) Deposit(ctx context.Context, req *pb.AmountRequest) (*pb.MutationResponse, error) {
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return nil, err
	}
	return s.result(s.mutator.Deposit(ctx, req.AccountId, amount))
}

func (s *GrpcServer) Withdraw(ctx context.Context, req *pb.AmountRequest) (*pb.MutationResponse, error) {
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return nil, err
	}
	return s.result(s.mutator.Withdraw(ctx, req.AccountId, amount))
}

func (s *GrpcServer) Transfer(ctx context.Context, req *pb.TransferRequest) (*pb.MutationResponse, error) {
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return nil, err
	}
	return s.result(s.mutator.Transfer(ctx, req.FromAccountId, req.ToAccountId, amount))
}

func (s *GrpcServer) GetBalance(ctx context.Context, req *pb.GetBalanceRequest) (*pb.GetBalanceResponse, error) {
	acc, err := s.reader.GetAccount(ctx, req.AccountId)
	if err != nil {
		return nil, toStatus(err)
	}
	return &pb.GetBalanceResponse{
		AccountId: acc.ID,
		OwnerId:   acc.OwnerID,
		Balance:   domain.FormatAmount(acc.Balance),
	}, nil
}

func (s *GrpcServer) GetTransactions(ctx context.Context, req *pb.GetTransactionsRequest) (*pb.GetTransactionsResponse, error) {
	trans, err := s.reader.GetTransactionsByPeriod(ctx, req.AccountId, req.StartTime, req.EndTime)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := &pb.GetTransactionsResponse{Transactions: make([]*pb.Transaction, 0, len(trans))}
	for _, t := range trans {
		resp.Transactions = append(resp.Transactions, &pb.Transaction{
			Id:              t.ID,
			AccountId:       t.AccountID,
			TargetAccountId: t.TargetAccountID,
			Amount:          domain.FormatAmount(t.Amount),
			OperationType:   t.Kind.String(),
			Timestamp:       t.CreatedAt,
		})
	}
	return resp, nil
}

// result 通知失敗不是 RPC 錯誤：異動已經成功，以 Notified=false 回報 (Soft Failure)
func (s *GrpcServer) result(err error) (*pb.MutationResponse, error) {
	switch {
	case err == nil && s.queued:
		return &pb.MutationResponse{Queued: true}, nil
	case err == nil:
		return &pb.MutationResponse{Committed: true, Notified: true}, nil
	case errors.Is(err, domain.ErrPublishFailed):
		return &pb.MutationResponse{Committed: true, Notified: false, Message: err.Error()}, nil
	default:
		return nil, toStatus(err)
	}
}

func parseAmount(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, status.Error(codes.InvalidArgument, "amount must be a decimal number")
	}
	return d, nil
}

// toStatus 把領域錯誤轉成 gRPC status，未分類的錯誤不回傳細節
func toStatus(err error) error {
	switch {
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrSameAccount),
		errors.Is(err, domain.ErrInvalidPeriod):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrAccountNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrInsufficientFunds):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, domain.ErrLockContention):
		return status.Error(codes.Unavailable, "account is locked by another operation, retry later")
	case errors.Is(err, domain.ErrEnqueueFailed):
		return status.Error(codes.Unavailable, "operation was not queued, retry later")
	default:
		return status.Error(codes.Internal, "operation failed and was rolled back")
	}
}

var _ pb.LedgerServiceServer = (*GrpcServer)(nil)
