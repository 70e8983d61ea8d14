package proto

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	LedgerService_ServiceName                    = "ledger.v1.LedgerService"
	LedgerService_Deposit_FullMethodName         = "/ledger.v1.LedgerService/Deposit"
	LedgerService_Withdraw_FullMethodName        = "/ledger.v1.LedgerService/Withdraw"
	LedgerService_Transfer_FullMethodName        = "/ledger.v1.LedgerService/Transfer"
	LedgerService_GetBalance_FullMethodName      = "/ledger.v1.LedgerService/GetBalance"
	LedgerService_GetTransactions_FullMethodName = "/ledger.v1.LedgerService/GetTransactions"
)

// LedgerServiceClient 是 LedgerService 的 client 介面
type LedgerServiceClient interface {
	Deposit(ctx context.Context, in *AmountRequest, opts ...grpc.CallOption) (*MutationResponse, error)
	Withdraw(ctx context.Context, in *AmountRequest, opts ...grpc.CallOption) (*MutationResponse, error)
	Transfer(ctx context.Context, in *TransferRequest, opts ...grpc.CallOption) (*MutationResponse, error)
	GetBalance(ctx context.Context, in *GetBalanceRequest, opts ...grpc.CallOption) (*GetBalanceResponse, error)
	GetTransactions(ctx context.Context, in *GetTransactionsRequest, opts ...grpc.CallOption) (*GetTransactionsResponse, error)
}

type ledgerServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewLedgerServiceClient 建立 client，所有呼叫都使用 JSON codec
func NewLedgerServiceClient(cc grpc.ClientConnInterface) LedgerServiceClient {
	return &ledgerServiceClient{cc}
}

func (c *ledgerServiceClient) invoke(ctx context.Context, method string, in, out any, opts []grpc.CallOption) error {
	callOpts := append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, method, in, out, callOpts...)
}

func (c *ledgerServiceClient) Deposit(ctx context.Context, in *AmountRequest, opts ...grpc.CallOption) (*MutationResponse, error) {
	out := new(MutationResponse)
	if err := c.invoke(ctx, LedgerService_Deposit_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ledgerServiceClient) Withdraw(ctx context.Context, in *AmountRequest, opts ...grpc.CallOption) (*MutationResponse, error) {
	out := new(MutationResponse)
	if err := c.invoke(ctx, LedgerService_Withdraw_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ledgerServiceClient) Transfer(ctx context.Context, in *TransferRequest, opts ...grpc.CallOption) (*MutationResponse, error) {
	out := new(MutationResponse)
	if err := c.invoke(ctx, LedgerService_Transfer_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ledgerServiceClient) GetBalance(ctx context.Context, in *GetBalanceRequest, opts ...grpc.CallOption) (*GetBalanceResponse, error) {
	out := new(GetBalanceResponse)
	if err := c.invoke(ctx, LedgerService_GetBalance_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ledgerServiceClient) GetTransactions(ctx context.Context, in *GetTransactionsRequest, opts ...grpc.CallOption) (*GetTransactionsResponse, error) {
	out := new(GetTransactionsResponse)
	if err := c.invoke(ctx, LedgerService_GetTransactions_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

// LedgerServiceServer 是 LedgerService 的 server 介面
type LedgerServiceServer interface {
	Deposit(context.Context, *AmountRequest) (*MutationResponse, error)
	Withdraw(context.Context, *AmountRequest) (*MutationResponse, error)
	Transfer(context.Context, *TransferRequest) (*MutationResponse, error)
	GetBalance(context.Context, *GetBalanceRequest) (*GetBalanceResponse, error)
	GetTransactions(context.Context, *GetTransactionsRequest) (*GetTransactionsResponse, error)
}

// UnimplementedLedgerServiceServer 嵌入後未實作的方法回傳 Unimplemented
type UnimplementedLedgerServiceServer struct{}

func (UnimplementedLedgerServiceServer) Deposit(context.Context, *AmountRequest) (*MutationResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Deposit not implemented")
}
func (UnimplementedLedgerServiceServer) Withdraw(context.Context, *AmountRequest) (*MutationResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Withdraw not implemented")
}
func (UnimplementedLedgerServiceServer) Transfer(context.Context, *TransferRequest) (*MutationResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Transfer not implemented")
}
func (UnimplementedLedgerServiceServer) GetBalance(context.Context, *GetBalanceRequest) (*GetBalanceResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetBalance not implemented")
}
func (UnimplementedLedgerServiceServer) GetTransactions(context.Context, *GetTransactionsRequest) (*GetTransactionsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetTransactions not implemented")
}

// RegisterLedgerServiceServer 註冊服務
func RegisterLedgerServiceServer(s grpc.ServiceRegistrar, srv LedgerServiceServer) {
	s.RegisterService(&LedgerService_ServiceDesc, srv)
}

// unaryHandler 產生 grpc.MethodDesc 需要的 handler
func unaryHandler[Req any, Resp any](fullMethod string, call func(LedgerServiceServer, context.Context, *Req) (*Resp, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(LedgerServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(LedgerServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// LedgerService_ServiceDesc 是 LedgerService 的 grpc.ServiceDesc
var LedgerService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: LedgerService_ServiceName,
	HandlerType: (*LedgerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Deposit",
			Handler:    unaryHandler(LedgerService_Deposit_FullMethodName, LedgerServiceServer.Deposit),
		},
		{
			MethodName: "Withdraw",
			Handler:    unaryHandler(LedgerService_Withdraw_FullMethodName, LedgerServiceServer.Withdraw),
		},
		{
			MethodName: "Transfer",
			Handler:    unaryHandler(LedgerService_Transfer_FullMethodName, LedgerServiceServer.Transfer),
		},
		{
			MethodName: "GetBalance",
			Handler:    unaryHandler(LedgerService_GetBalance_FullMethodName, LedgerServiceServer.GetBalance),
		},
		{
			MethodName: "GetTransactions",
			Handler:    unaryHandler(LedgerService_GetTransactions_FullMethodName, LedgerServiceServer.GetTransactions),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ledger.proto",
}
