package server

import (
	"context"
	"encoding/hex"
	"encoding/json"

	"PortfolioLedger/internal/event"
	"PortfolioLedger/internal/ingestion"
	"PortfolioLedger/internal/ledger"
	"PortfolioLedger/internal/projection"
	"PortfolioLedger/internal/query"

	"github.com/ethereum/go-ethereum/common"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "portfolioledger.v1.PortfolioService"

// FullMethod returns the gRPC path of method, e.g.
// /portfolioledger.v1.PortfolioService/GetBalance.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// --- Messages ---

// SubmitRequest carries one signed command. CommandType accepts the subject
// token ("sub_transfer") or the type name ("SubTransfer"); Signature is the
// caller's signature over Command (see ingestion.SignCommand).
type SubmitRequest struct {
	CommandType string          `json:"command_type"`
	Command     json.RawMessage `json:"command"`
	Signature   string          `json:"signature"`
}

type SubmitResponse struct {
	Sequence      int64                             `json:"sequence"`
	StateHash     string                            `json:"state_hash"`
	Notifications []ingestion.PublishedNotification `json:"notifications"`
}

type HolderRequest struct {
	Holder string `json:"holder"`
}

type AllowanceRequest struct {
	Owner   string `json:"owner"`
	Spender string `json:"spender"`
}

type IndexRequest struct {
	Index uint8 `json:"index"`
}

type EstimateDepositRequest struct {
	Index  uint8  `json:"index"`
	Amount string `json:"amount"`
}

type EstimateWithdrawRequest struct {
	Holder string `json:"holder"`
	Shares string `json:"shares"`
}

type HistoryRequest struct {
	Holder         string `json:"holder"`
	Limit          int    `json:"limit,omitempty"`
	BeforeSequence *int64 `json:"before_sequence,omitempty"`
}

type JournalsResponse struct {
	Entries []query.JournalHistoryEntry `json:"entries"`
}

type Empty struct{}

type SnapshotResponse struct {
	Sequence int64 `json:"sequence"`
}

type RebuildResponse struct {
	Watermark int64 `json:"watermark"`
}

type EventLogInfoResponse struct {
	LiveSequence      int64 `json:"live_sequence"`
	PersistedSequence int64 `json:"persisted_sequence"`
	ProjectedSequence int64 `json:"projected_sequence"`
}

// --- Service ---

// PortfolioServiceServer is the server API for PortfolioService.
type PortfolioServiceServer interface {
	Submit(context.Context, *SubmitRequest) (*SubmitResponse, error)
	GetBalance(context.Context, *HolderRequest) (*query.BalanceResponse, error)
	GetSupply(context.Context, *Empty) (*query.SupplyResponse, error)
	GetAllowance(context.Context, *AllowanceRequest) (*query.AllowanceResponse, error)
	ListPools(context.Context, *Empty) (*query.PoolsResponse, error)
	GetRewards(context.Context, *IndexRequest) (*query.EstimateResponse, error)
	EstimateDeposit(context.Context, *EstimateDepositRequest) (*query.EstimateResponse, error)
	EstimateWithdraw(context.Context, *EstimateWithdrawRequest) (*query.WithdrawEstimateResponse, error)
	ListTransfers(context.Context, *HistoryRequest) (*query.TransferHistoryResponse, error)
	ListJournals(context.Context, *HistoryRequest) (*JournalsResponse, error)
	VerifyIntegrity(context.Context, *Empty) (*query.IntegrityReport, error)
	TakeSnapshot(context.Context, *Empty) (*SnapshotResponse, error)
	RebuildProjections(context.Context, *Empty) (*RebuildResponse, error)
	GetEventLogInfo(context.Context, *Empty) (*EventLogInfoResponse, error)
}

// unary builds a MethodDesc that decodes Req and calls fn through the
// server's interceptor chain.
func unary[Req, Resp any](name string, fn func(PortfolioServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "decode %s: %v", name, err)
			}
			impl := srv.(PortfolioServiceServer)
			if interceptor == nil {
				return fn(impl, ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
				return fn(impl, ctx, req.(*Req))
			})
		},
	}
}

// PortfolioServiceDesc describes PortfolioService for grpc.Server.RegisterService.
var PortfolioServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PortfolioServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Submit", PortfolioServiceServer.Submit),
		unary("GetBalance", PortfolioServiceServer.GetBalance),
		unary("GetSupply", PortfolioServiceServer.GetSupply),
		unary("GetAllowance", PortfolioServiceServer.GetAllowance),
		unary("ListPools", PortfolioServiceServer.ListPools),
		unary("GetRewards", PortfolioServiceServer.GetRewards),
		unary("EstimateDeposit", PortfolioServiceServer.EstimateDeposit),
		unary("EstimateWithdraw", PortfolioServiceServer.EstimateWithdraw),
		unary("ListTransfers", PortfolioServiceServer.ListTransfers),
		unary("ListJournals", PortfolioServiceServer.ListJournals),
		unary("VerifyIntegrity", PortfolioServiceServer.VerifyIntegrity),
		unary("TakeSnapshot", PortfolioServiceServer.TakeSnapshot),
		unary("RebuildProjections", PortfolioServiceServer.RebuildProjections),
		unary("GetEventLogInfo", PortfolioServiceServer.GetEventLogInfo),
	},
	Streams: []grpc.StreamDesc{},
}

type portfolioService struct {
	deps *ServerDeps
}

func (s *portfolioService) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	ct, ok := event.ParseCommandSubject(req.CommandType)
	if !ok {
		ct, ok = event.ParseCommandType(req.CommandType)
	}
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "unknown command_type %q", req.CommandType)
	}
	if len(req.Command) == 0 {
		return nil, status.Error(codes.InvalidArgument, "command is required")
	}

	out, err := s.deps.Submit.Submit(ctx, ct, req.Command, req.Signature)
	if err != nil {
		return nil, toStatus(err)
	}

	resp := &SubmitResponse{
		Sequence:      out.Envelope.Sequence,
		StateHash:     hex.EncodeToString(out.Envelope.StateHash[:]),
		Notifications: make([]ingestion.PublishedNotification, 0, len(out.Notifications)),
	}
	for pos, n := range out.Notifications {
		pn, err := ingestion.NewPublishedNotification(out.Envelope, pos, n)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "encode notification: %v", err)
		}
		resp.Notifications = append(resp.Notifications, pn)
	}
	return resp, nil
}

func (s *portfolioService) GetBalance(ctx context.Context, req *HolderRequest) (*query.BalanceResponse, error) {
	holder, err := parseAddress("holder", req.Holder)
	if err != nil {
		return nil, err
	}
	resp, err := s.deps.Query.GetBalance(ctx, holder)
	return resp, toStatus(err)
}

func (s *portfolioService) GetSupply(ctx context.Context, _ *Empty) (*query.SupplyResponse, error) {
	resp, err := s.deps.Query.GetSupply(ctx)
	return resp, toStatus(err)
}

func (s *portfolioService) GetAllowance(ctx context.Context, req *AllowanceRequest) (*query.AllowanceResponse, error) {
	owner, err := parseAddress("owner", req.Owner)
	if err != nil {
		return nil, err
	}
	spender, err := parseAddress("spender", req.Spender)
	if err != nil {
		return nil, err
	}
	resp, err := s.deps.Query.GetAllowance(ctx, owner, spender)
	return resp, toStatus(err)
}

func (s *portfolioService) ListPools(ctx context.Context, _ *Empty) (*query.PoolsResponse, error) {
	resp, err := s.deps.Query.GetPools(ctx)
	return resp, toStatus(err)
}

func (s *portfolioService) GetRewards(ctx context.Context, req *IndexRequest) (*query.EstimateResponse, error) {
	resp, err := s.deps.Query.GetRewards(ctx, ledger.AssetIndex(req.Index))
	return resp, toStatus(err)
}

func (s *portfolioService) EstimateDeposit(ctx context.Context, req *EstimateDepositRequest) (*query.EstimateResponse, error) {
	if req.Amount == "" {
		return nil, status.Error(codes.InvalidArgument, "amount is required")
	}
	resp, err := s.deps.Query.EstimateDeposit(ctx, req.Amount, ledger.AssetIndex(req.Index))
	return resp, toStatus(err)
}

func (s *portfolioService) EstimateWithdraw(ctx context.Context, req *EstimateWithdrawRequest) (*query.WithdrawEstimateResponse, error) {
	holder, err := parseAddress("holder", req.Holder)
	if err != nil {
		return nil, err
	}
	if req.Shares == "" {
		return nil, status.Error(codes.InvalidArgument, "shares is required")
	}
	resp, err := s.deps.Query.EstimateWithdraw(ctx, holder, req.Shares)
	return resp, toStatus(err)
}

func (s *portfolioService) ListTransfers(ctx context.Context, req *HistoryRequest) (*query.TransferHistoryResponse, error) {
	holder, err := parseAddress("holder", req.Holder)
	if err != nil {
		return nil, err
	}
	resp, err := s.deps.Query.GetTransferHistory(ctx, holder, req.Limit, req.BeforeSequence)
	return resp, toStatus(err)
}

func (s *portfolioService) ListJournals(ctx context.Context, req *HistoryRequest) (*JournalsResponse, error) {
	holder, err := parseAddress("holder", req.Holder)
	if err != nil {
		return nil, err
	}
	entries, err := s.deps.Query.GetJournalHistory(ctx, holder, req.Limit, req.BeforeSequence)
	if err != nil {
		return nil, toStatus(err)
	}
	return &JournalsResponse{Entries: entries}, nil
}

func (s *portfolioService) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	resp, err := s.deps.Query.VerifyIntegrity(ctx)
	return resp, toStatus(err)
}

func (s *portfolioService) TakeSnapshot(ctx context.Context, _ *Empty) (*SnapshotResponse, error) {
	if s.deps.TakeSnapshot == nil {
		return nil, status.Error(codes.Unavailable, "snapshots not configured")
	}
	seq, err := s.deps.TakeSnapshot(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "take snapshot: %v", err)
	}
	return &SnapshotResponse{Sequence: seq}, nil
}

func (s *portfolioService) RebuildProjections(ctx context.Context, _ *Empty) (*RebuildResponse, error) {
	if s.deps.DB == nil {
		return nil, status.Error(codes.Unavailable, "projection store not configured")
	}
	if err := projection.RebuildProjections(ctx, s.deps.DB, s.deps.Logger); err != nil {
		return nil, status.Errorf(codes.Internal, "rebuild failed: %v", err)
	}
	seq, err := projection.LoadWatermark(ctx, s.deps.DB)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "load watermark: %v", err)
	}
	return &RebuildResponse{Watermark: seq}, nil
}

func (s *portfolioService) GetEventLogInfo(ctx context.Context, _ *Empty) (*EventLogInfoResponse, error) {
	resp := &EventLogInfoResponse{LiveSequence: s.deps.Engine.GetSequence() - 1}
	if s.deps.SnapshotMgr == nil || s.deps.DB == nil {
		return resp, nil
	}

	var err error
	if resp.PersistedSequence, err = s.deps.SnapshotMgr.GetLatestSequence(ctx); err != nil {
		return nil, status.Errorf(codes.Internal, "get latest sequence: %v", err)
	}
	if resp.ProjectedSequence, err = projection.LoadWatermark(ctx, s.deps.DB); err != nil {
		return nil, status.Errorf(codes.Internal, "load watermark: %v", err)
	}
	return resp, nil
}

func parseAddress(field, s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, status.Errorf(codes.InvalidArgument, "%s is required", field)
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, status.Errorf(codes.InvalidArgument, "invalid %s %q", field, s)
	}
	return common.HexToAddress(s), nil
}
