package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"SolvencyLedger/internal/core"
	"SolvencyLedger/internal/ingestion"
	"SolvencyLedger/internal/observability"
	"SolvencyLedger/internal/persistence"
	"SolvencyLedger/internal/query"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const serviceName = "solvency.v1.SolvencyService"

// Querier reads the projections.
type Querier interface {
	GetDeposit(ctx context.Context, depositorID uuid.UUID) (*query.DepositResponse, error)
	GetPosition(ctx context.Context, positionID uuid.UUID) (*query.PositionResponse, error)
	GetPositionsByOwner(ctx context.Context, ownerID uuid.UUID) ([]query.PositionResponse, error)
	GetPool(ctx context.Context) (*query.PoolResponse, error)
	ListSums(ctx context.Context, epoch uint64) ([]query.SumResponse, error)
	GetBalances(ctx context.Context) ([]query.BalanceResponse, error)
	GetJournalHistory(ctx context.Context, accountPrefix string, limit int, afterSequence *int64) ([]query.JournalHistoryEntry, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// Injector applies a single wire-format event.
type Injector interface {
	Inject(ctx context.Context, eventType string, payload []byte) (ingestion.Result, error)
}

// Admin runs operator tasks against the live core.
type Admin interface {
	TakeSnapshot(ctx context.Context) (int64, error)
	RebuildProjections(ctx context.Context) (int64, error)
	EventLogInfo(ctx context.Context) (*EventLogInfo, error)
}

// Requests and responses travel as JSON over both gRPC and HTTP.

type GetDepositRequest struct {
	DepositorID string `json:"depositor_id"`
}

type GetPositionRequest struct {
	PositionID string `json:"position_id"`
}

type ListPositionsRequest struct {
	OwnerID string `json:"owner_id"`
}

type ListPositionsResponse struct {
	Positions []query.PositionResponse `json:"positions"`
}

type GetPoolRequest struct{}

type ListSumsRequest struct {
	Epoch uint64 `json:"epoch"`
}

type ListSumsResponse struct {
	Sums []query.SumResponse `json:"sums"`
}

type GetBalancesRequest struct{}

type GetBalancesResponse struct {
	Balances []query.BalanceResponse `json:"balances"`
}

type ListJournalsRequest struct {
	AccountPrefix string `json:"account_prefix"`
	Limit         int    `json:"limit"`
	AfterSequence *int64 `json:"after_sequence,omitempty"`
}

type ListJournalsResponse struct {
	Journals []query.JournalHistoryEntry `json:"journals"`
}

type SubmitEventRequest struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

// SubmitEventResponse reports the assigned sequence. Applied is false for
// duplicates, which are acknowledged without a new sequence.
type SubmitEventResponse struct {
	Applied  bool  `json:"applied"`
	Sequence int64 `json:"sequence"`
}

type TakeSnapshotRequest struct{}

type TakeSnapshotResponse struct {
	Sequence int64 `json:"sequence"`
}

type RebuildProjectionsRequest struct{}

type RebuildProjectionsResponse struct {
	Events int64 `json:"events"`
}

type VerifyIntegrityRequest struct{}

type GetEventLogInfoRequest struct{}

// EventLogInfo compares the durable log with the live core and projections.
type EventLogInfo struct {
	LastLoggedSequence   int64 `json:"last_logged_sequence"`
	CoreSequence         int64 `json:"core_sequence"`
	ProjectionSequence   int64 `json:"projection_sequence"`
	LastSnapshotSequence int64 `json:"last_snapshot_sequence"`
	UptimeSeconds        int64 `json:"uptime_seconds"`
}

// SolvencyService implements the RPC surface shared by gRPC and the HTTP
// gateway.
type SolvencyService struct {
	query  Querier
	ingest Injector
	admin  Admin
}

func NewSolvencyService(q Querier, ingest Injector, admin Admin) *SolvencyService {
	return &SolvencyService{query: q, ingest: ingest, admin: admin}
}

func (s *SolvencyService) GetDeposit(ctx context.Context, req *GetDepositRequest) (*query.DepositResponse, error) {
	id, err := parseID("depositor_id", req.DepositorID)
	if err != nil {
		return nil, err
	}
	return s.query.GetDeposit(ctx, id)
}

func (s *SolvencyService) GetPosition(ctx context.Context, req *GetPositionRequest) (*query.PositionResponse, error) {
	id, err := parseID("position_id", req.PositionID)
	if err != nil {
		return nil, err
	}
	return s.query.GetPosition(ctx, id)
}

func (s *SolvencyService) ListPositions(ctx context.Context, req *ListPositionsRequest) (*ListPositionsResponse, error) {
	id, err := parseID("owner_id", req.OwnerID)
	if err != nil {
		return nil, err
	}
	positions, err := s.query.GetPositionsByOwner(ctx, id)
	if err != nil {
		return nil, err
	}
	return &ListPositionsResponse{Positions: positions}, nil
}

func (s *SolvencyService) GetPool(ctx context.Context, _ *GetPoolRequest) (*query.PoolResponse, error) {
	return s.query.GetPool(ctx)
}

func (s *SolvencyService) ListSums(ctx context.Context, req *ListSumsRequest) (*ListSumsResponse, error) {
	sums, err := s.query.ListSums(ctx, req.Epoch)
	if err != nil {
		return nil, err
	}
	return &ListSumsResponse{Sums: sums}, nil
}

func (s *SolvencyService) GetBalances(ctx context.Context, _ *GetBalancesRequest) (*GetBalancesResponse, error) {
	balances, err := s.query.GetBalances(ctx)
	if err != nil {
		return nil, err
	}
	return &GetBalancesResponse{Balances: balances}, nil
}

func (s *SolvencyService) ListJournals(ctx context.Context, req *ListJournalsRequest) (*ListJournalsResponse, error) {
	if req.AccountPrefix == "" {
		return nil, status.Error(codes.InvalidArgument, "account_prefix is required")
	}
	limit := req.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	journals, err := s.query.GetJournalHistory(ctx, req.AccountPrefix, limit, req.AfterSequence)
	if err != nil {
		return nil, err
	}
	return &ListJournalsResponse{Journals: journals}, nil
}

func (s *SolvencyService) SubmitEvent(ctx context.Context, req *SubmitEventRequest) (*SubmitEventResponse, error) {
	if req.EventType == "" {
		return nil, status.Error(codes.InvalidArgument, "event_type is required")
	}
	res, err := s.ingest.Inject(ctx, req.EventType, req.Payload)
	if err != nil {
		return nil, err
	}
	return &SubmitEventResponse{Applied: res.Sequence >= 0, Sequence: res.Sequence}, nil
}

func (s *SolvencyService) TakeSnapshot(ctx context.Context, _ *TakeSnapshotRequest) (*TakeSnapshotResponse, error) {
	seq, err := s.admin.TakeSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	return &TakeSnapshotResponse{Sequence: seq}, nil
}

func (s *SolvencyService) RebuildProjections(ctx context.Context, _ *RebuildProjectionsRequest) (*RebuildProjectionsResponse, error) {
	n, err := s.admin.RebuildProjections(ctx)
	if err != nil {
		return nil, err
	}
	return &RebuildProjectionsResponse{Events: n}, nil
}

func (s *SolvencyService) VerifyIntegrity(ctx context.Context, _ *VerifyIntegrityRequest) (*query.IntegrityReport, error) {
	return s.query.VerifyIntegrity(ctx)
}

func (s *SolvencyService) GetEventLogInfo(ctx context.Context, _ *GetEventLogInfoRequest) (*EventLogInfo, error) {
	return s.admin.EventLogInfo(ctx)
}

func parseID(field, raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "%s is required", field)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "invalid %s: %v", field, err)
	}
	return id, nil
}

// toStatus maps domain errors onto gRPC codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case errors.Is(err, ingestion.ErrInvalidEvent):
		code = codes.InvalidArgument
	case errors.Is(err, core.ErrRejected):
		code = codes.FailedPrecondition
	case errors.Is(err, core.ErrSequence):
		code = codes.Aborted
	case errors.Is(err, query.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, ingestion.ErrThrottled):
		code = codes.ResourceExhausted
	case errors.Is(err, persistence.ErrSnapshotAhead):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return status.Error(code, err.Error())
}

// call wraps every method for both transports: it records request metrics,
// logs failures and converts the error to a status.
func call[Req, Resp any](ctx context.Context, method string, deps callDeps, fn func(context.Context, *Req) (*Resp, error), req *Req) (*Resp, error) {
	start := time.Now()
	resp, err := fn(ctx, req)
	err = toStatus(err)

	code := status.Code(err)
	if deps.metrics != nil {
		deps.metrics.QueryRequests.WithLabelValues(method, code.String()).Inc()
		deps.metrics.QueryDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}
	if code == codes.Internal || code == codes.Unavailable {
		deps.logger.Error().Err(err).Str("method", method).Msg("request failed")
	}
	return resp, err
}

type callDeps struct {
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// methodDesc builds the unary handler grpc would normally generate.
func methodDesc[Req, Resp any](name string, deps callDeps, fn func(*SolvencyService, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
			}
			svc := srv.(*SolvencyService)
			handler := func(ctx context.Context, r interface{}) (interface{}, error) {
				return call(ctx, name, deps, func(ctx context.Context, req *Req) (*Resp, error) {
					return fn(svc, ctx, req)
				}, r.(*Req))
			}
			if interceptor == nil {
				return handler(ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + name}
			return interceptor(ctx, req, info, handler)
		},
	}
}

// solvencyServer is the handler type checked by grpc.RegisterService.
type solvencyServer interface {
	GetDeposit(context.Context, *GetDepositRequest) (*query.DepositResponse, error)
	SubmitEvent(context.Context, *SubmitEventRequest) (*SubmitEventResponse, error)
}

func serviceDesc(deps callDeps) *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*solvencyServer)(nil),
		Methods: []grpc.MethodDesc{
			methodDesc("GetDeposit", deps, (*SolvencyService).GetDeposit),
			methodDesc("GetPosition", deps, (*SolvencyService).GetPosition),
			methodDesc("ListPositions", deps, (*SolvencyService).ListPositions),
			methodDesc("GetPool", deps, (*SolvencyService).GetPool),
			methodDesc("ListSums", deps, (*SolvencyService).ListSums),
			methodDesc("GetBalances", deps, (*SolvencyService).GetBalances),
			methodDesc("ListJournals", deps, (*SolvencyService).ListJournals),
			methodDesc("SubmitEvent", deps, (*SolvencyService).SubmitEvent),
			methodDesc("TakeSnapshot", deps, (*SolvencyService).TakeSnapshot),
			methodDesc("RebuildProjections", deps, (*SolvencyService).RebuildProjections),
			methodDesc("VerifyIntegrity", deps, (*SolvencyService).VerifyIntegrity),
			methodDesc("GetEventLogInfo", deps, (*SolvencyService).GetEventLogInfo),
		},
		Streams: []grpc.StreamDesc{},
	}
}
