package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"SolvencyLedger/internal/core"
	"SolvencyLedger/internal/ingestion"
	"SolvencyLedger/internal/observability"
	"SolvencyLedger/internal/query"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type fakeQuerier struct {
	deposits map[uuid.UUID]*query.DepositResponse
	journals struct {
		prefix string
		limit  int
		after  *int64
	}
}

func (f *fakeQuerier) GetDeposit(_ context.Context, id uuid.UUID) (*query.DepositResponse, error) {
	d, ok := f.deposits[id]
	if !ok {
		return nil, fmt.Errorf("%w: depositor %s", query.ErrNotFound, id)
	}
	return d, nil
}

func (f *fakeQuerier) GetPosition(_ context.Context, id uuid.UUID) (*query.PositionResponse, error) {
	return nil, fmt.Errorf("%w: position %s", query.ErrNotFound, id)
}

func (f *fakeQuerier) GetPositionsByOwner(context.Context, uuid.UUID) ([]query.PositionResponse, error) {
	return nil, nil
}

func (f *fakeQuerier) GetPool(context.Context) (*query.PoolResponse, error) {
	return &query.PoolResponse{TotalDeposits: "4000", P: "1000000000000000000", AsOfSequence: 7}, nil
}

func (f *fakeQuerier) ListSums(_ context.Context, epoch uint64) ([]query.SumResponse, error) {
	return []query.SumResponse{{Epoch: epoch, Scale: 0, S: "1", G: "2"}}, nil
}

func (f *fakeQuerier) GetBalances(context.Context) ([]query.BalanceResponse, error) {
	return nil, errors.New("connection refused")
}

func (f *fakeQuerier) GetJournalHistory(_ context.Context, prefix string, limit int, after *int64) ([]query.JournalHistoryEntry, error) {
	f.journals.prefix, f.journals.limit, f.journals.after = prefix, limit, after
	return []query.JournalHistoryEntry{}, nil
}

func (f *fakeQuerier) VerifyIntegrity(context.Context) (*query.IntegrityReport, error) {
	return &query.IntegrityReport{IsHealthy: true}, nil
}

type fakeInjector struct {
	res ingestion.Result
	err error
	got struct {
		eventType string
		payload   string
	}
}

func (f *fakeInjector) Inject(_ context.Context, eventType string, payload []byte) (ingestion.Result, error) {
	f.got.eventType, f.got.payload = eventType, string(payload)
	return f.res, f.err
}

type fakeAdmin struct{}

func (fakeAdmin) TakeSnapshot(context.Context) (int64, error) { return 41, nil }

func (fakeAdmin) RebuildProjections(context.Context) (int64, error) { return 42, nil }

func (fakeAdmin) EventLogInfo(context.Context) (*EventLogInfo, error) {
	return &EventLogInfo{LastLoggedSequence: 42, CoreSequence: 42, ProjectionSequence: 40, LastSnapshotSequence: 41}, nil
}

type fixture struct {
	srv       *GRPCServer
	q         *fakeQuerier
	ingest    *fakeInjector
	health    *observability.HealthChecker
	metrics   *observability.Metrics
	depositor uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	depositor := uuid.New()
	f := &fixture{
		q: &fakeQuerier{deposits: map[uuid.UUID]*query.DepositResponse{
			depositor: {DepositorID: depositor, InitialValue: "1000", Compounded: "925", CollateralGain: "0.75", AsOfSequence: 3},
		}},
		ingest:    &fakeInjector{res: ingestion.Result{Sequence: 12}},
		health:    observability.NewHealthChecker(clockwork.NewFakeClock()),
		depositor: depositor,
	}
	reg := prometheus.NewRegistry()
	f.metrics = observability.NewMetrics(reg)

	srv, err := NewGRPCServer("127.0.0.1:0", "127.0.0.1:0", &ServerDeps{
		Query:         f.q,
		Ingest:        f.ingest,
		Admin:         fakeAdmin{},
		HealthChecker: f.health,
		Metrics:       f.metrics,
		Gatherer:      reg,
		Logger:        zerolog.Nop(),
	})
	require.NoError(t, err)
	f.srv = srv
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestGateway_GetDeposit(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/stability/deposits/"+f.depositor.String(), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got query.DepositResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "925", got.Compounded)
	assert.Equal(t, "0.75", got.CollateralGain)
	assert.Equal(t, int64(3), got.AsOfSequence)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.QueryRequests.WithLabelValues("GetDeposit", "OK")))
}

func TestGateway_ErrorStatus(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"unknown depositor", http.MethodGet, "/v1/stability/deposits/" + uuid.NewString(), http.StatusNotFound},
		{"bad uuid", http.MethodGet, "/v1/stability/deposits/not-a-uuid", http.StatusBadRequest},
		{"unknown position", http.MethodGet, "/v1/positions/" + uuid.NewString(), http.StatusNotFound},
		{"bad epoch", http.MethodGet, "/v1/stability/sums/x", http.StatusBadRequest},
		{"missing prefix", http.MethodGet, "/v1/journals", http.StatusBadRequest},
		{"store failure", http.MethodGet, "/v1/balances", http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			rec := f.do(t, tc.method, tc.path, "")
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())

			var body struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body.Message)
		})
	}
}

func TestGateway_ListJournalsQueryParams(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/journals?account_prefix=system:sp_&limit=5000&after_sequence=9", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "system:sp_", f.q.journals.prefix)
	assert.Equal(t, 100, f.q.journals.limit)
	require.NotNil(t, f.q.journals.after)
	assert.Equal(t, int64(9), *f.q.journals.after)
}

func TestGateway_SubmitEvent(t *testing.T) {
	payload := `{"operation_id":"x"}`

	tests := []struct {
		name    string
		res     ingestion.Result
		err     error
		want    int
		applied bool
	}{
		{"applied", ingestion.Result{Sequence: 12}, nil, http.StatusOK, true},
		{"duplicate", ingestion.Result{Sequence: -1}, nil, http.StatusOK, false},
		{"invalid", ingestion.Result{Sequence: -1}, fmt.Errorf("%w: amount", ingestion.ErrInvalidEvent), http.StatusBadRequest, false},
		{"rejected", ingestion.Result{Sequence: -1}, fmt.Errorf("%w: withdraw exceeds deposit", core.ErrRejected), http.StatusBadRequest, false},
		{"sequence gap", ingestion.Result{Sequence: -1}, fmt.Errorf("%w: gap", core.ErrSequence), http.StatusConflict, false},
		{"throttled", ingestion.Result{Sequence: -1}, ingestion.ErrThrottled, http.StatusTooManyRequests, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.ingest.res, f.ingest.err = tc.res, tc.err

			rec := f.do(t, http.MethodPost, "/v1/events/StabilityDepositProvided", payload)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
			assert.Equal(t, "StabilityDepositProvided", f.ingest.got.eventType)
			assert.JSONEq(t, payload, f.ingest.got.payload)

			if tc.want == http.StatusOK {
				var resp SubmitEventResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				assert.Equal(t, tc.applied, resp.Applied)
				assert.Equal(t, tc.res.Sequence, resp.Sequence)
			}
		})
	}
}

func TestGateway_AdminRoutes(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/admin/snapshot", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sequence":41}`, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/v1/admin/rebuild-projections", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"events":42}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/v1/admin/event-log", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var info EventLogInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, int64(40), info.ProjectionSequence)
}

func TestGateway_HealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/readyz", "").Code)

	f.health.SetReady(true)
	f.health.AddCheck("postgres", func(context.Context) error { return errors.New("down") })
	rec := f.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "postgres")

	f.do(t, http.MethodGet, "/v1/pool", "")
	rec = f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "solvency_query_requests_total")
}

func dialBufconn(t *testing.T, f *fixture) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go func() { _ = f.srv.grpcServer.Serve(lis) }()
	t.Cleanup(f.srv.grpcServer.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestGRPC_JSONCodecRoundTrip(t *testing.T) {
	f := newFixture(t)
	conn := dialBufconn(t, f)
	ctx := context.Background()

	var pool query.PoolResponse
	require.NoError(t, conn.Invoke(ctx, "/"+serviceName+"/GetPool", &GetPoolRequest{}, &pool))
	assert.Equal(t, "4000", pool.TotalDeposits)
	assert.Equal(t, int64(7), pool.AsOfSequence)

	var sums ListSumsResponse
	require.NoError(t, conn.Invoke(ctx, "/"+serviceName+"/ListSums", &ListSumsRequest{Epoch: 3}, &sums))
	require.Len(t, sums.Sums, 1)
	assert.Equal(t, uint64(3), sums.Sums[0].Epoch)

	var dep query.DepositResponse
	err := conn.Invoke(ctx, "/"+serviceName+"/GetDeposit", &GetDepositRequest{DepositorID: uuid.NewString()}, &dep)
	assert.Equal(t, codes.NotFound, status.Code(err))

	f.ingest.err = ingestion.ErrThrottled
	var sub SubmitEventResponse
	err = conn.Invoke(ctx, "/"+serviceName+"/SubmitEvent",
		&SubmitEventRequest{EventType: "PositionOpened", Payload: json.RawMessage(`{}`)}, &sub)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{fmt.Errorf("wrap: %w", query.ErrNotFound), codes.NotFound},
		{fmt.Errorf("%w: x", core.ErrRejected), codes.FailedPrecondition},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{status.Error(codes.PermissionDenied, "no"), codes.PermissionDenied},
		{errors.New("boom"), codes.Internal},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, status.Code(toStatus(tc.err)), tc.err.Error())
	}
	assert.NoError(t, toStatus(nil))
}
