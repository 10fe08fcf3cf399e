package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const maxIngestBody = 1 << 20

// newGatewayMux serves the service as HTTP/JSON. Handlers call svc in
// process, so both transports share validation, status codes and metrics.
func newGatewayMux(svc *SolvencyService, deps callDeps) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()
	gw := &gateway{svc: svc, deps: deps, mux: mux, marshaler: &runtime.JSONPb{}}

	routes := []struct {
		method, path string
		h            runtime.HandlerFunc
	}{
		{"GET", "/v1/stability/deposits/{depositor_id}", gw.getDeposit},
		{"GET", "/v1/positions/{position_id}", gw.getPosition},
		{"GET", "/v1/owners/{owner_id}/positions", gw.listPositions},
		{"GET", "/v1/pool", gw.getPool},
		{"GET", "/v1/stability/sums/{epoch}", gw.listSums},
		{"GET", "/v1/balances", gw.getBalances},
		{"GET", "/v1/journals", gw.listJournals},
		{"POST", "/v1/events/{event_type}", gw.submitEvent},
		{"POST", "/v1/admin/snapshot", gw.takeSnapshot},
		{"POST", "/v1/admin/rebuild-projections", gw.rebuildProjections},
		{"POST", "/v1/admin/verify", gw.verifyIntegrity},
		{"GET", "/v1/admin/event-log", gw.eventLogInfo},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.path, r.h); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

type gateway struct {
	svc       *SolvencyService
	deps      callDeps
	mux       *runtime.ServeMux
	marshaler runtime.Marshaler
}

// serve runs one method and writes either its JSON result or the
// gateway's standard error body.
func serve[Req, Resp any](gw *gateway, w http.ResponseWriter, r *http.Request, method string, fn func(context.Context, *Req) (*Resp, error), req *Req) {
	resp, err := call(r.Context(), method, gw.deps, fn, req)
	if err != nil {
		runtime.HTTPError(r.Context(), gw.mux, gw.marshaler, w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

func (gw *gateway) badRequest(w http.ResponseWriter, r *http.Request, format string, args ...interface{}) {
	runtime.HTTPError(r.Context(), gw.mux, gw.marshaler, w, r, status.Errorf(codes.InvalidArgument, format, args...))
}

func (gw *gateway) getDeposit(w http.ResponseWriter, r *http.Request, p map[string]string) {
	serve(gw, w, r, "GetDeposit", gw.svc.GetDeposit, &GetDepositRequest{DepositorID: p["depositor_id"]})
}

func (gw *gateway) getPosition(w http.ResponseWriter, r *http.Request, p map[string]string) {
	serve(gw, w, r, "GetPosition", gw.svc.GetPosition, &GetPositionRequest{PositionID: p["position_id"]})
}

func (gw *gateway) listPositions(w http.ResponseWriter, r *http.Request, p map[string]string) {
	serve(gw, w, r, "ListPositions", gw.svc.ListPositions, &ListPositionsRequest{OwnerID: p["owner_id"]})
}

func (gw *gateway) getPool(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	serve(gw, w, r, "GetPool", gw.svc.GetPool, &GetPoolRequest{})
}

func (gw *gateway) listSums(w http.ResponseWriter, r *http.Request, p map[string]string) {
	epoch, err := strconv.ParseUint(p["epoch"], 10, 64)
	if err != nil {
		gw.badRequest(w, r, "invalid epoch %q", p["epoch"])
		return
	}
	serve(gw, w, r, "ListSums", gw.svc.ListSums, &ListSumsRequest{Epoch: epoch})
}

func (gw *gateway) getBalances(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	serve(gw, w, r, "GetBalances", gw.svc.GetBalances, &GetBalancesRequest{})
}

func (gw *gateway) listJournals(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	q := r.URL.Query()
	req := &ListJournalsRequest{AccountPrefix: q.Get("account_prefix")}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			gw.badRequest(w, r, "invalid limit %q", v)
			return
		}
		req.Limit = n
	}
	if v := q.Get("after_sequence"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			gw.badRequest(w, r, "invalid after_sequence %q", v)
			return
		}
		req.AfterSequence = &n
	}
	serve(gw, w, r, "ListJournals", gw.svc.ListJournals, req)
}

// submitEvent takes the raw event payload as the request body.
func (gw *gateway) submitEvent(w http.ResponseWriter, r *http.Request, p map[string]string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIngestBody))
	if err != nil {
		gw.badRequest(w, r, "read body: %v", err)
		return
	}
	serve(gw, w, r, "SubmitEvent", gw.svc.SubmitEvent, &SubmitEventRequest{EventType: p["event_type"], Payload: body})
}

func (gw *gateway) takeSnapshot(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	serve(gw, w, r, "TakeSnapshot", gw.svc.TakeSnapshot, &TakeSnapshotRequest{})
}

func (gw *gateway) rebuildProjections(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	serve(gw, w, r, "RebuildProjections", gw.svc.RebuildProjections, &RebuildProjectionsRequest{})
}

func (gw *gateway) verifyIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	serve(gw, w, r, "VerifyIntegrity", gw.svc.VerifyIntegrity, &VerifyIntegrityRequest{})
}

func (gw *gateway) eventLogInfo(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	serve(gw, w, r, "GetEventLogInfo", gw.svc.GetEventLogInfo, &GetEventLogInfoRequest{})
}
