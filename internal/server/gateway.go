package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"PortfolioLedger/internal/ingestion"
	"PortfolioLedger/internal/observability"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const maxCommandBytes = 1 << 20

// route binds an HTTP pattern to a PortfolioService method. build turns
// the request into the method's request message.
type route struct {
	method  string
	pattern string
	rpc     string
	build   func(r *http.Request, params map[string]string) (any, error)
}

var routes = []route{
	{"POST", "/v1/commands/{command_type}", "Submit", func(r *http.Request, p map[string]string) (any, error) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBytes))
		if err != nil {
			return nil, err
		}
		if !json.Valid(body) {
			return nil, fmt.Errorf("body is not valid JSON")
		}
		return &SubmitRequest{
			CommandType: p["command_type"],
			Command:     body,
			Signature:   r.Header.Get(ingestion.SignatureHeader),
		}, nil
	}},
	{"GET", "/v1/holders/{holder}/balance", "GetBalance", func(_ *http.Request, p map[string]string) (any, error) {
		return &HolderRequest{Holder: p["holder"]}, nil
	}},
	{"GET", "/v1/holders/{holder}/allowances/{spender}", "GetAllowance", func(_ *http.Request, p map[string]string) (any, error) {
		return &AllowanceRequest{Owner: p["holder"], Spender: p["spender"]}, nil
	}},
	{"GET", "/v1/holders/{holder}/withdraw_estimate", "EstimateWithdraw", func(r *http.Request, p map[string]string) (any, error) {
		return &EstimateWithdrawRequest{Holder: p["holder"], Shares: r.URL.Query().Get("shares")}, nil
	}},
	{"GET", "/v1/holders/{holder}/transfers", "ListTransfers", historyRequest},
	{"GET", "/v1/holders/{holder}/journals", "ListJournals", historyRequest},
	{"GET", "/v1/supply", "GetSupply", empty},
	{"GET", "/v1/pools", "ListPools", empty},
	{"GET", "/v1/pools/{index}/rewards", "GetRewards", func(_ *http.Request, p map[string]string) (any, error) {
		index, err := parseIndex(p["index"])
		if err != nil {
			return nil, err
		}
		return &IndexRequest{Index: index}, nil
	}},
	{"GET", "/v1/pools/{index}/deposit_estimate", "EstimateDeposit", func(r *http.Request, p map[string]string) (any, error) {
		index, err := parseIndex(p["index"])
		if err != nil {
			return nil, err
		}
		return &EstimateDepositRequest{Index: index, Amount: r.URL.Query().Get("amount")}, nil
	}},
	{"GET", "/v1/admin/integrity", "VerifyIntegrity", empty},
	{"GET", "/v1/admin/event_log", "GetEventLogInfo", empty},
	{"POST", "/v1/admin/snapshots", "TakeSnapshot", empty},
	{"POST", "/v1/admin/projections/rebuild", "RebuildProjections", empty},
}

func empty(*http.Request, map[string]string) (any, error) { return &Empty{}, nil }

func historyRequest(r *http.Request, p map[string]string) (any, error) {
	req := &HistoryRequest{Holder: p["holder"]}
	q := r.URL.Query()
	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("invalid limit %q", s)
		}
		req.Limit = limit
	}
	if s := q.Get("before"); s != "" {
		before, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid before %q", s)
		}
		req.BeforeSequence = &before
	}
	return req, nil
}

func parseIndex(s string) (uint8, error) {
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid index %q", s)
	}
	return uint8(n), nil
}

// NewGateway builds the HTTP/JSON surface: every route is forwarded to
// PortfolioService over conn, plus /healthz and /readyz.
func NewGateway(conn grpc.ClientConnInterface, healthChecker *observability.HealthChecker) (http.Handler, error) {
	mux := runtime.NewServeMux()
	marshaler := &runtime.JSONPb{}

	for _, rt := range routes {
		err := mux.HandlePath(rt.method, rt.pattern, func(w http.ResponseWriter, r *http.Request, params map[string]string) {
			req, err := rt.build(r, params)
			if err != nil {
				runtime.HTTPError(r.Context(), mux, marshaler, w, r, status.Error(codes.InvalidArgument, err.Error()))
				return
			}

			var reply json.RawMessage
			if err := conn.Invoke(r.Context(), FullMethod(rt.rpc), req, &reply, grpc.CallContentSubtype(CodecName)); err != nil {
				runtime.HTTPError(r.Context(), mux, marshaler, w, r, err)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write(reply)
		})
		if err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	if healthChecker != nil {
		httpMux.HandleFunc("/healthz", healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", healthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{"status":"ok"}`)
		})
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}
