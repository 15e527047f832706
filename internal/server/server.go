// Package server builds the gateway's HTTP handler tree: the JSON-RPC POST
// endpoint, the WebSocket upgrade path, health checks, and the admin
// reload/introspection endpoints. It owns no business logic of its own —
// every decision is delegated to internal/pipeline, internal/configstore,
// internal/guard and internal/circuitbreaker; this package only adapts
// net/http to those collaborators and forwards accepted requests upstream.
package server

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/sprintgateway/rpc-gateway/internal/auditstore"
	"github.com/sprintgateway/rpc-gateway/internal/circuitbreaker"
	"github.com/sprintgateway/rpc-gateway/internal/config"
	"github.com/sprintgateway/rpc-gateway/internal/configstore"
	"github.com/sprintgateway/rpc-gateway/internal/guard"
	"github.com/sprintgateway/rpc-gateway/internal/jsonrpc"
	"github.com/sprintgateway/rpc-gateway/internal/metrics"
	"github.com/sprintgateway/rpc-gateway/internal/middleware"
	"github.com/sprintgateway/rpc-gateway/internal/pipeline"
	"github.com/sprintgateway/rpc-gateway/internal/quota"
	"github.com/sprintgateway/rpc-gateway/internal/ratelimit"
	"github.com/sprintgateway/rpc-gateway/internal/rdb"
	"github.com/sprintgateway/rpc-gateway/internal/wsproxy"
)

// maxBodyBytes is the hard cap on an inbound JSON-RPC request body; a body
// of exactly this size is accepted, one byte over is rejected.
const maxBodyBytes = 1 << 20

// Deps bundles every collaborator the handler tree needs. All fields
// except Config, Pipeline, ConfigStore and Logger are optional: a nil RateLimiter/Quota
// disables that stage gateway-wide, a nil Guard disables block listing, a
// nil Audit disables the audit ledger.
type Deps struct {
	Config      *config.Config
	Pipeline    *pipeline.Pipeline
	ConfigStore *configstore.Store
	Guard       *guard.Guard
	Breaker     *circuitbreaker.Manager
	RateLimiter *ratelimit.Limiter
	Quota       *quota.Enforcer
	Audit       *auditstore.Store
	Redis       *rdb.Client
	Logger      *zap.Logger
}

// Server builds and serves the gateway's handler tree.
type Server struct {
	deps Deps

	mu       sync.Mutex
	upstream map[bool]*http.Client // keyed by VerifyTLS, lazily built
}

// New constructs a Server. Call Handler/AdminHandler to obtain the
// net/http.Handler values for the two listeners the gateway binds
// (public API port and admin port).
func New(deps Deps) *Server {
	return &Server{deps: deps, upstream: make(map[bool]*http.Client)}
}

// Handler returns the public-facing router: health checks, the JSON-RPC
// POST endpoint and the WebSocket upgrade path.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/{network}/ws", s.handleWebSocket).Methods(http.MethodGet)
	r.HandleFunc("/{network}", s.handleRPC).Methods(http.MethodPost)
	r.HandleFunc("/", s.handleRPC).Methods(http.MethodPost)

	mw := middleware.Chain(
		middleware.RequestID(),
		middleware.Recovery(s.deps.Logger),
		middleware.Logger(s.deps.Logger),
	)
	if s.deps.Config != nil && s.deps.Config.EnableSecurityHeaders {
		mwCfg := middleware.DefaultConfig()
		mwCfg.Logger = s.deps.Logger
		mw = middleware.Chain(mw, middleware.Security(mwCfg))
	}
	return mw(r)
}

// AdminHandler returns the operator-only router: config reload and circuit
// breaker introspection. It is meant to be bound on a separate port
// (Config.AdminPort) that is not exposed publicly.
func (s *Server) AdminHandler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/admin/v1/whitelist/reload", s.adminOnly(s.handleReloadWhitelist)).Methods(http.MethodPost)
	r.HandleFunc("/admin/v1/cu-pricing/reload", s.adminOnly(s.handleReloadCUPricing)).Methods(http.MethodPost)
	r.HandleFunc("/admin/v1/circuit", s.adminOnly(s.handleCircuitSnapshot)).Methods(http.MethodGet)
	r.HandleFunc("/admin/v1/guard", s.adminOnly(s.handleGuardSnapshot)).Methods(http.MethodGet)

	mw := middleware.Chain(middleware.RequestID(), middleware.Recovery(s.deps.Logger), middleware.Logger(s.deps.Logger))
	return mw(r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Redis == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "redis": "disabled"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Redis.Raw.Ping(ctx).Err(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "redis": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "redis": "ok"})
}

// handleRPC is the core JSON-RPC POST endpoint: guard pre-parse, body read
// under the size cap, the full pipeline stage chain, then forward to the
// route's upstream on acceptance.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	network := mux.Vars(r)["network"]
	if network == "" {
		network = jsonrpc.ExtractNetwork(r.Host)
	}
	route, ok := s.deps.Config.RouteByNetwork(network)
	if !ok {
		route, ok = s.deps.Config.RouteByID(s.deps.Config.DefaultRouteID)
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown network"})
		return
	}

	clientIP := middleware.ClientIP(r)
	consumer := resolveConsumer(r, route.PaidThreshold)

	rc := &pipeline.RequestContext{
		ClientIP:     clientIP,
		Consumer:     consumer,
		Network:      network,
		StartTS:      time.Now(),
		RequestNonce: fmt.Sprintf("%s-%s-%d", consumer.Name, requestIDFrom(r), time.Now().UnixNano()),
	}

	if res := s.deps.Pipeline.StageGuardPreParse(rc, pipeline.Config{Guard: s.deps.Guard}); res.Terminate {
		s.finish(w, rc, res)
		return
	}

	body, err := readBodyCapped(r.Body, maxBodyBytes)
	if err != nil {
		res := pipeline.Result{
			Terminate: true, Outcome: pipeline.OutcomeParseError, HTTPStatus: http.StatusRequestEntityTooLarge,
			Body: jsonrpc.ErrorResponse(jsonrpc.CodeInvalidRequest, "request body too large", nil),
		}
		s.finish(w, rc, res)
		return
	}

	cfg, err := s.pipelineConfig(route)
	if err != nil {
		s.deps.Logger.Error("failed to build route pipeline config", zap.String("route", route.ID), zap.Error(err))
		res := pipeline.Result{Terminate: true, Outcome: pipeline.OutcomeGatewayError, HTTPStatus: http.StatusServiceUnavailable,
			Body: jsonrpc.ErrorResponse(jsonrpc.CodeInternalError, "route configuration unavailable", nil)}
		s.finish(w, rc, res)
		return
	}

	res := s.deps.Pipeline.RunHTTP(r.Context(), rc, body, cfg)
	if res.Terminate {
		s.finish(w, rc, res)
		return
	}

	s.forward(r.Context(), w, route, rc, res, body)
}

// forward proxies the accepted request body to the route's upstream and
// relays the response, merging in the pipeline's rate-limit/quota headers.
func (s *Server) forward(ctx context.Context, w http.ResponseWriter, route config.Route, rc *pipeline.RequestContext, res pipeline.Result, body []byte) {
	scheme := route.Upstream.Scheme
	switch scheme {
	case "ws":
		scheme = "http"
	case "wss":
		scheme = "https"
	}
	upstreamURL := fmt.Sprintf("%s://%s:%d", scheme, route.Upstream.Host, route.Upstream.Port)
	client := s.upstreamClient(route.Upstream.VerifyTLS)

	timeout := route.Upstream.ReadTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, upstreamURL, bytes.NewReader(body))
	if err != nil {
		s.writeGatewayError(w, rc, "failed to build upstream request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	upstreamResp, err := client.Do(req)
	if err != nil {
		s.deps.Logger.Warn("upstream request failed", zap.String("route", route.ID), zap.Error(err))
		s.writeGatewayError(w, rc, "upstream unreachable")
		return
	}
	defer upstreamResp.Body.Close()

	for k, v := range res.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(upstreamResp.StatusCode)
	io.Copy(w, upstreamResp.Body)

	s.record(rc, auditstore.DecisionAllowed, "", upstreamResp.StatusCode)
	metrics.RequestsTotal.WithLabelValues(rc.Network, firstMethod(rc), rc.Consumer.Name, "allowed").Inc()
	metrics.CUConsumedTotal.WithLabelValues(rc.Network, rc.Consumer.Name).Add(float64(rc.CU))
	metrics.RequestDurationSeconds.WithLabelValues(rc.Network, firstMethod(rc)).Observe(time.Since(rc.StartTS).Seconds())
}

func (s *Server) writeGatewayError(w http.ResponseWriter, rc *pipeline.RequestContext, msg string) {
	body := jsonrpc.ErrorResponse(jsonrpc.CodeInternalError, msg, nil)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	w.Write(body)
	s.record(rc, auditstore.DecisionGatewayError, msg, http.StatusBadGateway)
}

// finish writes a terminating pipeline Result and records it.
func (s *Server) finish(w http.ResponseWriter, rc *pipeline.RequestContext, res pipeline.Result) {
	for k, v := range res.Headers {
		w.Header().Set(k, v)
	}
	status := res.HTTPStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(res.Body)

	decision := outcomeToDecision(res.Outcome)
	s.record(rc, decision, string(res.Outcome), status)
	metrics.RequestsTotal.WithLabelValues(rc.Network, firstMethod(rc), rc.Consumer.Name, string(res.Outcome)).Inc()

	switch res.Outcome {
	case pipeline.OutcomeWhitelistDeny:
		metrics.WhitelistRejectionsTotal.WithLabelValues(rc.Network, firstMethod(rc)).Inc()
	case pipeline.OutcomeGuardBlocked:
		metrics.GuardBlocksTotal.WithLabelValues("http").Inc()
	case pipeline.OutcomeRateLimited:
		metrics.RateLimitExceededTotal.WithLabelValues(rc.Consumer.Name, "sliding_window").Inc()
	case pipeline.OutcomeQuotaExceeded:
		metrics.QuotaExceededTotal.WithLabelValues(rc.Consumer.Name).Inc()
	}
}

func (s *Server) record(rc *pipeline.RequestContext, decision auditstore.Decision, reason string, status int) {
	if s.deps.Audit == nil {
		return
	}
	s.deps.Audit.Record(auditstore.Entry{
		Consumer:   rc.Consumer.Name,
		Network:    rc.Network,
		Method:     firstMethod(rc),
		Decision:   decision,
		Reason:     reason,
		CU:         rc.CU,
		StatusCode: status,
		Timestamp:  time.Now(),
	})
}

func outcomeToDecision(o pipeline.Outcome) auditstore.Decision {
	switch o {
	case pipeline.OutcomeAllowed:
		return auditstore.DecisionAllowed
	case pipeline.OutcomeWhitelistDeny:
		return auditstore.DecisionWhitelistDeny
	case pipeline.OutcomeRateLimited:
		return auditstore.DecisionRateLimited
	case pipeline.OutcomeQuotaExceeded:
		return auditstore.DecisionQuotaExceeded
	case pipeline.OutcomeGuardBlocked:
		return auditstore.DecisionGuardBlocked
	default:
		return auditstore.DecisionGatewayError
	}
}

func firstMethod(rc *pipeline.RequestContext) string {
	if rc.Parsed == nil || len(rc.Parsed.Methods) == 0 {
		return ""
	}
	return rc.Parsed.Methods[0]
}

// handleWebSocket dispatches an upgrade request to internal/wsproxy,
// reusing the same route resolution and consumer identity as the HTTP
// path. Guard pre-parse runs before the upgrade completes.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	network := mux.Vars(r)["network"]
	route, ok := s.deps.Config.RouteByNetwork(network)
	if !ok {
		http.Error(w, "unknown network", http.StatusNotFound)
		return
	}

	clientIP := middleware.ClientIP(r)
	consumer := resolveConsumer(r, route.PaidThreshold)

	rc := &pipeline.RequestContext{ClientIP: clientIP, Consumer: consumer, Network: route.Network}
	if res := s.deps.Pipeline.StageGuardPreParse(rc, pipeline.Config{Guard: s.deps.Guard}); res.Terminate {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(res.HTTPStatus)
		w.Write(res.Body)
		metrics.GuardBlocksTotal.WithLabelValues("websocket").Inc()
		return
	}

	cfg, err := s.pipelineConfig(route)
	if err != nil {
		http.Error(w, "route configuration unavailable", http.StatusServiceUnavailable)
		return
	}

	scheme := "ws"
	if route.Upstream.Scheme == "https" || route.Upstream.Scheme == "wss" {
		scheme = "wss"
	}
	upstreamURL := fmt.Sprintf("%s://%s:%d", scheme, route.Upstream.Host, route.Upstream.Port)

	connectTimeout := route.Upstream.ReadTimeout
	if connectTimeout <= 0 {
		connectTimeout = s.deps.Config.WSUpstreamTimeout
	}

	err = wsproxy.Serve(w, r, wsproxy.Config{
		Pipeline:       s.deps.Pipeline,
		PipelineCfg:    cfg,
		Network:        route.Network,
		Consumer:       consumer,
		ClientIP:       clientIP,
		UpstreamURL:    upstreamURL,
		UpstreamHost:   route.Upstream.Host,
		VerifyTLS:      route.Upstream.VerifyTLS,
		ConnectTimeout: connectTimeout,
		WriteTimeout:   s.deps.Config.WSWriteTimeout,
		MaxMessageSize: int64(s.deps.Config.WSMaxMessageSize),
		Logger:         s.deps.Logger,
	})
	if err != nil && s.deps.Logger != nil {
		s.deps.Logger.Info("websocket session ended", zap.String("route", route.ID), zap.Error(err))
	}
}

// pipelineConfig resolves a route's whitelist/CU-pricing snapshots from the
// config store and assembles the per-request pipeline.Config.
func (s *Server) pipelineConfig(route config.Route) (pipeline.Config, error) {
	wl, err := s.deps.ConfigStore.LoadWhitelist(route.ID, route.WhitelistPath, route.WhitelistTTL, false)
	if err != nil {
		return pipeline.Config{}, err
	}
	cuCfg, err := s.deps.ConfigStore.LoadCUPricing(route.ID, route.CUPricingPath, route.CUPricingTTL, false)
	if err != nil {
		return pipeline.Config{}, err
	}

	rateFailOpen := true
	quotaFailOpen := false
	if s.deps.Config != nil {
		rateFailOpen = s.deps.Config.RateLimitFailOpen
		quotaFailOpen = s.deps.Config.QuotaFailOpen
	}

	return pipeline.Config{
		Guard:             s.deps.Guard,
		Whitelist:         wl,
		CU:                &cuCfg,
		RateLimiter:       s.deps.RateLimiter,
		Quota:             s.deps.Quota,
		RateLimitFailOpen: rateFailOpen,
		QuotaFailOpen:     quotaFailOpen,
		AllowPartial:      true,
	}, nil
}

// upstreamClient returns the shared *http.Client for the given
// VerifyTLS policy, building it lazily. There are at most two distinct
// clients in the process (verify on, verify off).
func (s *Server) upstreamClient(verifyTLS bool) *http.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.upstream[verifyTLS]; ok {
		return c
	}
	c := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: !verifyTLS},
		},
	}
	s.upstream[verifyTLS] = c
	return c
}

// resolveConsumer reads the identity supplied by the upstream
// authentication collaborator: this gateway trusts X-Consumer-* headers
// set by whatever API-key/auth layer sits in front of it, per the
// documented external-collaborator boundary for authentication.
func resolveConsumer(r *http.Request, paidThreshold int) pipeline.Consumer {
	return pipeline.Consumer{
		Name:          r.Header.Get("X-Consumer-Name"),
		SecondsQuota:  atoiDefault(r.Header.Get("X-Consumer-Seconds-Quota"), 0),
		MonthlyQuota:  atoiDefault(r.Header.Get("X-Consumer-Monthly-Quota"), 0),
		PaidThreshold: paidThreshold,
	}
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func requestIDFrom(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	return r.RemoteAddr
}

// adminOnly rejects requests that do not present Config.AdminAPIKey via the
// X-Admin-Key header. An empty configured key disables the check.
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := s.deps.Config.AdminAPIKey
		if key != "" && r.Header.Get("X-Admin-Key") != key {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "admin key required"})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleReloadWhitelist(w http.ResponseWriter, r *http.Request) {
	routeID := r.URL.Query().Get("route")
	route, ok := s.deps.Config.RouteByID(routeID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown route"})
		return
	}
	if _, err := s.deps.ConfigStore.LoadWhitelist(route.ID, route.WhitelistPath, route.WhitelistTTL, true); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded", "route": route.ID})
}

func (s *Server) handleReloadCUPricing(w http.ResponseWriter, r *http.Request) {
	routeID := r.URL.Query().Get("route")
	route, ok := s.deps.Config.RouteByID(routeID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown route"})
		return
	}
	if _, err := s.deps.ConfigStore.LoadCUPricing(route.ID, route.CUPricingPath, route.CUPricingTTL, true); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded", "route": route.ID})
}

func (s *Server) handleCircuitSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.deps.Breaker == nil {
		writeJSON(w, http.StatusOK, map[string]string{})
		return
	}
	snap := s.deps.Breaker.Snapshot()
	out := make(map[string]string, len(snap))
	for endpoint, state := range snap {
		out[endpoint] = state.String()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGuardSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.deps.Guard == nil {
		writeJSON(w, http.StatusOK, guard.Config{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Guard.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func readBodyCapped(body io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("server: body exceeds %d bytes", limit)
	}
	return data, nil
}
