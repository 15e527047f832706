// Package pipeline composes the JSON-RPC gateway's per-request stage chain
// (C8): guard -> parse -> whitelist -> CU -> monthly quota -> rate limit.
// Every stage reads from and writes into a RequestContext (C10) and returns
// either Continue or a Terminate result; the first terminating stage wins
// and no later stage runs. The same stage functions are reused at
// message granularity by internal/wsproxy (C9).
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sprintgateway/rpc-gateway/internal/cu"
	"github.com/sprintgateway/rpc-gateway/internal/guard"
	"github.com/sprintgateway/rpc-gateway/internal/jsonrpc"
	"github.com/sprintgateway/rpc-gateway/internal/metrics"
	"github.com/sprintgateway/rpc-gateway/internal/quota"
	"github.com/sprintgateway/rpc-gateway/internal/ratelimit"
	"github.com/sprintgateway/rpc-gateway/internal/tiers"
	"github.com/sprintgateway/rpc-gateway/internal/whitelist"
)

// Consumer is the identity supplied by the authentication collaborator
// that sits in front of this gateway. Its lifetime is one request (or,
// for a WebSocket connection, the lifetime of the socket).
type Consumer struct {
	Name          string
	SecondsQuota  int
	MonthlyQuota  int
	PaidThreshold int
}

// Tier derives the consumer's free/paid tier from its monthly quota and
// the route's paid threshold.
func (c Consumer) Tier() tiers.Tier {
	return tiers.Derive(c.MonthlyQuota, tiers.Config{PaidThreshold: c.PaidThreshold})
}

// RequestContext carries parsed JSON-RPC state, consumer identity and CU
// cost between stages (C10). It is created fresh per request (or, for
// WebSocket, per inbound message) and is never shared across requests —
// no stage may retain a pointer to it beyond the pipeline call that built
// it.
type RequestContext struct {
	ClientIP string
	Consumer Consumer
	Network  string

	Parsed *jsonrpc.ParsedRequest
	CU     int

	StartTS time.Time

	// RequestNonce seeds the rate limiter's per-submission request_id; the
	// caller (HTTP handler or WebSocket message loop) supplies a fresh one
	// per call so retries collide cleanly instead of double-charging CU.
	RequestNonce string
}

// Outcome tags the terminal status of a pipeline run, used for metrics and
// the audit ledger.
type Outcome string

const (
	OutcomeAllowed       Outcome = "allowed"
	OutcomeGuardBlocked  Outcome = "guard_blocked"
	OutcomeParseError    Outcome = "parse_error"
	OutcomeWhitelistDeny Outcome = "whitelist_rejected"
	OutcomeQuotaExceeded Outcome = "quota_exceeded"
	OutcomeRateLimited   Outcome = "rate_limited"
	OutcomeGatewayError  Outcome = "gateway_error"
)

// Result is the tagged outcome every stage returns: either "continue" or
// "terminate" with a fully-formed response, replacing ad hoc mixed
// exit/return-status propagation with a single explicit type.
type Result struct {
	Terminate  bool
	Outcome    Outcome
	HTTPStatus int
	Body       []byte
	Headers    map[string]string
}

func cont() Result { return Result{} }

func terminate(outcome Outcome, status int, body []byte, headers map[string]string) Result {
	return Result{Terminate: true, Outcome: outcome, HTTPStatus: status, Body: body, Headers: headers}
}

// Config bundles everything a Pipeline needs to evaluate the C1-C7+C11
// stage chain for one route.
type Config struct {
	Guard             *guard.Guard
	Whitelist         whitelist.Config
	CU                *cu.Config
	RateLimiter       *ratelimit.Limiter
	Quota             *quota.Enforcer
	RateLimitFailOpen bool
	QuotaFailOpen     bool
	AllowPartial      bool
}

// Pipeline runs the ordered stage chain for one route's configuration.
// It holds no per-request state; callers build a fresh RequestContext per
// call, so two concurrent requests never share one.
type Pipeline struct {
	logger *zap.Logger
}

// New builds a Pipeline.
func New(logger *zap.Logger) *Pipeline {
	return &Pipeline{logger: logger}
}

// RunHTTP evaluates the whole chain for one HTTP POST body: guard
// (pre-parse already applied by the caller/server layer) -> parse ->
// network extraction is assumed already set on rc.Network -> whitelist ->
// CU -> monthly quota -> rate limit. Forwarding to the upstream is the
// caller's responsibility once RunHTTP returns a non-terminating Result.
func (p *Pipeline) RunHTTP(ctx context.Context, rc *RequestContext, body []byte, cfg Config) Result {
	headers := map[string]string{}

	if res := p.stageParse(rc, body, cfg); res.Terminate {
		return res
	}
	if res := p.stageGuardPostParse(rc, cfg); res.Terminate {
		return res
	}
	if res := p.stageWhitelist(rc, cfg); res.Terminate {
		return res
	}
	p.stageCU(rc, cfg)

	quotaRes := p.stageQuota(ctx, rc, cfg)
	if quotaRes.Terminate {
		return quotaRes
	}
	mergeHeaders(headers, quotaRes.Headers)

	rateRes := p.stageRateLimit(ctx, rc, cfg)
	if rateRes.Terminate {
		rateRes.Headers = mergeHeaders(rateRes.Headers, headers)
		return rateRes
	}
	mergeHeaders(headers, rateRes.Headers)

	return Result{Outcome: OutcomeAllowed, Headers: headers}
}

// mergeHeaders copies src into dst (dst wins on key collision) and
// returns dst, so call sites can both mutate in place and chain the
// expression.
func mergeHeaders(dst, src map[string]string) map[string]string {
	if dst == nil {
		dst = map[string]string{}
	}
	for k, v := range src {
		if _, exists := dst[k]; !exists {
			dst[k] = v
		}
	}
	return dst
}

// StageGuardPreParse is run by the caller before the body is even read,
// since IP/consumer blocking needs no parsed state.
func (p *Pipeline) StageGuardPreParse(rc *RequestContext, cfg Config) Result {
	if cfg.Guard == nil {
		return cont()
	}
	if reject, msg := cfg.Guard.CheckPreParse(rc.ClientIP, rc.Consumer.Name); reject {
		return terminate(OutcomeGuardBlocked, 403,
			jsonrpc.ErrorResponse(jsonrpc.CodeForbidden, msg, nil), nil)
	}
	return cont()
}

func (p *Pipeline) stageGuardPostParse(rc *RequestContext, cfg Config) Result {
	if cfg.Guard == nil {
		return cont()
	}
	if reject, msg := cfg.Guard.CheckPostParse(rc.Parsed.Methods); reject {
		id := firstID(rc.Parsed)
		return terminate(OutcomeGuardBlocked, 403,
			jsonrpc.ErrorResponse(jsonrpc.CodeForbidden, msg, id), nil)
	}
	return cont()
}

func (p *Pipeline) stageParse(rc *RequestContext, body []byte, cfg Config) Result {
	parsed, err := jsonrpc.Parse(body, cfg.AllowPartial)
	if err != nil {
		if pe, ok := err.(*jsonrpc.ParseError); ok {
			return terminate(OutcomeParseError, 200, jsonrpc.ErrorResponse(pe.Code, pe.Message, nil), nil)
		}
		return terminate(OutcomeGatewayError, 500,
			jsonrpc.ErrorResponse(jsonrpc.CodeInternalError, "internal error", nil), nil)
	}
	rc.Parsed = parsed
	return cont()
}

func (p *Pipeline) stageWhitelist(rc *RequestContext, cfg Config) Result {
	ok, reason := whitelist.Check(rc.Network, rc.Parsed.Methods, rc.Consumer.Tier() == tiers.Paid, cfg.Whitelist)
	if ok {
		return cont()
	}
	id := firstID(rc.Parsed)
	switch {
	case reason == "unsupported network":
		return p.whitelistReject(rc, id, jsonrpc.CodeInvalidRequest, reason)
	case strings.Contains(reason, "requires paid tier"):
		return p.whitelistReject(rc, id, jsonrpc.CodeForbidden, reason)
	default:
		return p.whitelistReject(rc, id, jsonrpc.CodeMethodNotFound, reason)
	}
}

func (p *Pipeline) whitelistReject(rc *RequestContext, id json.RawMessage, code int, reason string) Result {
	var body []byte
	if rc.Parsed.IsBatch {
		ids := make([]json.RawMessage, len(rc.Parsed.IDs))
		for i := range ids {
			ids[i] = rc.Parsed.IDs[i]
		}
		body = jsonrpc.BatchErrorResponse(code, reason, ids)
	} else {
		body = jsonrpc.ErrorResponse(code, reason, id)
	}
	return terminate(OutcomeWhitelistDeny, 405, body, nil)
}

func (p *Pipeline) stageCU(rc *RequestContext, cfg Config) {
	rc.CU = cu.Calculate(rc.Parsed.Methods, cfg.CU)
}

func (p *Pipeline) stageQuota(ctx context.Context, rc *RequestContext, cfg Config) Result {
	if cfg.Quota == nil || rc.Consumer.MonthlyQuota <= 0 {
		return cont()
	}
	if rc.Consumer.Name == "" {
		// cannot key a quota counter anonymously
		if p.logger != nil {
			p.logger.Warn("monthly quota skipped: consumer name missing", zap.String("network", rc.Network))
		}
		return cont()
	}
	res, err := cfg.Quota.CheckAndIncrement(ctx, rc.Consumer.Name, rc.Consumer.MonthlyQuota, rc.CU, time.Now())
	headers := monthlyHeaders(rc.Consumer.MonthlyQuota, res.Used, res.Remaining)
	if err == nil || err == quota.ErrQuotaExceeded {
		metrics.ConsumerMonthlyQuota.WithLabelValues(rc.Consumer.Name).Set(float64(rc.Consumer.MonthlyQuota))
		metrics.ConsumerMonthlyUsed.WithLabelValues(rc.Consumer.Name).Set(float64(res.Used))
	}
	if err == nil {
		return Result{Headers: headers}
	}
	id := firstID(rc.Parsed)
	switch err {
	case quota.ErrQuotaExceeded:
		return terminate(OutcomeQuotaExceeded, 429, jsonrpc.ErrorResponse(jsonrpc.CodeQuotaExceeded, "quota exceeded", id), headers)
	default:
		if cfg.QuotaFailOpen {
			if p.logger != nil {
				p.logger.Warn("monthly quota degraded, allowing request",
					zap.String("consumer", rc.Consumer.Name), zap.Error(err))
			}
			return cont()
		}
		return terminate(OutcomeGatewayError, 503,
			jsonrpc.ErrorResponse(jsonrpc.CodeInternalError, "monthly quota service unavailable", id), headers)
	}
}

func (p *Pipeline) stageRateLimit(ctx context.Context, rc *RequestContext, cfg Config) Result {
	if cfg.RateLimiter == nil || rc.Consumer.SecondsQuota <= 0 {
		return cont()
	}
	nonce := rc.RequestNonce
	if nonce == "" {
		nonce = fmt.Sprintf("%d", time.Now().UnixNano())
	}
	res, err := cfg.RateLimiter.Check(ctx, rc.Consumer.Name, rc.Consumer.SecondsQuota, rc.CU, nonce, cfg.RateLimitFailOpen)
	headers := rateLimitHeaders(rc.Consumer.SecondsQuota, res.Remaining, res.Window)
	if err == nil {
		return Result{Headers: headers}
	}
	id := firstID(rc.Parsed)
	switch err {
	case ratelimit.ErrRateLimitExceeded:
		headers["Retry-After"] = fmt.Sprintf("%d", int(res.Window.Seconds()))
		return terminate(OutcomeRateLimited, 429, jsonrpc.ErrorResponse(jsonrpc.CodeRateLimitExceeded, "rate limit exceeded", id), headers)
	default:
		return terminate(OutcomeGatewayError, 503,
			jsonrpc.ErrorResponse(jsonrpc.CodeInternalError, "rate limiting service unavailable", id), headers)
	}
}

func monthlyHeaders(limit int, used, remaining int64) map[string]string {
	return map[string]string{
		"X-Monthly-Quota":     fmt.Sprintf("%d", limit),
		"X-Monthly-Used":      fmt.Sprintf("%d", used),
		"X-Monthly-Remaining": fmt.Sprintf("%d", remaining),
	}
}

func rateLimitHeaders(limit int, remaining int64, window time.Duration) map[string]string {
	return map[string]string{
		"X-RateLimit-Limit":     fmt.Sprintf("%d", limit),
		"X-RateLimit-Remaining": fmt.Sprintf("%d", remaining),
		"X-RateLimit-Window":    fmt.Sprintf("%d", int(window.Seconds())),
		"X-RateLimit-Type":      "sliding",
	}
}

func firstID(pr *jsonrpc.ParsedRequest) json.RawMessage {
	if pr == nil || len(pr.IDs) == 0 {
		return nil
	}
	return pr.IDs[0]
}
