package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/gantry-ai/gantry/pkg/auth"
	"github.com/gantry-ai/gantry/pkg/contextkeys"
	"github.com/gantry-ai/gantry/pkg/httputil"
	"github.com/gantry-ai/gantry/pkg/middleware"
	"github.com/gantry-ai/gantry/pkg/models"
	"github.com/gantry-ai/gantry/pkg/observability"
	"github.com/gantry-ai/gantry/pkg/providers"
	"github.com/gantry-ai/gantry/pkg/spend"
)

// chatCompletions serves POST /chat/completions and /v1/chat/completions
func (s *Server) chatCompletions(w http.ResponseWriter, r *http.Request) {
	var req providers.ChatRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.WriteOpenAIError(w, http.StatusBadRequest, "invalid_request_error",
			err.Error(), "", "invalid_json")
		return
	}

	resp, ok := s.completeChat(w, r, &req)
	if !ok {
		return
	}
	httputil.WriteSuccess(w, resp)
}

// completeChat runs the shared inference path: validation, key allow-list,
// alias resolution, the upstream call, and spend recording. Errors are
// written to w; callers only serialize the success shape.
func (s *Server) completeChat(w http.ResponseWriter, r *http.Request, req *providers.ChatRequest) (*providers.ChatResponse, bool) {
	start := time.Now()

	if req.Model == "" {
		httputil.WriteOpenAIError(w, http.StatusBadRequest, "invalid_request_error",
			"you must provide a model parameter", "model", "")
		return nil, false
	}
	if len(req.Messages) == 0 {
		httputil.WriteOpenAIError(w, http.StatusBadRequest, "invalid_request_error",
			"messages must be a non-empty array", "messages", "")
		return nil, false
	}

	authCtx := middleware.GetAuthContext(r)
	if authCtx != nil && authCtx.Key != nil && !authCtx.Key.ModelAllowed(req.Model) {
		httputil.WriteOpenAIError(w, http.StatusForbidden, "invalid_request_error",
			"this API key does not have access to model "+req.Model, "model", "model_not_allowed")
		return nil, false
	}

	dep, err := s.opts.Models.Resolve(req.Model)
	if err != nil {
		var notFound *models.ErrModelNotFound
		if errors.As(err, &notFound) {
			httputil.WriteOpenAIError(w, http.StatusBadRequest, "invalid_request_error",
				err.Error(), "model", "model_not_found")
			return nil, false
		}
		httputil.WriteOpenAIError(w, http.StatusInternalServerError, "api_error",
			err.Error(), "", "")
		return nil, false
	}

	provider, err := s.opts.Providers.Get(dep.Provider)
	if err != nil {
		httputil.WriteOpenAIError(w, http.StatusInternalServerError, "api_error",
			err.Error(), "", "")
		return nil, false
	}

	r = r.WithContext(context.WithValue(r.Context(), contextkeys.ModelAliasKey, dep.Alias))

	resp, err := provider.ChatCompletion(r.Context(), dep, req)
	latency := time.Since(start)

	if err != nil {
		s.upstreamError(w, r, dep, err)
		s.recordSpend(r, authCtx, dep, nil, latency, err)
		return nil, false
	}

	s.recordSpend(r, authCtx, dep, resp, latency, nil)
	return resp, true
}

func (s *Server) upstreamError(w http.ResponseWriter, r *http.Request, dep *models.Deployment, err error) {
	var pe *providers.ProviderError
	if !errors.As(err, &pe) {
		if s.opts.Metrics != nil {
			s.opts.Metrics.UpstreamErrorsTotal.WithLabelValues(dep.Provider, "unknown").Inc()
		}
		observability.FromContext(r.Context()).
			WithError(err).WithField("provider", dep.Provider).Error("upstream call failed")
		httputil.WriteOpenAIError(w, http.StatusBadGateway, "api_error",
			"upstream provider error", "", "upstream_error")
		return
	}

	if s.opts.Metrics != nil {
		s.opts.Metrics.UpstreamErrorsTotal.WithLabelValues(dep.Provider, pe.Code).Inc()
	}

	status := pe.StatusCode
	if status == 0 {
		status = http.StatusBadGateway
	}
	errType := "api_error"
	if status >= 400 && status < 500 {
		errType = "invalid_request_error"
	}
	if status == http.StatusTooManyRequests {
		errType = "rate_limit_error"
	}
	httputil.WriteOpenAIError(w, status, errType, pe.Message, "", pe.Code)
}

func (s *Server) recordSpend(r *http.Request, authCtx *auth.AuthContext, dep *models.Deployment, resp *providers.ChatResponse, latency time.Duration, callErr error) {
	if s.opts.Tracker == nil {
		return
	}

	rec := &spend.RequestRecord{
		RequestID:     uuid.NewString(),
		ModelAlias:    dep.Alias,
		Provider:      dep.Provider,
		UpstreamModel: dep.UpstreamModel,
		Endpoint:      r.URL.Path,
		LatencyMS:     latency.Milliseconds(),
		Status:        "success",
	}
	if authCtx != nil {
		rec.KeyHash = authCtx.KeyHash()
		rec.UserID = authCtx.UserID
	}
	if resp != nil {
		rec.RequestID = resp.ID
		rec.PromptTokens = resp.Usage.PromptTokens
		rec.CompletionTokens = resp.Usage.CompletionTokens
		rec.TotalTokens = resp.Usage.TotalTokens
		rec.Spend = spend.Cost(spend.PriceFor(dep), resp.Usage)

		if rec.KeyHash != "" {
			s.opts.Limiter.RecordTokens(rec.KeyHash, rec.TotalTokens)
			if s.opts.Redis != nil {
				if err := s.opts.Redis.RecordTokens(r.Context(), rec.KeyHash, rec.TotalTokens); err != nil {
					s.logger.WithError(err).Debug("failed to record tokens in redis")
				}
			}
		}
	}
	if callErr != nil {
		rec.Status = "failure"
		rec.ErrorMessage = callErr.Error()
	}

	s.opts.Tracker.Record(r.Context(), rec)
}
