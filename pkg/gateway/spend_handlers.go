package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/gantry-ai/gantry/pkg/httputil"
)

// spendSince parses the report window. since takes an RFC 3339 timestamp or
// a plain date; days counts back from now. Defaults to the last 30 days.
func spendSince(r *http.Request) (time.Time, error) {
	if raw := r.URL.Query().Get("since"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t, nil
		}
		if t, err := time.Parse("2006-01-02", raw); err == nil {
			return t, nil
		}
		return time.Time{}, errors.New("since must be RFC 3339 or YYYY-MM-DD")
	}

	days, err := httputil.ParseQueryInt(r, "days", 30)
	if err != nil || days <= 0 {
		return time.Time{}, errors.New("days must be a positive integer")
	}
	return time.Now().AddDate(0, 0, -days), nil
}

// spendByKey serves GET /spend/keys
func (s *Server) spendByKey(w http.ResponseWriter, r *http.Request) {
	since, err := spendSince(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	report, err := s.opts.Reporter.ByKey(r.Context(), since)
	if err != nil {
		s.logger.WithError(err).Error("spend by key report failed")
		httputil.WriteInternalError(w, errors.New("failed to build spend report"))
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"since": since,
		"keys":  report,
	})
}

// spendByModel serves GET /spend/models
func (s *Server) spendByModel(w http.ResponseWriter, r *http.Request) {
	since, err := spendSince(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	report, err := s.opts.Reporter.ByModel(r.Context(), since)
	if err != nil {
		s.logger.WithError(err).Error("spend by model report failed")
		httputil.WriteInternalError(w, errors.New("failed to build spend report"))
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"since":  since,
		"models": report,
	})
}
