package gateway

import (
	"errors"
	"net/http"

	"github.com/gantry-ai/gantry/pkg/auth"
	"github.com/gantry-ai/gantry/pkg/httputil"
	"github.com/gantry-ai/gantry/pkg/middleware"
)

func actorFor(r *http.Request) string {
	authCtx := middleware.GetAuthContext(r)
	if authCtx == nil {
		return ""
	}
	if authCtx.IsMasterKey {
		return "master_key"
	}
	if authCtx.UserID != "" {
		return authCtx.UserID
	}
	return authCtx.KeyHash()
}

// generateKey serves POST /key/generate
func (s *Server) generateKey(w http.ResponseWriter, r *http.Request) {
	var req auth.GenerateKeyRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	resp, err := s.opts.Keys.GenerateKey(r.Context(), &req)
	if s.opts.Audit != nil {
		prefix := ""
		if resp != nil {
			prefix = resp.KeyPrefix
		}
		s.opts.Audit.RecordRequest(r, actorFor(r), "key.generate", "virtual_key", prefix, err)
	}
	if err != nil {
		s.logger.WithError(err).Error("key generation failed")
		httputil.WriteInternalError(w, errors.New("failed to generate key"))
		return
	}

	httputil.WriteCreated(w, resp)
}

type revokeKeyRequest struct {
	Key string `json:"key"`
}

// revokeKey serves POST /key/revoke. Accepts the plaintext key or its hash.
func (s *Server) revokeKey(w http.ResponseWriter, r *http.Request) {
	var req revokeKeyRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Key == "" {
		httputil.WriteBadRequest(w, "key is required")
		return
	}

	err := s.opts.Keys.RevokeKey(r.Context(), req.Key)
	if s.opts.Audit != nil {
		s.opts.Audit.RecordRequest(r, actorFor(r), "key.revoke", "virtual_key", "", err)
	}
	if errors.Is(err, auth.ErrKeyNotFound) {
		httputil.WriteNotFound(w, "key not found")
		return
	}
	if err != nil {
		s.logger.WithError(err).Error("key revocation failed")
		httputil.WriteInternalError(w, errors.New("failed to revoke key"))
		return
	}

	httputil.WriteSuccess(w, map[string]string{"status": "revoked"})
}

// keyInfo serves GET /key/info?key=<key-or-hash>
func (s *Server) keyInfo(w http.ResponseWriter, r *http.Request) {
	keyOrHash := r.URL.Query().Get("key")
	if keyOrHash == "" {
		httputil.WriteBadRequest(w, "key query parameter is required")
		return
	}

	key, err := s.opts.Keys.KeyInfo(r.Context(), keyOrHash)
	if errors.Is(err, auth.ErrKeyNotFound) {
		httputil.WriteNotFound(w, "key not found")
		return
	}
	if err != nil {
		s.logger.WithError(err).Error("key info lookup failed")
		httputil.WriteInternalError(w, errors.New("failed to look up key"))
		return
	}

	httputil.WriteSuccess(w, key)
}

// listKeys serves GET /key/list with an optional user_id filter
func (s *Server) listKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.opts.Keys.ListKeys(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		s.logger.WithError(err).Error("key listing failed")
		httputil.WriteInternalError(w, errors.New("failed to list keys"))
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{"keys": keys})
}
