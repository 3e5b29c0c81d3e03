package gateway

import (
	"net/http"

	"github.com/gantry-ai/gantry/pkg/httputil"
	"github.com/gantry-ai/gantry/pkg/middleware"
	"github.com/gantry-ai/gantry/pkg/models"
)

type modelListResponse struct {
	Object string            `json:"object"`
	Data   []models.ModelInfo `json:"data"`
}

// listModels serves GET /models and /v1/models. Keys with a model allow-list
// only see the models they can call.
func (s *Server) listModels(w http.ResponseWriter, r *http.Request) {
	infos := s.opts.Models.List()

	authCtx := middleware.GetAuthContext(r)
	if authCtx != nil && authCtx.Key != nil {
		filtered := infos[:0]
		for _, info := range infos {
			if authCtx.Key.ModelAllowed(info.ID) {
				filtered = append(filtered, info)
			}
		}
		infos = filtered
	}

	httputil.WriteSuccess(w, modelListResponse{Object: "list", Data: infos})
}
