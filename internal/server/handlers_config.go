package server

import (
	"net/http"

	"github.com/kestrelai/conductor/pkg/types"
)

// getConfig handles GET /config. Configuration is read-only over the HTTP
// surface; writes happen through the config file and environment, not this
// endpoint.
func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.appConfig
	if cfg == nil {
		cfg = &types.Config{}
	}
	writeJSON(w, http.StatusOK, cfg)
}
