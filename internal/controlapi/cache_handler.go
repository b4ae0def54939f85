package controlapi

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/rafaeljc/bifrost/internal/logger"
)

// handleInvalidateFlag processes POST /api/v1/cache/invalidate/{key}. It drops
// this instance's cached results for the flag and every flag depending on it.
func (a *API) handleInvalidateFlag(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(chi.URLParam(r, "key"))
	if errResp := validateFlagKey(key); errResp != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResp)
		return
	}

	a.engine.Invalidate(key)

	logger.FromContext(r.Context()).Info("flag cache invalidated", slog.String("flag_key", key))
	render.Status(r, http.StatusOK)
	render.JSON(w, r, InvalidateResponse{Scope: "flag", FlagKey: key})
}

// handleInvalidateAll processes POST /api/v1/cache/invalidate.
func (a *API) handleInvalidateAll(w http.ResponseWriter, r *http.Request) {
	a.engine.InvalidateAll()

	logger.FromContext(r.Context()).Info("evaluation cache invalidated")
	render.Status(r, http.StatusOK)
	render.JSON(w, r, InvalidateResponse{Scope: "all"})
}
