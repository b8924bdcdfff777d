// Package server provides HTTP handlers and server setup for the image loader.
package server

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"catimage/internal/core"
	"catimage/internal/loader"
	"catimage/internal/targets"
)

// Response headers describing a target's current image.
const (
	HeaderKey         = "X-Catimage-Key"
	HeaderPlaceholder = "X-Catimage-Placeholder"
)

// ImageLoader is the part of loader.Loader the handlers drive.
type ImageLoader interface {
	DisplayImage(key core.Key, auxID int, kind core.Kind, target core.Target, placeholder *core.Image) loader.State
	ClearCache(ctx context.Context) error
	ResolveIcon(ctx context.Context, pkg string) (*core.Image, error)
}

// SlotRegistry is the part of targets.Registry the handlers use.
type SlotRegistry interface {
	Acquire(id core.TargetID) *targets.Slot
	Get(id core.TargetID) (*targets.Slot, bool)
	Release(id core.TargetID) bool
}

// Handler holds the HTTP handlers
type Handler struct {
	loader      ImageLoader
	slots       SlotRegistry
	placeholder *core.Image
}

// NewHandler creates a new handler
func NewHandler(l ImageLoader, slots SlotRegistry, placeholder *core.Image) *Handler {
	return &Handler{
		loader:      l,
		slots:       slots,
		placeholder: placeholder,
	}
}

// DisplayRequest is the body of PUT /v1/targets/:id
type DisplayRequest struct {
	Key   string `json:"key"`
	Kind  string `json:"kind"`
	AuxID int    `json:"aux_id"`
}

// DisplayResponse is returned by PUT /v1/targets/:id
type DisplayResponse struct {
	Target string       `json:"target"`
	Key    string       `json:"key"`
	State  loader.State `json:"state"`
}

// Health handles GET /health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// DisplayTarget handles PUT /v1/targets/:id
func (h *Handler) DisplayTarget(c echo.Context) error {
	id := c.Param("id")
	if strings.TrimSpace(id) == "" {
		return invalidRequest(c, "target id is required")
	}

	var req DisplayRequest
	if err := c.Bind(&req); err != nil {
		return invalidRequest(c, "invalid request body: "+err.Error())
	}
	if req.Key == "" {
		return invalidRequest(c, "key is required")
	}

	kind := core.KindURL
	if req.Kind != "" {
		k, err := core.ParseKind(req.Kind)
		if err != nil {
			return invalidRequest(c, err.Error())
		}
		kind = k
	}

	slot := h.slots.Acquire(core.TargetID(id))
	state := h.loader.DisplayImage(core.Key(req.Key), req.AuxID, kind, slot, h.placeholder)
	if state == loader.StateRejected {
		return c.JSON(http.StatusServiceUnavailable, errorBody("unavailable", "loader is shutting down"))
	}

	return c.JSON(http.StatusAccepted, DisplayResponse{
		Target: id,
		Key:    req.Key,
		State:  state,
	})
}

// GetTarget handles GET /v1/targets/:id
func (h *Handler) GetTarget(c echo.Context) error {
	slot, ok := h.slots.Get(core.TargetID(c.Param("id")))
	if !ok {
		return c.JSON(http.StatusNotFound, errorBody("not_found", "unknown target"))
	}

	state := slot.Snapshot()
	c.Response().Header().Set(HeaderKey, string(state.Key))
	c.Response().Header().Set(HeaderPlaceholder, strconv.FormatBool(state.Placeholder))
	if state.Image == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return writePNG(c, state.Image)
}

// ReleaseTarget handles DELETE /v1/targets/:id
func (h *Handler) ReleaseTarget(c echo.Context) error {
	if !h.slots.Release(core.TargetID(c.Param("id"))) {
		return c.JSON(http.StatusNotFound, errorBody("not_found", "unknown target"))
	}
	return c.NoContent(http.StatusNoContent)
}

// ClearCache handles POST /v1/cache/clear
func (h *Handler) ClearCache(c echo.Context) error {
	if err := h.loader.ClearCache(c.Request().Context()); err != nil {
		return handleError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Icon handles GET /v1/icons/:pkg
func (h *Handler) Icon(c echo.Context) error {
	img, err := h.loader.ResolveIcon(c.Request().Context(), c.Param("pkg"))
	if err != nil {
		return handleError(c, err)
	}
	return writePNG(c, img)
}

func writePNG(c echo.Context, img *core.Image) error {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img.Image()); err != nil {
		return handleError(c, err)
	}
	return c.Blob(http.StatusOK, "image/png", buf.Bytes())
}

func invalidRequest(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, errorBody("invalid_request_error", message))
}

func errorBody(typ, message string) map[string]interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"type":    typ,
			"message": message,
		},
	}
}

// handleError converts pipeline errors to appropriate HTTP responses
func handleError(c echo.Context, err error) error {
	var loadErr *core.LoadError
	if errors.As(err, &loadErr) {
		return c.JSON(loadErr.HTTPStatusCode(), loadErr.ToJSON())
	}

	return c.JSON(http.StatusInternalServerError, errorBody("internal_error", "an unexpected error occurred"))
}
