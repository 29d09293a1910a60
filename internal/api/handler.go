// Package api exposes the signal preview endpoint: paste a raw message, get
// back the legs the engine would emit for it, without waiting for the feed.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/oapi-codegen/nullable"

	"github.com/tradewire/tradewire/tradewire"
)

const (
	defaultPreviewLegs   = 5
	defaultPreviewVolume = 0.01
	maxPreviewBodyBytes  = 64 << 10
)

// ActionBuilder is the slice of the engine the API needs.
type ActionBuilder interface {
	BuildActionsFromMessage(ctx context.Context, msg tradewire.Message, legsCount int, legVolume float64) []tradewire.Action
}

// PreviewRequest is the POST /v1/preview body. Nullable fields distinguish
// "omitted" from an explicit null.
type PreviewRequest struct {
	Text      string                     `json:"text"`
	LegsCount nullable.Nullable[int]     `json:"legs_count,omitempty"`
	LegVolume nullable.Nullable[float64] `json:"leg_volume,omitempty"`
	IsEdit    bool                       `json:"is_edit,omitempty"`
}

// PreviewLeg mirrors one planned leg. A null tp is the runner leg left open.
type PreviewLeg struct {
	I      int                        `json:"i"`
	LegID  string                     `json:"leg_id"`
	Symbol string                     `json:"symbol"`
	Side   string                     `json:"side"`
	Volume float64                    `json:"volume"`
	Entry  nullable.Nullable[float64] `json:"entry"`
	SL     nullable.Nullable[float64] `json:"sl"`
	TP     nullable.Nullable[float64] `json:"tp"`
	Tag    string                     `json:"tag"`
}

type PreviewResponse struct {
	Parsed   bool         `json:"parsed"`
	Type     string       `json:"type,omitempty"`
	ActionID string       `json:"action_id,omitempty"`
	Legs     []PreviewLeg `json:"legs,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type Handler struct {
	builder ActionBuilder
	logger  *slog.Logger
	now     func() time.Time
}

type HandlerOption func(*Handler)

func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) { h.logger = logger }
}

func NewHandler(builder ActionBuilder, opts ...HandlerOption) *Handler {
	h := &Handler{
		builder: builder,
		logger:  slog.Default().WithGroup("api"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/preview", h.handlePreview)
}

func (h *Handler) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPreviewBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("decode request: %s", err)})
		return
	}
	if req.Text == "" {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "text is required"})
		return
	}

	legsCount := defaultPreviewLegs
	if v, err := req.LegsCount.Get(); err == nil {
		legsCount = v
	}
	legVolume := defaultPreviewVolume
	if v, err := req.LegVolume.Get(); err == nil {
		legVolume = v
	}

	msg := tradewire.Message{
		SourceMsgID: fmt.Sprintf("preview-%d", h.now().UnixMilli()),
		Text:        req.Text,
		IsEdit:      req.IsEdit,
	}
	actions := h.builder.BuildActionsFromMessage(r.Context(), msg, legsCount, legVolume)
	if len(actions) == 0 {
		h.writeJSON(w, http.StatusOK, PreviewResponse{Parsed: false})
		return
	}

	act := actions[0]
	resp := PreviewResponse{
		Parsed:   true,
		Type:     act.Type.String(),
		ActionID: act.ActionID,
		Legs:     make([]PreviewLeg, 0, len(act.Legs)),
	}
	for i, leg := range act.Legs {
		resp.Legs = append(resp.Legs, PreviewLeg{
			I:      i + 1,
			LegID:  leg.LegID,
			Symbol: leg.Symbol,
			Side:   string(leg.Side),
			Volume: leg.Volume,
			Entry:  nullableFrom(leg.Entry),
			SL:     nullableFrom(leg.SL),
			TP:     nullableFrom(leg.TP),
			Tag:    leg.Tag,
		})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Debug("response encode failed", slog.String("error", err.Error()))
	}
}

func nullableFrom(v *float64) nullable.Nullable[float64] {
	if v == nil {
		return nullable.NewNullNullable[float64]()
	}
	return nullable.NewNullableWithValue(*v)
}
