package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/chadiek/voicecall/internal/metrics"
	twiliomw "github.com/chadiek/voicecall/internal/middleware"
	"github.com/chadiek/voicecall/internal/store"
	"github.com/chadiek/voicecall/internal/stream"
	"github.com/chadiek/voicecall/internal/telephony"
)

// CallControl places and ends phone calls.
type CallControl interface {
	PlaceCall(ctx context.Context, call telephony.OutboundCall) (string, error)
	EndCall(ctx context.Context, callSID string) error
}

// RecordingArchiver copies a finished recording to storage.
type RecordingArchiver interface {
	Archive(ctx context.Context, callSID, recordingSID, recordingURL string) (string, error)
}

type Options struct {
	Registry    *stream.Registry
	Coordinator *stream.Coordinator
	Calls       CallControl
	Store       store.Store
	// Archiver is optional; recordings are left at Twilio without it.
	Archiver RecordingArchiver
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	PublicBaseURL   string
	Greeting        string
	TwilioAuthToken string
	// BaseContext bounds background work and live streams; it is cancelled
	// at shutdown.
	BaseContext context.Context
}

// Handlers serves every HTTP route.
type Handlers struct {
	registry    *stream.Registry
	coordinator *stream.Coordinator
	calls       CallControl
	store       store.Store
	archiver    RecordingArchiver
	metrics     *metrics.Metrics
	logger      *slog.Logger

	publicBaseURL   string
	greeting        string
	twilioAuthToken string
	baseCtx         context.Context

	upgrader     websocket.Upgrader
	startTimeout time.Duration
	now          func() time.Time
}

func NewHandlers(o Options) *Handlers {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.BaseContext == nil {
		o.BaseContext = context.Background()
	}
	return &Handlers{
		registry:        o.Registry,
		coordinator:     o.Coordinator,
		calls:           o.Calls,
		store:           o.Store,
		archiver:        o.Archiver,
		metrics:         o.Metrics,
		logger:          o.Logger,
		publicBaseURL:   o.PublicBaseURL,
		greeting:        o.Greeting,
		twilioAuthToken: o.TwilioAuthToken,
		baseCtx:         o.BaseContext,
		upgrader:        websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		startTimeout:    10 * time.Second,
		now:             time.Now,
	}
}

func (h *Handlers) Register(e *echo.Echo) {
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(h.metrics.Handler()))

	e.POST("/twilio/voice", h.voice)
	e.POST("/twilio/outbound", h.outbound)
	e.POST("/twilio/call-status", h.callStatus)
	e.POST("/twilio/recording-status", h.recordingStatus)

	e.POST("/calls", h.createCall)
	e.GET("/calls/:sid", h.getCall)
	e.DELETE("/calls/:sid", h.endCall)

	e.GET("/stream/:sid", h.mediaStream)
}

func (h *Handlers) publicURL(r *http.Request, path string) string {
	return telephony.PublicURL(h.publicBaseURL, r, path)
}

// voice answers an inbound call and connects it to the media stream.
func (h *Handlers) voice(c echo.Context) error {
	params, ok := c.Get(twiliomw.ParamsKey).(map[string]string)
	if !ok {
		return c.String(http.StatusInternalServerError, "Failed to get Twilio parameters")
	}
	sid := params["CallSid"]
	if sid == "" {
		return c.String(http.StatusBadRequest, "missing CallSid")
	}
	info := h.registry.Register(stream.CallInfo{
		SID:       sid,
		Direction: stream.DirectionInbound,
		From:      params["From"],
		To:        params["To"],
		Status:    stream.StatusInProgress,
		StartedAt: h.now().UTC(),
	})
	h.recordCall(c.Request().Context(), info)
	h.logger.Info("inbound call", "call_sid", sid, "from", params["From"])
	return h.connectStream(c, sid)
}

// outbound is fetched by Twilio once a call placed through /calls answers.
func (h *Handlers) outbound(c echo.Context) error {
	params, ok := c.Get(twiliomw.ParamsKey).(map[string]string)
	if !ok {
		return c.String(http.StatusInternalServerError, "Failed to get Twilio parameters")
	}
	sid := params["CallSid"]
	if sid == "" {
		return c.String(http.StatusBadRequest, "missing CallSid")
	}
	info := h.registry.Register(stream.CallInfo{
		SID:       sid,
		Direction: stream.DirectionOutbound,
		To:        params["To"],
		Status:    stream.StatusInProgress,
	})
	h.recordCall(c.Request().Context(), info)
	h.logger.Info("outbound call answered", "call_sid", sid, "to", params["To"])
	return h.connectStream(c, sid)
}

func (h *Handlers) connectStream(c echo.Context, sid string) error {
	wsURL := telephony.WebsocketURL(h.publicBaseURL, c.Request(), "/stream/"+sid)
	response, err := telephony.StreamResponse(h.greeting, wsURL)
	if err != nil {
		return c.String(http.StatusInternalServerError, "failed to build TwiML")
	}
	c.Response().Header().Set(echo.HeaderContentType, "application/xml")
	return c.String(http.StatusOK, response)
}

// recordCall creates the persisted call record if it does not exist yet.
func (h *Handlers) recordCall(ctx context.Context, info stream.CallInfo) {
	if h.store == nil {
		return
	}
	target := info.To
	if info.Direction == stream.DirectionInbound {
		target = info.From
	}
	persona := "default"
	if info.Instructions != "" && info.Direction == stream.DirectionOutbound {
		persona = "custom"
	}
	err := h.store.CreateCall(ctx, store.Call{
		ID:        info.SID,
		Status:    info.Status,
		Persona:   persona,
		Target:    target,
		StartedAt: info.StartedAt,
	})
	if err != nil {
		h.logger.Error("record call", "call_sid", info.SID, "error", err)
	}
}

func (h *Handlers) callStatus(c echo.Context) error {
	params, ok := c.Get(twiliomw.ParamsKey).(map[string]string)
	if !ok {
		return c.String(http.StatusInternalServerError, "Failed to get Twilio parameters")
	}
	sid, status := params["CallSid"], params["CallStatus"]
	if sid == "" || status == "" {
		return c.String(http.StatusBadRequest, "missing CallSid or CallStatus")
	}
	now := h.now()
	if err := h.registry.UpdateStatus(sid, status, now); err != nil && !errors.Is(err, stream.ErrCallNotFound) {
		return c.String(http.StatusInternalServerError, err.Error())
	}
	h.logger.Info("call status", "call_sid", sid, "status", status)

	if stream.IsTerminalStatus(status) && h.store != nil {
		if err := h.store.MarkCallEnded(c.Request().Context(), sid, now); err != nil && !errors.Is(err, store.ErrCallNotFound) {
			h.logger.Error("mark call ended", "call_sid", sid, "error", err)
		}
	}
	return c.String(http.StatusOK, "OK")
}

func (h *Handlers) recordingStatus(c echo.Context) error {
	params, ok := c.Get(twiliomw.ParamsKey).(map[string]string)
	if !ok {
		return c.String(http.StatusInternalServerError, "Failed to get Twilio parameters")
	}
	callSID := params["CallSid"]
	recordingSID := params["RecordingSid"]
	recordingURL := params["RecordingUrl"]
	status := params["RecordingStatus"]
	log := h.logger.With("call_sid", callSID, "recording_sid", recordingSID)
	log.Info("recording status", "status", status, "duration", params["RecordingDuration"])

	switch status {
	case "completed":
		if h.archiver == nil || recordingURL == "" {
			return c.String(http.StatusOK, "OK")
		}
		go func() {
			if _, err := h.archiver.Archive(h.baseCtx, callSID, recordingSID, recordingURL); err != nil {
				log.Error("archive recording", "error", err)
			}
		}()
	case "failed", "absent":
		log.Error("recording failed or is absent", "status", status)
	}
	return c.String(http.StatusOK, "OK")
}

type createCallRequest struct {
	PhoneNumber        string `json:"phone_number"`
	SystemInstructions string `json:"system_instructions"`
}

type callResponse struct {
	CallSID string `json:"call_sid"`
	Status  string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handlers) createCall(c echo.Context) error {
	var req createCallRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
	}
	req.PhoneNumber = strings.TrimSpace(req.PhoneNumber)
	if req.PhoneNumber == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "phone_number is required"})
	}

	r := c.Request()
	sid, err := h.calls.PlaceCall(r.Context(), telephony.OutboundCall{
		To:                req.PhoneNumber,
		AnswerURL:         h.publicURL(r, "/twilio/outbound"),
		StatusCallback:    h.publicURL(r, "/twilio/call-status"),
		RecordingCallback: h.publicURL(r, "/twilio/recording-status"),
	})
	if err != nil {
		h.logger.Error("place call", "to", req.PhoneNumber, "error", err)
		return c.JSON(http.StatusBadGateway, errorResponse{Error: err.Error()})
	}

	// Twilio may already have hit /twilio/outbound; Register never downgrades
	// the status it set.
	info := h.registry.Register(stream.CallInfo{
		SID:          sid,
		Direction:    stream.DirectionOutbound,
		To:           req.PhoneNumber,
		Instructions: strings.TrimSpace(req.SystemInstructions),
		StartedAt:    h.now().UTC(),
	})
	h.recordCall(r.Context(), info)
	h.logger.Info("outbound call placed", "call_sid", sid, "to", req.PhoneNumber)
	return c.JSON(http.StatusCreated, callResponse{CallSID: sid, Status: stream.StatusInitiated})
}

func (h *Handlers) getCall(c echo.Context) error {
	info, ok := h.registry.Call(c.Param("sid"))
	if !ok {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "call not found"})
	}
	return c.JSON(http.StatusOK, info)
}

func (h *Handlers) endCall(c echo.Context) error {
	sid := c.Param("sid")
	if _, ok := h.registry.Call(sid); !ok {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "call not found"})
	}
	if err := h.calls.EndCall(c.Request().Context(), sid); err != nil {
		h.logger.Error("end call", "call_sid", sid, "error", err)
		return c.JSON(http.StatusBadGateway, errorResponse{Error: err.Error()})
	}
	if err := h.registry.UpdateStatus(sid, stream.StatusEnded, h.now()); err != nil {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "call not found"})
	}
	return c.JSON(http.StatusOK, callResponse{CallSID: sid, Status: stream.StatusEnded})
}
