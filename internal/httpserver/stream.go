package httpserver

import (
	"context"
	"errors"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/chadiek/voicecall/internal/store"
	"github.com/chadiek/voicecall/internal/stream"
	"github.com/chadiek/voicecall/internal/telephony"
)

// mediaStream upgrades to the Twilio Media Streams websocket and runs one stream
// session over it until the call ends.
func (h *Handlers) mediaStream(c echo.Context) error {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already replied.
		h.logger.Warn("websocket upgrade failed", "error", err)
		return nil
	}
	ms := telephony.NewMediaStream(ws)
	defer ms.Close()

	startCtx, cancel := context.WithTimeout(h.baseCtx, h.startTimeout)
	sid, err := ms.WaitStart(startCtx)
	cancel()
	if err != nil {
		h.logger.Warn("media stream never started", "path_sid", c.Param("sid"), "error", err)
		return nil
	}
	if want := c.Param("sid"); want != "" && want != sid {
		h.logger.Warn("stream call sid differs from URL", "call_sid", sid, "path_sid", want)
	}
	log := h.logger.With("call_sid", sid, "stream_sid", ms.StreamSID())

	sess, err := h.registry.Open(sid, h.now())
	if err != nil {
		if errors.Is(err, stream.ErrSessionExists) {
			log.Warn("duplicate stream for call, rejecting")
		} else {
			log.Error("open session", "error", err)
		}
		return nil
	}
	if info, ok := h.registry.Call(sid); ok {
		h.recordCall(h.baseCtx, info)
	}

	log.Info("stream session started")
	if err := h.coordinator.Run(h.baseCtx, sess, ms); err != nil {
		log.Error("stream session failed", "error", err)
	}

	now := h.now()
	info, err := h.registry.Close(sid, now)
	if err != nil {
		log.Error("close session", "error", err)
	}
	if h.store != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(h.baseCtx), 10*time.Second)
		defer cancel()
		if err := h.store.MarkCallEnded(ctx, sid, now); err != nil && !errors.Is(err, store.ErrCallNotFound) {
			log.Error("mark call ended", "error", err)
		}
	}
	log.Info("stream session ended", "status", info.Status, "exchanges", len(info.History))
	return nil
}
