// Package stream runs live call sessions: voice activity detection on the
// inbound audio, paced playback of synthesized replies, and a keep-alive,
// all against one duplex connection.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/chadiek/voicecall/internal/metrics"
	"github.com/chadiek/voicecall/internal/vad"
	"github.com/chadiek/voicecall/internal/workerpool"
)

// Config tunes one session's duties.
type Config struct {
	VAD vad.Config

	ReceiveTimeout    time.Duration
	InactivityTimeout time.Duration
	HeartbeatInterval time.Duration
	SendPoll          time.Duration
	SendPacing        time.Duration
	GracePeriod       time.Duration
	SendChunkSize     int
	// MaxInFlight caps utterance tasks running per session.
	MaxInFlight int
	// HeartbeatPayload is sent when the connection has no KeepAlive of its own.
	HeartbeatPayload []byte
}

func DefaultConfig() Config {
	return Config{
		VAD:               vad.DefaultConfig(),
		ReceiveTimeout:    time.Second,
		InactivityTimeout: 30 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		SendPoll:          100 * time.Millisecond,
		SendPacing:        10 * time.Millisecond,
		GracePeriod:       5 * time.Second,
		SendChunkSize:     1024,
		MaxInFlight:       1,
		HeartbeatPayload:  []byte{0},
	}
}

func (c Config) Validate() error {
	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad: %w", err)
	}
	durations := map[string]time.Duration{
		"receive timeout":    c.ReceiveTimeout,
		"inactivity timeout": c.InactivityTimeout,
		"heartbeat interval": c.HeartbeatInterval,
		"send poll":          c.SendPoll,
		"grace period":       c.GracePeriod,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.SendPacing < 0 {
		return fmt.Errorf("send pacing must not be negative, got %s", c.SendPacing)
	}
	if c.SendChunkSize <= 0 {
		return fmt.Errorf("send chunk size must be positive, got %d", c.SendChunkSize)
	}
	if c.MaxInFlight <= 0 {
		return fmt.Errorf("max in flight must be positive, got %d", c.MaxInFlight)
	}
	return nil
}

// UtteranceHandler turns a finished utterance into a reply. It runs off the
// receive path and must leave the session state consistent when it returns.
type UtteranceHandler interface {
	HandleUtterance(ctx context.Context, sess *Session, u vad.Utterance)
}

// UtteranceHandlerFunc adapts a function to UtteranceHandler.
type UtteranceHandlerFunc func(ctx context.Context, sess *Session, u vad.Utterance)

func (f UtteranceHandlerFunc) HandleUtterance(ctx context.Context, sess *Session, u vad.Utterance) {
	f(ctx, sess, u)
}

// Coordinator runs the receive, send and heartbeat duties for sessions.
// One Coordinator serves every session in the process.
type Coordinator struct {
	cfg     Config
	handler UtteranceHandler
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewCoordinator(cfg Config, handler UtteranceHandler, logger *slog.Logger, m *metrics.Metrics) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{cfg: cfg, handler: handler, logger: logger, metrics: m, now: time.Now}
}

type dutyResult struct {
	name string
	err  error
}

// Run drives sess over conn until the first duty finishes, then gives the
// others GracePeriod to stop before cancelling them, and closes conn.
// Remote hang-up, inactivity and cancellation of ctx end a session cleanly
// and yield a nil error.
func (c *Coordinator) Run(ctx context.Context, sess *Session, conn Conn) error {
	log := c.logger.With("call_sid", sess.ID)
	started := c.now()
	c.metrics.SessionOpened()

	// term is the cooperative termination signal; force additionally
	// aborts blocking I/O once the grace period is over.
	termCtx, terminate := context.WithCancel(ctx)
	defer terminate()
	forceCtx, force := context.WithCancel(context.WithoutCancel(ctx))
	defer force()

	var closeOnce sync.Once
	closeConn := func() {
		closeOnce.Do(func() {
			if err := conn.Close(); err != nil {
				log.Warn("close connection", "error", err)
			}
		})
	}

	results := make(chan dutyResult, 3)
	var wg sync.WaitGroup
	start := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- dutyResult{name: name, err: fn()}
		}()
	}
	start("receive", func() error { return c.receive(termCtx, forceCtx, sess, conn, log) })
	start("send", func() error { return c.send(termCtx, forceCtx, sess, conn) })
	start("heartbeat", func() error { return c.heartbeat(termCtx, forceCtx, conn) })

	var first dutyResult
	select {
	case first = <-results:
	case <-ctx.Done():
		first = dutyResult{name: "parent", err: ctx.Err()}
	}
	log.Info("terminating session", "duty", first.name, "reason", first.err)
	terminate()

	stopped := make(chan struct{})
	go func() {
		wg.Wait()
		close(stopped)
	}()
	grace := time.NewTimer(c.cfg.GracePeriod)
	select {
	case <-stopped:
		grace.Stop()
	case <-grace.C:
		log.Warn("duties still running after grace period, cancelling")
		force()
		// Closing unblocks transports that ignore context.
		closeConn()
		<-stopped
	}
	closeConn()

	// Give an in-flight utterance the same grace to finish its bookkeeping,
	// even after a forced cancel.
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.GracePeriod)
	if err := sess.tasks.Wait(waitCtx); err != nil {
		log.Warn("utterance task still running at close", "error", err)
	}
	cancel()
	sess.SetState(StateClosed)

	reason, err := classify(first)
	c.metrics.SessionClosed(reason, c.now().Sub(started))
	log.Info("session closed", "reason", reason, "duration", c.now().Sub(started))
	return err
}

func classify(r dutyResult) (string, error) {
	switch {
	case r.name == "parent":
		return "shutdown", nil
	case errors.Is(r.err, ErrInactivityTimeout):
		return "inactivity", nil
	case errors.Is(r.err, io.EOF):
		return "remote_hangup", nil
	case r.err == nil:
		return "done", nil
	case r.name == "heartbeat":
		return "heartbeat_failed", fmt.Errorf("%s: %w", r.name, r.err)
	default:
		return "transport_error", fmt.Errorf("%s: %w", r.name, r.err)
	}
}

// receive feeds inbound frames to the detector in arrival order and hands
// finished utterances off without waiting for them.
func (c *Coordinator) receive(ctx, ioCtx context.Context, sess *Session, conn Conn, log *slog.Logger) error {
	det := vad.NewDetector(c.cfg.VAD)
	for {
		if ctx.Err() != nil {
			return nil
		}
		frame, err := conn.ReceiveFrame(ioCtx, c.cfg.ReceiveTimeout)
		if errors.Is(err, ErrReceiveTimeout) {
			if idle := c.now().Sub(sess.LastActivity()); idle > c.cfg.InactivityTimeout {
				log.Info("no audio received", "idle", idle)
				return ErrInactivityTimeout
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		sess.Touch(c.now())

		u, ok := det.Push(frame)
		if !ok {
			continue
		}
		c.metrics.UtteranceDetected()
		c.dispatch(ctx, sess, u, log)
	}
}

func (c *Coordinator) dispatch(ctx context.Context, sess *Session, u vad.Utterance, log *slog.Logger) {
	if st := sess.State(); st != StateListening {
		log.Debug("dropping utterance", "state", st, "frames", len(u))
		c.metrics.UtteranceDropped("busy")
		return
	}
	err := sess.tasks.TryGo(ctx, func(ctx context.Context) {
		c.handler.HandleUtterance(ctx, sess, u)
	})
	if errors.Is(err, workerpool.ErrBusy) {
		log.Debug("dropping utterance, task in flight", "frames", len(u))
		c.metrics.UtteranceDropped("in_flight")
	}
}

// send is the playback scheduler. It drains the session's playback slot in
// paced chunks and returns the session to LISTENING once a payload has been
// played out in full.
func (c *Coordinator) send(ctx, ioCtx context.Context, sess *Session, conn Conn) error {
	pb := sess.Playback()
	poll := time.NewTicker(c.cfg.SendPoll)
	defer poll.Stop()
	for {
		payload, gen, ok := pb.Peek()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-poll.C:
			}
			continue
		}

		complete, err := c.play(ctx, ioCtx, pb, conn, payload, gen)
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		if !complete {
			c.metrics.PlaybackReplaced()
			// The far end may still hold chunks of the abandoned payload.
			if cl, ok := conn.(Clearer); ok {
				if err := cl.Clear(ioCtx); err != nil {
					return fmt.Errorf("clear playback: %w", err)
				}
			}
			continue
		}
		if pb.ClearIf(gen) {
			sess.CompareAndSwapState(StateResponding, StateListening)
		}
	}
}

// play writes payload chunk by chunk. It reports false without error when
// the payload was replaced or the session terminated part way through.
func (c *Coordinator) play(ctx, ioCtx context.Context, pb *Playback, conn Conn, payload []byte, gen uint64) (bool, error) {
	size := c.cfg.SendChunkSize
	for off := 0; off < len(payload); off += size {
		if ctx.Err() != nil || !pb.Current(gen) {
			return false, nil
		}
		end := min(off+size, len(payload))
		if err := conn.SendFrame(ioCtx, payload[off:end]); err != nil {
			return false, fmt.Errorf("send chunk: %w", err)
		}
		c.metrics.PlaybackSent(end - off)
		if end == len(payload) || c.cfg.SendPacing == 0 {
			continue
		}
		pace := time.NewTimer(c.cfg.SendPacing)
		select {
		case <-ctx.Done():
			pace.Stop()
			return false, nil
		case <-pace.C:
		}
	}
	return true, nil
}

// heartbeat keeps the connection alive. A failed beat means the connection
// is dead.
func (c *Coordinator) heartbeat(ctx, ioCtx context.Context, conn Conn) error {
	beat := func() error {
		if ka, ok := conn.(KeepAliver); ok {
			return ka.KeepAlive(ioCtx)
		}
		return conn.SendFrame(ioCtx, c.cfg.HeartbeatPayload)
	}
	t := time.NewTicker(c.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		if err := beat(); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.metrics.HeartbeatFailed()
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
