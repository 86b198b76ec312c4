// Package analysis reviews live call transcripts in the background: it flags
// problematic caller turns and periodically scores the conversation.
package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chadiek/voicecall/internal/metrics"
	"github.com/chadiek/voicecall/internal/store"
	"github.com/chadiek/voicecall/internal/stream"
	"github.com/chadiek/voicecall/internal/workerpool"
)

// JSONModel asks a language model for a JSON object and decodes it into out.
type JSONModel interface {
	GenerateJSON(ctx context.Context, system, user string, out any) error
}

// Sink stores analysis results.
type Sink interface {
	InsertEvent(ctx context.Context, e store.Event) error
	InsertScore(ctx context.Context, s store.Score) error
}

const (
	defaultEventType   = "inappropriate_behavior"
	defaultDescription = "Inappropriate user behavior detected"
	defaultPoliteness  = 5.0
)

const behaviorPrompt = `You analyze customer service conversations.
The caller is playing a customer service representative. Decide whether their message shows any of:
rudeness or unprofessional language, interrupting the conversation, incorrect information,
an inappropriate tone, or not acting like a professional support agent.
Respond with a JSON object:
{"issue_detected": bool, "issue_type": "rudeness|interruption|misinformation|inappropriate_tone|unprofessional", "description": string, "severity": 1-10}
When nothing is wrong set "issue_detected" to false and leave the other fields empty.`

const qualityPrompt = `You evaluate customer service quality.
The human in the transcript is playing a customer service representative and the assistant is the customer.
Rate the human on politeness and professionalism, helpfulness, clear communication and fit to the customer's needs.
Respond with a JSON object:
{"politeness_score": 0-10, "helpfulness_score": 0-10, "communication_score": 0-10, "overall_score": 0-10,
 "strengths": [string], "areas_for_improvement": [string], "summary": string}`

type behaviorVerdict struct {
	IssueDetected bool   `json:"issue_detected"`
	IssueType     string `json:"issue_type"`
	Description   string `json:"description"`
	Severity      int    `json:"severity"`
}

type qualityVerdict struct {
	Politeness    *float64 `json:"politeness_score"`
	Helpfulness   float64  `json:"helpfulness_score"`
	Communication float64  `json:"communication_score"`
	Overall       float64  `json:"overall_score"`
	Summary       string   `json:"summary"`
}

type Options struct {
	// ScoreEvery scores the conversation on exchanges 1, 1+n, 1+2n, ...
	ScoreEvery int
	Timeout    time.Duration
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// Analyzer runs behaviour checks and quality scoring on its own worker pool,
// apart from the one serving live replies. It implements agent.Observer.
type Analyzer struct {
	model      JSONModel
	sink       Sink
	pool       *workerpool.Pool
	scoreEvery int
	timeout    time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	ctx context.Context
	wg  sync.WaitGroup
}

// New returns an Analyzer whose background work lives until ctx is done.
func New(ctx context.Context, model JSONModel, sink Sink, pool *workerpool.Pool, opts Options) *Analyzer {
	if opts.ScoreEvery < 1 {
		opts.ScoreEvery = 2
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if pool == nil {
		pool = workerpool.New(5)
	}
	return &Analyzer{
		model:      model,
		sink:       sink,
		pool:       pool,
		scoreEvery: opts.ScoreEvery,
		timeout:    opts.Timeout,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		now:        time.Now,
		ctx:        ctx,
	}
}

// ShouldScore reports whether the conversation is scored after the given
// number of exchanges.
func (a *Analyzer) ShouldScore(exchanges int) bool {
	return exchanges > 0 && (exchanges-1)%a.scoreEvery == 0
}

// Observe schedules analysis of the latest exchange and returns immediately.
func (a *Analyzer) Observe(callID string, startedAt time.Time, history []stream.Exchange) {
	if len(history) == 0 {
		return
	}
	score := a.ShouldScore(len(history))
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.pool.Do(a.ctx, func(ctx context.Context) error {
			a.analyze(ctx, callID, startedAt, history, score)
			return nil
		})
	}()
}

// Wait blocks until scheduled analyses have finished.
func (a *Analyzer) Wait() { a.wg.Wait() }

func (a *Analyzer) analyze(ctx context.Context, callID string, startedAt time.Time, history []stream.Exchange, score bool) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	log := a.logger.With("call_sid", callID)

	if err := a.checkBehavior(ctx, callID, startedAt, history[len(history)-1]); err != nil {
		log.Warn("behaviour analysis failed", "error", err)
	}
	if !score {
		return
	}
	if err := a.scoreQuality(ctx, callID, history); err != nil {
		log.Warn("quality scoring failed", "error", err)
	}
}

func (a *Analyzer) checkBehavior(ctx context.Context, callID string, startedAt time.Time, last stream.Exchange) error {
	if strings.TrimSpace(last.User) == "" {
		return nil
	}
	var v behaviorVerdict
	if err := a.model.GenerateJSON(ctx, behaviorPrompt, fmt.Sprintf("User message: %q", last.User), &v); err != nil {
		a.metrics.Analysis("behavior", "error")
		return fmt.Errorf("classify message: %w", err)
	}
	if !v.IssueDetected {
		a.metrics.Analysis("behavior", "clean")
		return nil
	}

	ev := store.Event{
		CallID:       callID,
		Timestamp:    last.At,
		TimeIntoCall: last.At.Sub(startedAt).Seconds(),
		Type:         v.IssueType,
		Description:  v.Description,
	}
	if ev.Type == "" {
		ev.Type = defaultEventType
	}
	if ev.Description == "" {
		ev.Description = defaultDescription
	}
	if ev.TimeIntoCall < 0 {
		ev.TimeIntoCall = 0
	}
	if err := a.sink.InsertEvent(ctx, ev); err != nil {
		a.metrics.Analysis("behavior", "error")
		return fmt.Errorf("store event: %w", err)
	}
	a.metrics.Analysis("behavior", "flagged")
	a.logger.Info("caller behaviour flagged", "call_sid", callID, "type", ev.Type, "severity", v.Severity)
	return nil
}

func (a *Analyzer) scoreQuality(ctx context.Context, callID string, history []stream.Exchange) error {
	var v qualityVerdict
	if err := a.model.GenerateJSON(ctx, qualityPrompt, FormatTranscript(history), &v); err != nil {
		a.metrics.Analysis("quality", "error")
		return fmt.Errorf("score conversation: %w", err)
	}
	politeness := defaultPoliteness
	if v.Politeness != nil {
		politeness = *v.Politeness
	}
	if err := a.sink.InsertScore(ctx, store.Score{CallID: callID, Timestamp: a.now(), Politeness: politeness}); err != nil {
		a.metrics.Analysis("quality", "error")
		return fmt.Errorf("store score: %w", err)
	}
	a.metrics.Analysis("quality", "scored")
	return nil
}

// FormatTranscript renders exchanges as "USER: ..." / "ASSISTANT: ..." blocks.
func FormatTranscript(history []stream.Exchange) string {
	var b strings.Builder
	for _, e := range history {
		fmt.Fprintf(&b, "USER: %s\n\nASSISTANT: %s\n\n", e.User, e.Assistant)
	}
	return b.String()
}
