package transcript

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/tether-agent/tether/internal/common/config"
	"github.com/tether-agent/tether/internal/common/logger"
	"github.com/tether-agent/tether/internal/common/pathutil"
	"github.com/tether-agent/tether/internal/events"
	"github.com/tether-agent/tether/internal/events/bus"
	"github.com/tether-agent/tether/internal/state"
)

// CaptureLayer identifies which capture path produced a response.
type CaptureLayer string

const (
	LayerHook           CaptureLayer = "hook"
	LayerRetry          CaptureLayer = "retry"
	LayerBackgroundPoll CaptureLayer = "backgroundPoll"
	LayerPaneCapture    CaptureLayer = "paneCapture"
)

// Hook events accepted on /hook/response.
const (
	HookStop             = "Stop"
	HookSubagentStop     = "SubagentStop"
	HookPostToolUse      = "PostToolUse"
	HookUserPromptSubmit = "UserPromptSubmit"
)

// AssistantResponse is a finalized assistant utterance destined for a channel.
type AssistantResponse struct {
	Text                 string       `json:"text"`
	TranscriptLineNumber int          `json:"transcriptLineNumber"`
	CaptureLayer         CaptureLayer `json:"captureLayer"`
	ElapsedMs            int64        `json:"elapsedMs"`
	HookEvent            string       `json:"hookEvent,omitempty"`
	Fingerprint          string       `json:"fingerprint"`
	CapturedAt           time.Time    `json:"capturedAt"`
}

// DeliveryRecord is one line of the append-only delivery log.
type DeliveryRecord struct {
	Event        string    `json:"event"` // delivered | retry-exhausted
	Layer        string    `json:"layer,omitempty"`
	Recipient    string    `json:"recipient,omitempty"`
	Fingerprint  string    `json:"fingerprint,omitempty"`
	ElapsedMs    int64     `json:"elapsedMs"`
	RetryAttempt int       `json:"retryAttempt,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Deliverer hands a captured response to the channel router. It returns the
// recipient the response was dispatched to, empty when the channel has no
// outbound side (terminal, silent) or the response was held.
type Deliverer interface {
	Route(ctx context.Context, response *AssistantResponse) (string, error)
}

// PaneCapturer is the pane-scrape fallback, satisfied by the session bridge.
type PaneCapturer interface {
	CapturePane(ctx context.Context, nLines int) (string, error)
}

type turnPhase int

const (
	phaseIdle turnPhase = iota
	phaseAwaiting
)

// Stream reconstructs assistant responses from the transcript file through
// four capture layers and delivers each at most once.
type Stream struct {
	cfg      config.TranscriptConfig
	tailer   *Tailer
	dedup    *lruSet
	noise    *noiseFilter
	deliver  Deliverer
	pane     PaneCapturer
	log      *state.JSONLWriter
	eventBus bus.EventBus
	logger   *logger.Logger

	// Collapses concurrent hook storms into one tail-parse.
	parseGroup singleflight.Group

	mu          sync.Mutex
	phase       turnPhase
	turnStarted time.Time
	turnCancel  context.CancelFunc

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewStream wires the transcript stream. The tailer is positioned at the end
// of any existing transcript so history is never redelivered on restart.
func NewStream(
	cfg config.TranscriptConfig,
	tailer *Tailer,
	deliver Deliverer,
	pane PaneCapturer,
	deliveryLog *state.JSONLWriter,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Stream {
	return &Stream{
		cfg:      cfg,
		tailer:   tailer,
		dedup:    newLRUSet(cfg.DedupWindow),
		noise:    newNoiseFilter(cfg.StatusLineFilters),
		deliver:  deliver,
		pane:     pane,
		log:      deliveryLog,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "transcript-stream")),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the background poll layer.
func (s *Stream) Start(ctx context.Context) {
	interval := time.Duration(s.cfg.PollInterval) * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.scan(context.Background(), LayerBackgroundPoll, "")
			}
		}
	}()

	s.logger.Info("transcript stream started",
		zap.String("transcript", s.tailer.Path()),
		zap.Duration("poll_interval", interval))
}

// Stop halts the background layers and waits for workers to finish.
func (s *Stream) Stop() {
	close(s.stopCh)
	s.mu.Lock()
	if s.turnCancel != nil {
		s.turnCancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Info("transcript stream stopped")
}

// NoteInjection marks the turn awaiting-response and arms the tight retry
// loop and the pane-capture fallback. Called by whoever injects user text.
func (s *Stream) NoteInjection(ctx context.Context) {
	s.mu.Lock()
	if s.turnCancel != nil {
		s.turnCancel()
	}
	turnCtx, cancel := context.WithCancel(context.Background())
	s.phase = phaseAwaiting
	s.turnStarted = time.Now()
	s.turnCancel = cancel
	started := s.turnStarted
	s.mu.Unlock()

	s.publish(events.TurnStarted, map[string]interface{}{"started_at": started})

	s.wg.Add(1)
	go s.retryLoop(turnCtx)
}

// retryLoop is capture layer 2 (tight retry) plus the layer-4 fallback.
func (s *Stream) retryLoop(ctx context.Context) {
	defer s.wg.Done()

	retryInterval := time.Duration(s.cfg.RetryInterval) * time.Millisecond
	if retryInterval <= 0 {
		retryInterval = 500 * time.Millisecond
	}
	retryHorizon := time.Duration(s.cfg.RetryHorizon) * time.Second
	if retryHorizon <= 0 {
		retryHorizon = 30 * time.Second
	}
	paneAfter := time.Duration(s.cfg.PaneCaptureAfter) * time.Second
	if paneAfter <= 0 {
		paneAfter = 60 * time.Second
	}

	deadline := time.Now().Add(retryHorizon)
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	attempt := 0
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			attempt++
			if s.scan(ctx, LayerRetry, "") {
				return
			}
		}
	}

	// Tight retry gave up; wait out the rest of the pane-capture delay.
	remaining := paneAfter - retryHorizon
	if remaining > 0 {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-time.After(remaining):
		}
	}

	if s.capturePaneFallback(ctx) {
		return
	}

	s.exhaust(attempt)
}

// HandleHook is capture layer 1. Concurrent hook deliveries for the same
// turn collapse into a single tail-parse.
func (s *Stream) HandleHook(ctx context.Context, transcriptPath, hookEvent string) error {
	switch hookEvent {
	case HookStop, HookSubagentStop, HookPostToolUse, HookUserPromptSubmit:
	default:
		return fmt.Errorf("unknown hook event: %s", hookEvent)
	}

	if transcriptPath != "" {
		s.tailer.Retarget(pathutil.ExpandHome(transcriptPath))
	}

	_, err, _ := s.parseGroup.Do("tail-parse", func() (interface{}, error) {
		s.scan(ctx, LayerHook, hookEvent)
		return nil, nil
	})
	return err
}

// scan reads new transcript lines and delivers the last assistant candidate
// if its fingerprint has not been seen. Returns true when a delivery happened.
func (s *Stream) scan(ctx context.Context, layer CaptureLayer, hookEvent string) bool {
	lines, firstLine, err := s.tailer.ReadNew()
	if err != nil {
		s.logger.Warn("transcript read failed", zap.Error(err))
		return false
	}
	if len(lines) == 0 {
		return false
	}

	candidate := lastAssistantCandidate(lines, firstLine, s.cfg.VerboseThinking)
	if candidate == nil {
		return false
	}

	return s.deliverCandidate(ctx, candidate.Text, candidate.LineNumber, layer, hookEvent)
}

// capturePaneFallback is capture layer 4.
func (s *Stream) capturePaneFallback(ctx context.Context) bool {
	if s.pane == nil {
		return false
	}

	nLines := s.cfg.PaneCaptureLines
	if nLines <= 0 {
		nLines = 30
	}

	raw, err := s.pane.CapturePane(ctx, nLines)
	if err != nil {
		s.logger.Warn("pane capture failed", zap.Error(err))
		return false
	}

	cleaned := s.noise.Clean(raw)
	if cleaned == "" {
		s.logger.Debug("pane capture held only chrome, discarded")
		return false
	}

	return s.deliverCandidate(ctx, cleaned, 0, LayerPaneCapture, "")
}

// deliverCandidate applies fingerprint dedup, routes the response, records
// the delivery with the routed recipient, and returns the turn to idle. At
// most one delivery per turn.
func (s *Stream) deliverCandidate(ctx context.Context, text string, lineNumber int, layer CaptureLayer, hookEvent string) bool {
	fp := Fingerprint(text)
	if !s.dedup.Add(fp) {
		s.logger.Debug("duplicate fingerprint dropped",
			zap.String("fingerprint", fp),
			zap.String("layer", string(layer)))
		return false
	}

	s.mu.Lock()
	var elapsed int64
	if s.phase == phaseAwaiting {
		elapsed = time.Since(s.turnStarted).Milliseconds()
	}
	s.phase = phaseIdle
	if s.turnCancel != nil {
		s.turnCancel()
		s.turnCancel = nil
	}
	s.mu.Unlock()

	response := &AssistantResponse{
		Text:                 text,
		TranscriptLineNumber: lineNumber,
		CaptureLayer:         layer,
		ElapsedMs:            elapsed,
		HookEvent:            hookEvent,
		Fingerprint:          fp,
		CapturedAt:           time.Now().UTC(),
	}

	recipient, err := s.deliver.Route(ctx, response)
	if err != nil {
		s.logger.Error("route failed",
			zap.String("fingerprint", fp),
			zap.Error(err))
	}

	s.record(&DeliveryRecord{
		Event:       "delivered",
		Layer:       string(layer),
		Fingerprint: fp,
		Recipient:   recipient,
		ElapsedMs:   elapsed,
		Timestamp:   response.CapturedAt,
	})

	s.publish(events.ResponseCaptured, map[string]interface{}{
		"fingerprint": fp,
		"layer":       string(layer),
		"line":        lineNumber,
		"elapsed_ms":  elapsed,
	})

	s.logger.Info("assistant response captured",
		zap.String("layer", string(layer)),
		zap.String("fingerprint", fp),
		zap.Int("line", lineNumber),
		zap.Int64("elapsed_ms", elapsed))
	return true
}

// exhaust records that all four layers failed within the horizon.
func (s *Stream) exhaust(attempts int) {
	s.mu.Lock()
	if s.phase != phaseAwaiting {
		s.mu.Unlock()
		return
	}
	elapsed := time.Since(s.turnStarted).Milliseconds()
	s.phase = phaseIdle
	s.turnCancel = nil
	s.mu.Unlock()

	s.record(&DeliveryRecord{
		Event:        "retry-exhausted",
		ElapsedMs:    elapsed,
		RetryAttempt: attempts,
		Timestamp:    time.Now().UTC(),
	})

	s.publish(events.TurnExhausted, map[string]interface{}{
		"elapsed_ms": elapsed,
		"attempts":   attempts,
	})

	s.logger.Error("retry-exhausted",
		zap.Int64("elapsed_ms", elapsed),
		zap.Int("attempts", attempts))
}

func (s *Stream) record(rec *DeliveryRecord) {
	if s.log == nil {
		return
	}
	if err := s.log.Append(rec); err != nil {
		s.logger.Error("failed to append delivery record", zap.Error(err))
	}
}

func (s *Stream) publish(eventType string, data map[string]interface{}) {
	if s.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "transcript-stream", data)
	if err := s.eventBus.Publish(context.Background(), eventType, event); err != nil {
		s.logger.Warn("event publish failed", zap.String("type", eventType), zap.Error(err))
	}
}
