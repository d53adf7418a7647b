package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/PersonaPipe/internal/models"
	"github.com/BTreeMap/PersonaPipe/internal/store"
)

// InboundHandler processes one inbound user message.
type InboundHandler func(ctx context.Context, msg models.InboundMessage) error

// ResponseHandler drains a Service's Responses channel, drops redeliveries and runs
// the InboundHandler for each message in its own goroutine.
type ResponseHandler struct {
	msgService Service
	handle     InboundHandler
	dedup      store.DedupRepo
	wg         sync.WaitGroup
	quit       chan struct{}
	quitOnce   sync.Once
}

// ResponseHandlerOption configures a ResponseHandler.
type ResponseHandlerOption func(*ResponseHandler)

// WithDedup drops messages whose platform id was already recorded.
func WithDedup(repo store.DedupRepo) ResponseHandlerOption {
	return func(rh *ResponseHandler) { rh.dedup = repo }
}

// NewResponseHandler creates a ResponseHandler.
func NewResponseHandler(msgService Service, handle InboundHandler, opts ...ResponseHandlerOption) *ResponseHandler {
	rh := &ResponseHandler{msgService: msgService, handle: handle, quit: make(chan struct{})}
	for _, opt := range opts {
		opt(rh)
	}
	return rh
}

// ProcessResponse validates, deduplicates and handles one inbound message. Duplicates
// and malformed messages are skipped without error.
func (rh *ResponseHandler) ProcessResponse(ctx context.Context, msg models.InboundMessage) error {
	if err := msg.Validate(); err != nil {
		slog.Debug("ResponseHandler.ProcessResponse: skipping malformed message", "reason", err, "from", msg.SenderID)
		return nil
	}

	if rh.dedup != nil && msg.MessageID != "" {
		first, err := rh.dedup.RecordInbound(msg.MessageID, msg.SenderID)
		if err != nil {
			slog.Warn("ResponseHandler.ProcessResponse: dedup check failed, processing anyway", "error", err, "messageID", msg.MessageID)
		} else if !first {
			slog.Info("ResponseHandler.ProcessResponse: duplicate delivery dropped", "messageID", msg.MessageID, "from", msg.SenderID)
			return nil
		}
	}

	if err := rh.handle(ctx, msg); err != nil {
		return fmt.Errorf("inbound handler failed: %w", err)
	}

	if rh.dedup != nil && msg.MessageID != "" {
		if err := rh.dedup.MarkProcessed(msg.MessageID); err != nil {
			slog.Debug("ResponseHandler.ProcessResponse: mark processed failed", "error", err, "messageID", msg.MessageID)
		}
	}
	return nil
}

// Start begins processing responses from the messaging service until the channel
// closes, StopReceiving is called or ctx is cancelled.
func (rh *ResponseHandler) Start(ctx context.Context) {
	slog.Info("ResponseHandler starting response processing")

	rh.wg.Add(1)
	go func() {
		defer rh.wg.Done()
		defer slog.Info("ResponseHandler stopped response processing")

		for {
			select {
			case msg, ok := <-rh.msgService.Responses():
				if !ok {
					slog.Debug("ResponseHandler responses channel closed")
					return
				}
				rh.wg.Add(1)
				go func(m models.InboundMessage) {
					defer rh.wg.Done()
					if err := rh.ProcessResponse(ctx, m); err != nil {
						slog.Error("ResponseHandler failed to process response", "error", err, "from", m.SenderID)
					}
				}(msg)
			case <-rh.quit:
				slog.Debug("ResponseHandler no longer accepting messages")
				return
			case <-ctx.Done():
				slog.Debug("ResponseHandler stopping due to context cancellation")
				return
			}
		}
	}()
}

// StopReceiving ends the processing loop without cancelling messages already being
// handled. It is safe to call more than once.
func (rh *ResponseHandler) StopReceiving() {
	rh.quitOnce.Do(func() { close(rh.quit) })
}

// Wait blocks until the processing loop and every in-flight message have finished.
func (rh *ResponseHandler) Wait() {
	rh.wg.Wait()
}
