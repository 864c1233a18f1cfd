// Package outbox runs the in-process event bus behind the outbox ports.
package outbox

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	domoutbox "github.com/gamekeys/backend/internal/domain/outbox"
	"github.com/gamekeys/backend/internal/observability"
	"github.com/gamekeys/backend/internal/observability/logctx"
)

const (
	queueDepth     = 1024
	handlerFanout  = 8 // concurrent handlers per event
	handlerTimeout = 30 * time.Second
)

// Bus delivers events to subscribers within a single process. It is not
// durable; a multi-node deployment would persist events and dispatch from a
// relay worker instead.
type Bus struct {
	mu    sync.RWMutex
	subs  map[string][]domoutbox.Handler
	queue chan domoutbox.Event

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	log       observability.Logger
}

func NewBus(logger observability.Logger) *Bus {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Bus{
		subs:  make(map[string][]domoutbox.Handler),
		queue: make(chan domoutbox.Event, queueDepth),
		log:   logger.With(observability.F("component", "outbox")),
	}
}

func (b *Bus) Subscribe(eventName string, h domoutbox.Handler) {
	b.mu.Lock()
	b.subs[eventName] = append(b.subs[eventName], h)
	b.mu.Unlock()
}

// Start spawns the dispatch loop. Subsequent calls are no-ops.
func (b *Bus) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		loopCtx, cancel := context.WithCancel(ctx)
		b.cancel = cancel
		go func() {
			for {
				select {
				case <-loopCtx.Done():
					return
				case e, ok := <-b.queue:
					if !ok {
						return
					}
					b.deliver(loopCtx, e)
				}
			}
		}()
		logctx.FromOr(ctx, b.log).Info("event_bus_started")
	})
}

func (b *Bus) Stop(ctx context.Context) {
	b.stopOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}
		close(b.queue)
		logctx.FromOr(ctx, b.log).Info("event_bus_stopped")
	})
}

func (b *Bus) Publish(ctx context.Context, e domoutbox.Event) error {
	if e == nil {
		return nil
	}
	select {
	case b.queue <- e:
		logctx.FromOr(ctx, b.log).Debug("event_enqueued",
			observability.F("event", e.EventName()),
		)
		return nil
	case <-ctx.Done():
		logctx.FromOr(ctx, b.log).Warn("event_enqueue_aborted",
			observability.F("event", e.EventName()),
			observability.F("error", ctx.Err()),
		)
		return ctx.Err()
	}
}

func (b *Bus) deliver(ctx context.Context, e domoutbox.Event) {
	name := e.EventName()

	b.mu.RLock()
	handlers := append([]domoutbox.Handler(nil), b.subs[name]...)
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.log.Debug("event_dropped_no_subscriber", observability.F("event", name))
		return
	}

	// Handlers outlive the publisher's request.
	ctx = context.WithoutCancel(ctx)
	eventLog := b.log.With(observability.F("event", name))

	sem := make(chan struct{}, handlerFanout)
	var wg sync.WaitGroup
	for _, h := range handlers {
		sem <- struct{}{}
		wg.Add(1)
		go func(h domoutbox.Handler) {
			defer wg.Done()
			defer func() { <-sem }()
			b.run(ctx, h, e, eventLog)
		}(h)
	}
	wg.Wait()
}

func (b *Bus) run(ctx context.Context, h domoutbox.Handler, e domoutbox.Event, log observability.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("event_handler_panic",
				observability.F("panic", r),
				observability.F("stack", string(debug.Stack())),
			)
		}
	}()

	hctx, cancel := context.WithTimeout(logctx.With(ctx, log), handlerTimeout)
	defer cancel()

	if err := h(hctx, e); err != nil {
		log.Warn("event_handler_error", observability.F("error", err))
	}
}
