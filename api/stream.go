package api

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/labstack/echo/v4"
)

// renderBroker coalesces store change notifications into per-client
// wakeup signals. A slow client never blocks a publisher: the signal
// channel holds at most one pending wakeup.
type renderBroker struct {
	mu   sync.Mutex
	seq  int
	next int
	subs map[int]chan struct{}
}

func newRenderBroker() *renderBroker {
	return &renderBroker{subs: make(map[int]chan struct{})}
}

func (b *renderBroker) subscribe() (<-chan struct{}, func()) {
	b.mu.Lock()
	b.next++
	id := b.next
	ch := make(chan struct{}, 1)
	b.subs[id] = ch
	b.mu.Unlock()
	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

func (b *renderBroker) publish() {
	b.mu.Lock()
	b.seq++
	for _, ch := range b.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	b.mu.Unlock()
}

func (b *renderBroker) sequence() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// streamRenders serves the SSE re-render feed: one render event per
// coalesced batch of store changes, starting with the current state so
// a client can paint immediately.
func streamRenders(broker *renderBroker) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}

		ch, cancel := broker.subscribe()
		defer cancel()

		ctx := c.Request().Context()
		for {
			payload := "event: render\ndata: " + strconv.Itoa(broker.sequence()) + "\n\n"
			if _, err := c.Response().Write([]byte(payload)); err != nil {
				return nil
			}
			flusher.Flush()
			select {
			case <-ctx.Done():
				return nil
			case <-ch:
			}
		}
	}
}
