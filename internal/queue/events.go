package queue

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/lib/pq"
)

// Event is a job transition published on the queue_events channel.
type Event struct {
	JobID  string `json:"id"`
	Status string `json:"status"`
	Detail string `json:"detail"`
}

// EventHandler receives decoded queue events.
type EventHandler func(Event)

// EventListener subscribes to Postgres queue_events notifications and
// forwards them to a handler. Used by the ingress status websocket.
type EventListener struct {
	dbURL    string
	logger   *log.Logger
	handler  EventHandler
	shutdown chan struct{}
}

// NewEventListener creates a listener; Start must be called to connect.
func NewEventListener(dbURL string, handler EventHandler, logger *log.Logger) *EventListener {
	return &EventListener{
		dbURL:    dbURL,
		logger:   logger,
		handler:  handler,
		shutdown: make(chan struct{}),
	}
}

// Start begins listening in a background goroutine.
func (el *EventListener) Start(ctx context.Context) {
	go el.listenLoop(ctx)
}

// Stop terminates the listen loop.
func (el *EventListener) Stop() {
	close(el.shutdown)
}

func (el *EventListener) listenLoop(ctx context.Context) {
	defer el.logger.Println("[queue-events] listener stopped")

	minRetryDelay := 100 * time.Millisecond
	maxRetryDelay := 10 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-el.shutdown:
			return
		default:
		}

		listener := pq.NewListener(el.dbURL, minRetryDelay, maxRetryDelay, func(ev pq.ListenerEventType, err error) {
			if err != nil {
				el.logger.Printf("[queue-events] %v", err)
			}
		})

		if err := listener.Listen(EventsChannel); err != nil {
			el.logger.Printf("[queue-events] subscribe failed: %v", err)
			listener.Close()
			time.Sleep(maxRetryDelay)
			continue
		}

		el.handleNotifications(ctx, listener)
		listener.Close()

		select {
		case <-ctx.Done():
			return
		case <-el.shutdown:
			return
		default:
			time.Sleep(minRetryDelay)
		}
	}
}

func (el *EventListener) handleNotifications(ctx context.Context, listener *pq.Listener) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-el.shutdown:
			return
		case n := <-listener.Notify:
			if n == nil {
				return // connection lost; outer loop reconnects
			}
			var ev Event
			if err := json.Unmarshal([]byte(n.Extra), &ev); err != nil {
				el.logger.Printf("[queue-events] bad payload on %s: %v", n.Channel, err)
				continue
			}
			el.handler(ev)
		}
	}
}
