package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
)

// Event is one encoded buildprotocol envelope addressed to a job
type Event struct {
	Type  string
	JobID string
	Data  []byte
}

type subscriber struct {
	jobID  string // empty receives every job
	events chan Event
}

// Hub fans build events out to SSE and WebSocket subscribers
type Hub struct {
	clients    map[*subscriber]bool
	broadcast  chan Event
	register   chan *subscriber
	unregister chan *subscriber
	done       chan struct{}
	mu         sync.RWMutex
}

// NewHub creates a new hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*subscriber]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *subscriber),
		unregister: make(chan *subscriber),
		done:       make(chan struct{}),
	}
}

// Run dispatches events until ctx is cancelled
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.events)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.events)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if client.jobID != "" && client.jobID != event.JobID {
					continue
				}
				select {
				case client.events <- event:
				default:
					// Slow consumer; drop it rather than stall every build
					close(client.events)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish queues an event for all matching subscribers. It is a no-op once
// the hub has stopped.
func (h *Hub) Publish(event Event) {
	select {
	case h.broadcast <- event:
	case <-h.done:
	}
}

// Subscribe registers a subscriber for one job, or all jobs when jobID is
// empty. The returned channel is closed when the subscriber is dropped.
func (h *Hub) Subscribe(ctx context.Context, jobID string) (<-chan Event, func()) {
	sub := &subscriber{jobID: jobID, events: make(chan Event, 64)}
	select {
	case h.register <- sub:
	case <-ctx.Done():
		close(sub.events)
		return sub.events, func() {}
	case <-h.done:
		close(sub.events)
		return sub.events, func() {}
	}
	var once sync.Once
	return sub.events, func() {
		once.Do(func() {
			select {
			case h.unregister <- sub:
			case <-h.done:
			}
		})
	}
}

// Clients returns the number of connected subscribers
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (s *Server) sseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming not supported")
			return
		}

		// Set SSE headers
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")

		events, unsubscribe := s.hub.Subscribe(r.Context(), r.URL.Query().Get("job"))
		defer unsubscribe()

		// Subscribed: anything published from here on reaches this client
		fmt.Fprint(w, ": connected\n\n")
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				fmt.Fprintf(w, "event: %s\n", event.Type)
				fmt.Fprintf(w, "data: %s\n\n", event.Data)
				flusher.Flush()
			}
		}
	}
}
