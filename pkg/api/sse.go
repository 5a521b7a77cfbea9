package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/cuemby/drover/pkg/events"
)

// streamEvents serves the bus as server-sent events. Optional tenant,
// task and instance query parameters narrow the stream.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	var filters []events.Filter
	if tenant := r.URL.Query().Get("tenant"); tenant != "" {
		filters = append(filters, events.TenantFilter(tenant))
	}
	if task := r.URL.Query().Get("task"); task != "" {
		filters = append(filters, events.TaskFilter(task))
	}
	if instance := r.URL.Query().Get("instance"); instance != "" {
		filters = append(filters, events.InstanceFilter(instance))
	}

	var filter events.Filter
	if len(filters) > 0 {
		filter = events.And(filters...)
	}

	// The handler runs on the bus delivery goroutine; hand off through a
	// buffered channel so a slow client never stalls delivery for long.
	ch := make(chan *events.Event, 64)
	sub := s.bus.Subscribe(filter, func(event *events.Event) error {
		select {
		case ch <- event:
		default:
		}
		return nil
	})
	defer s.bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event := <-ch:
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}
