// The SSE endpoints are a thin bridge from the internal event bus to the
// wire, hand-rolled on the stdlib: both handlers share one pump loop and
// differ only in which events they let through.

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kestrelai/conductor/internal/event"
	"github.com/kestrelai/conductor/internal/logging"
)

// wireEvent is the envelope every SSE payload uses: the event-type tag,
// then that event's properties.
type wireEvent struct {
	Type       event.EventType `json:"type"`
	Properties any             `json:"properties"`
}

// SSEHeartbeatInterval is how often an idle stream emits a comment so
// intermediaries don't reap the connection.
const SSEHeartbeatInterval = 30 * time.Second

// sseEventBuffer is the per-client queue between the bus and the socket.
// When a client can't drain fast enough, events drop with a warning rather
// than stalling every other subscriber on the bus.
const sseEventBuffer = 10

// sseWriter frames wireEvents onto a streaming response.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

// newSSEWriter rejects writers that can't flush: without flushing, events
// would sit in a buffer until the connection closed.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	return &sseWriter{w: w, flusher: flusher, rc: http.NewResponseController(w)}, nil
}

// writeEvent frames one event: event name, JSON data line, blank line,
// flushed immediately.
func (s *sseWriter) writeEvent(eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, jsonData); err != nil {
		return err
	}

	// ResponseController flushes through middleware wrappers; fall back to
	// the plain flusher when it can't.
	if flushErr := s.rc.Flush(); flushErr != nil {
		s.flusher.Flush()
	}
	return nil
}

// writeHeartbeat emits an SSE comment, which clients ignore.
func (s *sseWriter) writeHeartbeat() {
	fmt.Fprintf(s.w, ": heartbeat\n\n")
	s.flusher.Flush()
}

// streamEvents is the shared pump behind both SSE endpoints: set up the
// stream, greet the client, then forward every bus event keep() accepts
// until the client goes away. keep == nil forwards everything.
func (srv *Server) streamEvents(w http.ResponseWriter, r *http.Request, keep func(event.Event) bool) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // no proxy buffering

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	// Headers go out before the first event so the client sees the stream
	// open even when the bus is quiet.
	w.WriteHeader(http.StatusOK)
	sse.flusher.Flush()

	if err := sse.writeEvent("message", wireEvent{
		Type:       "server.connected",
		Properties: map[string]any{},
	}); err != nil {
		return
	}

	events := make(chan event.Event, sseEventBuffer)
	unsub := event.SubscribeAll(func(e event.Event) {
		if keep != nil && !keep(e) {
			return
		}
		select {
		case events <- e:
		default:
			logging.Warn().
				Str("eventType", string(e.Type)).
				Msg("SSE event dropped: client not draining")
		}
	})
	defer unsub()

	ticker := time.NewTicker(SSEHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-events:
			if err := sse.writeEvent("message", wireEvent{Type: e.Type, Properties: e.Data}); err != nil {
				return
			}
		case <-ticker.C:
			sse.writeHeartbeat()
		}
	}
}

// globalEvents handles GET /global/event: every event, every session.
func (srv *Server) globalEvents(w http.ResponseWriter, r *http.Request) {
	srv.streamEvents(w, r, nil)
}

// sessionEvents handles GET /event?sessionID=...: only one session's
// entity updates and progress narration.
func (srv *Server) sessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionID")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "sessionID required")
		return
	}

	srv.streamEvents(w, r, func(e event.Event) bool {
		return srv.eventBelongsToSession(e, sessionID)
	})
}

// eventBelongsToSession decides whether an event is part of one session's
// stream. Progress events and most entity updates carry their session id
// via event.SessionScoped; payloads wrapping a whole entity are matched on
// the entity's ids; file edits broadcast to everyone.
func (srv *Server) eventBelongsToSession(e event.Event, sessionID string) bool {
	if scoped, ok := e.Data.(event.SessionScoped); ok {
		return scoped.EventSessionID() == sessionID
	}

	switch data := e.Data.(type) {
	case event.MessageCreatedData:
		return data.Info != nil && data.Info.SessionID == sessionID
	case event.MessageUpdatedData:
		return data.Info != nil && data.Info.SessionID == sessionID
	case event.MessagePartUpdatedData:
		return data.Part != nil && data.Part.PartSessionID() == sessionID
	case event.SessionCreatedData:
		return data.Info != nil && data.Info.ID == sessionID
	case event.SessionUpdatedData:
		return data.Info != nil && data.Info.ID == sessionID
	case event.SessionDeletedData:
		return data.Info != nil && data.Info.ID == sessionID
	case event.FileEditedData:
		// File edits matter to every attached client regardless of which
		// session produced them.
		return true
	}
	return false
}
