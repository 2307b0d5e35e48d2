package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kestrelai/conductor/internal/event"
	"github.com/kestrelai/conductor/internal/logging"
	"github.com/kestrelai/conductor/pkg/types"
)

// TextPartInput is one element of a parts-array submission.
type TextPartInput struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// SendMessageRequest is the body of a message submission. Text arrives
// either as a bare content string or as a parts array; attachments ride in
// files.
type SendMessageRequest struct {
	Content string           `json:"content"`
	Parts   []TextPartInput  `json:"parts,omitempty"`
	Agent   string           `json:"agent,omitempty"`
	Model   *types.ModelRef  `json:"model,omitempty"`
	Tools   map[string]bool  `json:"tools,omitempty"`
	Files   []types.FilePart `json:"files,omitempty"`
}

// text returns the submission's text, whichever field carried it.
func (r *SendMessageRequest) text() string {
	if r.Content != "" {
		return r.Content
	}
	for _, part := range r.Parts {
		if part.Type == "text" && part.Text != "" {
			return part.Text
		}
	}
	return ""
}

// MessageResponse pairs a message with its parts.
type MessageResponse struct {
	Info  *types.Message `json:"info"`
	Parts []types.Part   `json:"parts"`
}

// sendMessage handles POST /session/{sessionID}/message. It persists the
// user message, then drives a full turn of the session loop; streaming
// updates flow out over SSE, and the final assistant message comes back as
// the chunked HTTP response body.
func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}
	content := req.text()
	if content == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "content is required")
		return
	}

	session, err := s.sessionService.Get(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "Session not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Transfer-Encoding", "chunked")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "Streaming not supported")
		return
	}

	userMsg, err := s.persistUserMessage(r.Context(), session, content, &req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	event.Publish(event.Event{
		Type: event.MessageCreated,
		Data: event.MessageCreatedData{Info: userMsg},
	})

	if req.Model != nil {
		logging.Debug().Str("provider", req.Model.ProviderID).Str("model", req.Model.ModelID).Msg("processing message")
	} else {
		logging.Debug().Msg("processing message with no model specified")
	}

	// The turn outlives this HTTP exchange if the client hangs up early:
	// the loop runs on its own context and cancellation goes through the
	// abort endpoint, not connection teardown.
	assistantMsg, parts, err := s.sessionService.ProcessMessage(context.Background(), session, req.Model,
		func(msg *types.Message, parts []types.Part) {
			event.Publish(event.Event{
				Type: event.MessageUpdated,
				Data: event.MessageUpdatedData{Info: msg},
			})
		})

	encoder := json.NewEncoder(w)
	if err != nil {
		s.writeTurnFailure(encoder, sessionID, &req, assistantMsg, parts, err)
		flusher.Flush()
		return
	}

	if assistantMsg != nil {
		encoder.Encode(MessageResponse{Info: assistantMsg, Parts: parts})
		flusher.Flush()
	}
}

// persistUserMessage stores the user message and its parts: the text, then
// any file attachments. The message carries the session's working
// directory so tools resolve paths against the right root.
func (s *Server) persistUserMessage(ctx context.Context, session *types.Session, content string, req *SendMessageRequest) (*types.Message, error) {
	userMsg := &types.Message{
		ID:        generateID(),
		SessionID: session.ID,
		Role:      "user",
		Agent:     req.Agent,
		Model:     req.Model,
		Tools:     req.Tools,
		Path: &types.MessagePath{
			Cwd:  session.Directory,
			Root: session.Directory,
		},
		Time: types.MessageTime{Created: nowMillis()},
	}
	if err := s.sessionService.AddMessage(ctx, session.ID, userMsg); err != nil {
		return nil, err
	}

	textPart := &types.TextPart{
		ID:        generateID(),
		SessionID: session.ID,
		MessageID: userMsg.ID,
		Type:      "text",
		Text:      content,
	}
	if err := s.sessionService.SavePart(ctx, userMsg.ID, textPart); err != nil {
		return nil, err
	}

	for i := range req.Files {
		file := req.Files[i]
		file.ID = generateID()
		file.SessionID = session.ID
		file.MessageID = userMsg.ID
		file.Type = "file"
		if err := s.sessionService.SavePart(ctx, userMsg.ID, &file); err != nil {
			return nil, err
		}
	}

	return userMsg, nil
}

// writeTurnFailure reports a failed turn to the HTTP client as an assistant
// message carrying the error, and mirrors it onto the session's event
// stream. A partial assistant message keeps whatever it produced.
func (s *Server) writeTurnFailure(encoder *json.Encoder, sessionID string, req *SendMessageRequest, assistantMsg *types.Message, parts []types.Part, cause error) {
	msgError := types.NewUnknownError(cause.Error())

	if assistantMsg != nil {
		assistantMsg.Error = msgError
		encoder.Encode(MessageResponse{Info: assistantMsg, Parts: parts})
		return
	}

	errorMsg := &types.Message{
		ID:        generateID(),
		SessionID: sessionID,
		Role:      "assistant",
		Time:      types.MessageTime{Created: nowMillis()},
		Error:     msgError,
		Tokens:    &types.TokenUsage{},
	}
	if req.Model != nil {
		errorMsg.ProviderID = req.Model.ProviderID
		errorMsg.ModelID = req.Model.ModelID
	}
	encoder.Encode(MessageResponse{
		Info: errorMsg,
		Parts: []types.Part{&types.TextPart{
			ID:        generateID(),
			SessionID: sessionID,
			MessageID: errorMsg.ID,
			Type:      "text",
			Text:      fmt.Sprintf("Error: %s", cause.Error()),
		}},
	})

	event.Publish(event.Event{
		Type: "session.error",
		Data: event.SessionErrorData{SessionID: sessionID, Error: msgError},
	})
}

// getMessages handles GET /session/{sessionID}/message: the session's full
// transcript, each message with its parts.
func (s *Server) getMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	messages, err := s.sessionService.GetMessages(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	result := make([]MessageResponse, 0, len(messages))
	for _, msg := range messages {
		parts, _ := s.sessionService.GetParts(r.Context(), msg.ID)
		if parts == nil {
			parts = []types.Part{}
		}
		result = append(result, MessageResponse{Info: msg, Parts: parts})
	}

	writeJSON(w, http.StatusOK, result)
}

// getMessage handles GET /session/{sessionID}/message/{messageID}.
func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	messageID := chi.URLParam(r, "messageID")

	msg, err := s.sessionService.GetMessage(r.Context(), sessionID, messageID)
	if err != nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "Message not found")
		return
	}

	parts, _ := s.sessionService.GetParts(r.Context(), messageID)
	if parts == nil {
		parts = []types.Part{}
	}

	writeJSON(w, http.StatusOK, MessageResponse{Info: msg, Parts: parts})
}
