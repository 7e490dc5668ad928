package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/harundwi/wa-gateway/internal/dispatch"
	"github.com/harundwi/wa-gateway/internal/phone"
	"github.com/harundwi/wa-gateway/internal/store"
)

type sendMessageRequest struct {
	Number  string `json:"number"`
	Message string `json:"message"`
	Key     string `json:"key,omitempty"`
}

type sendMessageResponse struct {
	Status    bool   `json:"status"`
	Message   string `json:"message"`
	To        string `json:"to"`
	MessageID string `json:"messageId"`
}

type statusResponse struct {
	Status      bool   `json:"status"`
	ClientReady bool   `json:"clientReady"`
	ClientState string `json:"clientState"`
	Timestamp   string `json:"timestamp"`
}

type restartResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
}

// handleSendMessage validates the recipient, dispatches the message, and
// maps the outcome to an HTTP status.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, NewInvalidInputError("Invalid JSON body"))
		return
	}
	if req.Number == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, NewInvalidInputError("Both 'number' and 'message' are required"))
		return
	}

	addr, err := s.normalizer.Normalize(req.Number)
	if err != nil {
		var vErr *phone.ValidationError
		if errors.As(err, &vErr) {
			writeError(w, http.StatusBadRequest, NewInvalidInputError(vErr.Error()))
			return
		}
		writeError(w, http.StatusInternalServerError, NewInternalError(err.Error()))
		return
	}

	outcome, err := s.dispatcher.Dispatch(r.Context(), addr, req.Message)
	if err != nil {
		var nrErr *dispatch.NotReadyError
		if errors.As(err, &nrErr) {
			// Rejected before any transport call; counted but not persisted.
			s.monitor.RecordDispatch(false)
			writeError(w, http.StatusServiceUnavailable, NewNotReadyError(nrErr.State.String()))
			return
		}
		writeError(w, http.StatusInternalServerError, NewInternalError(err.Error()))
		return
	}

	s.recordDispatch(r, addr.JID(), req.Message, outcome, outcome.Kind == dispatch.KindSent)

	switch outcome.Kind {
	case dispatch.KindSent:
		writeJSON(w, http.StatusOK, sendMessageResponse{
			Status:    true,
			Message:   "Message sent successfully",
			To:        addr.JID(),
			MessageID: outcome.MessageID,
		})
	case dispatch.KindRecipientInvalid, dispatch.KindRecipientUnregistered:
		writeError(w, http.StatusNotFound, NewRecipientNotFoundError(req.Number))
	case dispatch.KindTransportFaulted:
		writeError(w, http.StatusServiceUnavailable, NewTransportFaultError(outcome.Detail))
	default:
		writeError(w, http.StatusInternalServerError, NewInternalError(outcome.Detail))
	}
}

// handleStatus reports the live connection state, falling back to the
// last-known machine state when the transport cannot be queried.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, ready := s.session.LiveState(r.Context())
	writeJSON(w, http.StatusOK, statusResponse{
		Status:      true,
		ClientReady: ready,
		ClientState: st,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleRestart tears the session down and schedules re-initialization.
func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.session.RequestRestart(r.Context()); err != nil {
		s.log.Error("restart failed", "error", err)
		writeError(w, http.StatusInternalServerError, NewInternalError(err.Error()))
		return
	}
	s.monitor.RecordRestart()
	writeJSON(w, http.StatusOK, restartResponse{
		Status:  true,
		Message: "Session restart initiated",
	})
}

type healthResponse struct {
	Status      bool               `json:"status"`
	Health      interface{}        `json:"health"`
	Transitions []store.Transition `json:"recent_transitions,omitempty"`
}

// handleHealth exposes uptime, counters, and recent state transitions.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status: true,
		Health: s.monitor.GetStatus(),
	}
	if s.store != nil {
		transitions, err := s.store.Transitions.Recent(r.Context(), 20)
		if err != nil {
			s.log.Error("failed to load recent transitions", "error", err)
		} else {
			resp.Transitions = transitions
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) recordDispatch(r *http.Request, to, body string, outcome dispatch.Outcome, sent bool) {
	s.monitor.RecordDispatch(sent)

	if s.store == nil {
		return
	}
	rec := &store.DispatchRecord{
		To:        to,
		Body:      body,
		MessageID: outcome.MessageID,
		Outcome:   outcome.Kind.String(),
		Detail:    outcome.Detail,
	}
	if err := s.store.Dispatches.Record(r.Context(), rec); err != nil {
		s.log.Error("failed to record dispatch", "error", err)
	}
}
