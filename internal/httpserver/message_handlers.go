package httpserver

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"chatcore/internal/domain"
	"chatcore/internal/service"
)

type messageCreateRequest struct {
	Type    domain.MessageType `json:"type"`
	Payload json.RawMessage    `json:"payload"`
}

func (m messageCreateRequest) decode() (domain.Payload, error) {
	return domain.DecodePayload(m.Type, m.Payload)
}

func handleCreateMessage(actions *service.Actions, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		me, ok := caller(w, r)
		if !ok {
			return
		}
		var req messageCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, log, err)
			return
		}
		payload, err := req.decode()
		if err != nil {
			writeError(w, log, err)
			return
		}
		msg, err := actions.SendMessage(r.Context(), chi.URLParam(r, "conversationID"), me.UserID, payload)
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusCreated, msg)
	}
}

func handleSendInvoice(actions *service.Actions, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		me, ok := caller(w, r)
		if !ok {
			return
		}
		var req messageCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, log, err)
			return
		}
		payload, err := req.decode()
		if err != nil {
			writeError(w, log, err)
			return
		}
		msg, err := actions.SendInvoice(r.Context(), chi.URLParam(r, "conversationID"), me.UserID, payload)
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusCreated, msg)
	}
}

func handleListMessages(msgSvc *service.MessageService, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		me, ok := caller(w, r)
		if !ok {
			return
		}
		q := r.URL.Query()
		limit, _ := strconv.Atoi(q.Get("limit"))
		page, err := msgSvc.List(r.Context(), chi.URLParam(r, "conversationID"), me.UserID, service.Query{
			Cursor:    q.Get("cursor"),
			Limit:     limit,
			Direction: service.Direction(q.Get("direction")),
		})
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
	}
}

func handleHead(msgSvc *service.MessageService, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		me, ok := caller(w, r)
		if !ok {
			return
		}
		cursor, err := msgSvc.Head(r.Context(), chi.URLParam(r, "conversationID"), me.UserID)
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"cursor": cursor})
	}
}

type statusRequest struct {
	Status string `json:"status"`
}

func handleSetMessageStatus(msgSvc *service.MessageService, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		me, ok := caller(w, r)
		if !ok {
			return
		}
		id, err := strconv.ParseInt(chi.URLParam(r, "messageID"), 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid message id"})
			return
		}
		var req statusRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, log, err)
			return
		}
		msg, err := msgSvc.SetVariantStatus(r.Context(), me.UserID, id, req.Status)
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, msg)
	}
}
