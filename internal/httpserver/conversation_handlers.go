package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"chatcore/internal/domain"
	"chatcore/internal/service"
)

func caller(w http.ResponseWriter, r *http.Request) (*Identity, bool) {
	id := CurrentIdentity(r)
	if id == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return nil, false
	}
	return id, true
}

type engageRequest struct {
	Kind   domain.Kind `json:"kind"`
	UserID string      `json:"user_id"`
	// Classified is the marketplace's verdict on the engaged creator. It only
	// ever turns classification on.
	Classified bool                 `json:"classified"`
	Brief      *domain.BriefPayload `json:"brief,omitempty"`
}

// checkEngager requires the caller's token role to match the initiating
// slot of kind. Kinds without pair roles are left to the service to reject.
func checkEngager(me *Identity, kind domain.Kind) error {
	if kind == "" {
		kind = domain.KindClientCreator
	}
	r1, _ := kind.Roles()
	if r1 != "" && me.Role != r1 {
		return fmt.Errorf("role %q cannot engage as %s in %s: %w", me.Role, r1, kind, domain.ErrForbidden)
	}
	return nil
}

func handleHire(actions *service.Actions, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		me, ok := caller(w, r)
		if !ok {
			return
		}
		var req engageRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, log, err)
			return
		}
		if err := checkEngager(me, req.Kind); err != nil {
			writeError(w, log, err)
			return
		}
		conv, err := actions.Hire(r.Context(), service.HireInput{
			Kind:       req.Kind,
			HirerID:    me.UserID,
			HiredID:    req.UserID,
			Classified: req.Classified,
		})
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, conv)
	}
}

func handleSendInvite(actions *service.Actions, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		me, ok := caller(w, r)
		if !ok {
			return
		}
		var req engageRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, log, err)
			return
		}
		if err := checkEngager(me, req.Kind); err != nil {
			writeError(w, log, err)
			return
		}
		if req.Brief == nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "brief is required"})
			return
		}
		conv, msg, err := actions.SendInvite(r.Context(), service.InviteInput{
			Kind:       req.Kind,
			InviterID:  me.UserID,
			InviteeID:  req.UserID,
			Brief:      *req.Brief,
			Classified: req.Classified,
		})
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"conversation": conv, "message": msg})
	}
}

type contactRequest struct {
	Kind            domain.Kind        `json:"kind"`
	CreatorID       string             `json:"creator_id"`
	Type            domain.MessageType `json:"type"`
	Payload         json.RawMessage    `json:"payload"`
	AwaitingUploads bool               `json:"awaiting_uploads"`
}

func handleGetInTouch(actions *service.Actions, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		me, ok := caller(w, r)
		if !ok {
			return
		}
		var req contactRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, log, err)
			return
		}
		payload, err := domain.DecodePayload(req.Type, req.Payload)
		if err != nil {
			writeError(w, log, err)
			return
		}
		conv, msg, err := actions.GetInTouch(r.Context(), service.GetInTouchInput{
			Kind:            req.Kind,
			FromID:          me.UserID,
			CreatorID:       req.CreatorID,
			Payload:         payload,
			AwaitingUploads: req.AwaitingUploads,
		})
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"conversation": conv, "message": msg})
	}
}

func handleOpenDraft(actions *service.Actions, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		me, ok := caller(w, r)
		if !ok {
			return
		}
		var req engageRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, log, err)
			return
		}
		conv, created, err := actions.OpenDraft(r.Context(), req.Kind, me.UserID, req.UserID)
		if err != nil {
			writeError(w, log, err)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		writeJSON(w, status, conv)
	}
}

type groupRequest struct {
	ProjectRef string   `json:"project_ref"`
	MemberIDs  []string `json:"member_ids"`
}

func handleCreateGroup(actions *service.Actions, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		me, ok := caller(w, r)
		if !ok {
			return
		}
		var req groupRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, log, err)
			return
		}
		conv, err := actions.CreateProjectGroup(r.Context(), service.GroupInput{
			ProjectRef: req.ProjectRef,
			AdminID:    me.UserID,
			MemberIDs:  req.MemberIDs,
		})
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, conv)
	}
}

func handleAddMembers(actions *service.Actions, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		me, ok := caller(w, r)
		if !ok {
			return
		}
		var req groupRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, log, err)
			return
		}
		conv, err := actions.AddGroupMembers(r.Context(), chi.URLParam(r, "conversationID"), me.UserID, req.MemberIDs)
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, conv)
	}
}

func handleListConversations(convSvc *service.ConversationService, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		me, ok := caller(w, r)
		if !ok {
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		convs, err := convSvc.ListForUser(r.Context(), me.UserID, limit)
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, convs)
	}
}

func handleGetConversation(convSvc *service.ConversationService, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		me, ok := caller(w, r)
		if !ok {
			return
		}
		conv, err := convSvc.Get(r.Context(), chi.URLParam(r, "conversationID"), me.UserID)
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, conv)
	}
}

func handleResetCounter(convSvc *service.ConversationService, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		me, ok := caller(w, r)
		if !ok {
			return
		}
		if err := convSvc.Reset(r.Context(), chi.URLParam(r, "conversationID"), me.UserID); err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
	}
}

func handleMarkUnread(convSvc *service.ConversationService, log zerolog.Logger) http.HandlerFunc {
	return conversationAction(func(r *http.Request, conversationID, callerID string) (*domain.Conversation, error) {
		return convSvc.MarkUnread(r.Context(), conversationID, callerID)
	}, log)
}

// conversationAction adapts the (conversation, caller) actions to a handler.
func conversationAction(fn func(r *http.Request, conversationID, callerID string) (*domain.Conversation, error), log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		me, ok := caller(w, r)
		if !ok {
			return
		}
		conv, err := fn(r, chi.URLParam(r, "conversationID"), me.UserID)
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, conv)
	}
}

func handleAcceptInvite(actions *service.Actions, log zerolog.Logger) http.HandlerFunc {
	return conversationAction(func(r *http.Request, id, me string) (*domain.Conversation, error) {
		return actions.AcceptInvite(r.Context(), id, me)
	}, log)
}

func handleDeclineInvite(actions *service.Actions, log zerolog.Logger) http.HandlerFunc {
	return conversationAction(func(r *http.Request, id, me string) (*domain.Conversation, error) {
		return actions.DeclineInvite(r.Context(), id, me)
	}, log)
}

func handleMarkWaiting(actions *service.Actions, log zerolog.Logger) http.HandlerFunc {
	return conversationAction(func(r *http.Request, id, me string) (*domain.Conversation, error) {
		return actions.MarkWaiting(r.Context(), id, me)
	}, log)
}

func handleActivate(actions *service.Actions, log zerolog.Logger) http.HandlerFunc {
	return conversationAction(func(r *http.Request, id, me string) (*domain.Conversation, error) {
		return actions.Activate(r.Context(), id, me)
	}, log)
}
