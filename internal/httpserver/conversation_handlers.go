package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/stancp327/Fetchwork-sub000/internal/protocol"
	"github.com/stancp327/Fetchwork-sub000/internal/service"
)

type conversationCreateRequest struct {
	ParticipantID int64  `json:"participantId"`
	JobID         string `json:"jobId"`
}

func handleCreateConversation(convSvc *service.ConversationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req conversationCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			badRequest(w, "invalid JSON body")
			return
		}
		conv, created, err := convSvc.GetOrCreateDirect(r.Context(), CurrentUserID(r), req.ParticipantID, req.JobID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		writeJSON(w, status, protocol.NewConversationPayload(conv))
	}
}

func handleListConversations(convSvc *service.ConversationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		convs, err := convSvc.ListForUser(r.Context(), CurrentUserID(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, protocol.NewConversationPayloads(convs))
	}
}

func handleGetConversation(convSvc *service.ConversationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r, "conversationID")
		if !ok {
			badRequest(w, "invalid conversation id")
			return
		}
		conv, err := convSvc.Get(r.Context(), CurrentUserID(r), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, protocol.NewConversationPayload(conv))
	}
}

func handleDeactivateConversation(convSvc *service.ConversationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r, "conversationID")
		if !ok {
			badRequest(w, "invalid conversation id")
			return
		}
		if err := convSvc.Deactivate(r.Context(), CurrentUserID(r), id); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
