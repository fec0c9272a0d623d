package httpserver

import (
	"net/http"

	"github.com/stancp327/Fetchwork-sub000/internal/domain"
	"github.com/stancp327/Fetchwork-sub000/internal/protocol"
	"github.com/stancp327/Fetchwork-sub000/internal/service"
)

type historyResponse struct {
	Messages []protocol.MessagePayload `json:"messages"`
	// NextBefore is the before cursor of the preceding page.
	NextBefore int64 `json:"nextBefore,omitempty"`
}

// handleHistory serves GET .../{id}/messages?before=&limit= for either
// thread kind.
func handleHistory(msgSvc *service.MessageService, kind domain.ThreadKind, param string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r, param)
		if !ok {
			badRequest(w, "invalid thread id")
			return
		}
		limit := int(queryInt(r, "limit"))
		msgs, err := msgSvc.History(r.Context(), CurrentUserID(r), domain.ThreadRef{Kind: kind, ID: id}, queryInt(r, "before"), limit)
		if err != nil {
			writeError(w, r, err)
			return
		}
		resp := historyResponse{Messages: protocol.NewMessagePayloads(msgs)}
		if len(msgs) > 0 {
			resp.NextBefore = msgs[0].ID
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleDeleteMessage(msgSvc *service.MessageService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r, "messageID")
		if !ok {
			badRequest(w, "invalid message id")
			return
		}
		if err := msgSvc.DeleteMessage(r.Context(), CurrentUserID(r), id); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
