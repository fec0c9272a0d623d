package httpserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/stancp327/Fetchwork-sub000/internal/protocol"
	"github.com/stancp327/Fetchwork-sub000/internal/service"
)

type notificationResponse struct {
	ID             int64     `json:"id"`
	Kind           string    `json:"kind"`
	MessageID      int64     `json:"messageId"`
	SenderID       int64     `json:"senderId"`
	ConversationID int64     `json:"conversationId,omitempty"`
	RoomID         int64     `json:"roomId,omitempty"`
	Preview        string    `json:"preview"`
	IsRead         bool      `json:"isRead"`
	CreatedAt      time.Time `json:"createdAt"`
}

// handleListNotifications serves GET /notifications?unread=true&limit=.
func handleListNotifications(notifySvc *service.NotificationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		unread, _ := strconv.ParseBool(r.URL.Query().Get("unread"))
		list, err := notifySvc.List(r.Context(), CurrentUserID(r), unread, int(queryInt(r, "limit")))
		if err != nil {
			writeError(w, r, err)
			return
		}
		res := make([]notificationResponse, len(list))
		for i, n := range list {
			td := protocol.ThreadDataOf(n.Thread)
			res[i] = notificationResponse{
				ID:             n.ID,
				Kind:           string(n.Kind),
				MessageID:      n.MessageID,
				SenderID:       n.SenderID,
				ConversationID: td.ConversationID,
				RoomID:         td.RoomID,
				Preview:        n.Preview,
				IsRead:         n.IsRead,
				CreatedAt:      n.CreatedAt,
			}
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleMarkNotificationRead(notifySvc *service.NotificationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r, "notificationID")
		if !ok {
			badRequest(w, "invalid notification id")
			return
		}
		if err := notifySvc.MarkRead(r.Context(), CurrentUserID(r), id); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
