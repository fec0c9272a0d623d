package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/stancp327/Fetchwork-sub000/internal/domain"
	"github.com/stancp327/Fetchwork-sub000/internal/logging"
	"github.com/stancp327/Fetchwork-sub000/internal/security"
	"github.com/stancp327/Fetchwork-sub000/internal/service"
)

// PresenceReader answers presence queries; the websocket hub implements it.
type PresenceReader interface {
	OnlineStatus(ctx context.Context, ids []int64) (map[int64]bool, error)
	OnlineUsers(ctx context.Context) ([]int64, error)
}

type Deps struct {
	CORSOrigins   []string
	Tokens        *security.TokenService
	Conversations *service.ConversationService
	Rooms         *service.RoomService
	Messages      *service.MessageService
	Notifications *service.NotificationService
	Presence      PresenceReader
	// WS serves the websocket endpoint. It is mounted outside the request
	// timeout.
	WS http.Handler
	// Ready reports whether the backing stores are reachable.
	Ready func(ctx context.Context) error
	Log   *zap.Logger
}

// NewRouter constructs the main HTTP router and wires routes and middleware.
func NewRouter(d Deps) http.Handler {
	log := d.Log.Named("http")
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.AccessLog(log))
	r.Use(middleware.Recoverer)
	r.Use(withLogger(log))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", handleHealth(d.Ready))
	if d.WS != nil {
		r.Method(http.MethodGet, "/ws", d.WS)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(AuthMiddleware(d.Tokens))

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", handleListConversations(d.Conversations))
			r.Post("/", handleCreateConversation(d.Conversations))
			r.Get("/{conversationID}", handleGetConversation(d.Conversations))
			r.Delete("/{conversationID}", handleDeactivateConversation(d.Conversations))
			r.Get("/{conversationID}/messages", handleHistory(d.Messages, domain.ThreadConversation, "conversationID"))
		})

		r.Route("/rooms", func(r chi.Router) {
			r.Get("/", handleListRooms(d.Rooms))
			r.Post("/", handleCreateRoom(d.Rooms))
			r.Get("/{roomID}", handleGetRoom(d.Rooms))
			r.Delete("/{roomID}", handleDeactivateRoom(d.Rooms))
			r.Get("/{roomID}/messages", handleHistory(d.Messages, domain.ThreadRoom, "roomID"))
			r.Post("/{roomID}/members", handleAddRoomMember(d.Rooms))
			r.Patch("/{roomID}/members/{userID}", handleSetRoomRole(d.Rooms))
			r.Delete("/{roomID}/members/{userID}", handleRemoveRoomMember(d.Rooms))
		})

		r.Delete("/messages/{messageID}", handleDeleteMessage(d.Messages))

		r.Get("/presence", handleOnlineStatus(d.Presence))
		r.Get("/presence/online", handleOnlineUsers(d.Presence))

		r.Get("/notifications", handleListNotifications(d.Notifications))
		r.Post("/notifications/{notificationID}/read", handleMarkNotificationRead(d.Notifications))
	})

	return r
}

func handleHealth(ready func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ready(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}
}

// writeJSON is a small helper to send JSON responses.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}
