package httpserver

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/stancp327/Fetchwork-sub000/internal/protocol"
)

const maxPresenceQuery = 200

// handleOnlineStatus serves GET /presence?ids=1,2,3.
func handleOnlineStatus(presence PresenceReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ids []int64
		for _, part := range strings.Split(r.URL.Query().Get("ids"), ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil || id <= 0 {
				badRequest(w, "ids must be a comma separated list of user ids")
				return
			}
			ids = append(ids, id)
		}
		if len(ids) > maxPresenceQuery {
			badRequest(w, "too many ids")
			return
		}
		status, err := presence.OnlineStatus(r.Context(), ids)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, protocol.NewOnlineStatus(status))
	}
}

func handleOnlineUsers(presence PresenceReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids, err := presence.OnlineUsers(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		if ids == nil {
			ids = []int64{}
		}
		writeJSON(w, http.StatusOK, map[string][]int64{"userIds": ids})
	}
}
