package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/stancp327/Fetchwork-sub000/internal/domain"
	"github.com/stancp327/Fetchwork-sub000/internal/protocol"
	"github.com/stancp327/Fetchwork-sub000/internal/service"
)

type roomCreateRequest struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	JobID       string  `json:"jobId"`
	IsPrivate   bool    `json:"isPrivate"`
	MemberIDs   []int64 `json:"memberIds"`
}

type roomMemberRequest struct {
	UserID int64           `json:"userId"`
	Role   domain.RoomRole `json:"role"`
}

func handleCreateRoom(roomSvc *service.RoomService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req roomCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			badRequest(w, "invalid JSON body")
			return
		}
		room, err := roomSvc.Create(r.Context(), CurrentUserID(r), service.RoomCreateInput{
			Name:        req.Name,
			Description: req.Description,
			JobID:       req.JobID,
			IsPrivate:   req.IsPrivate,
			MemberIDs:   req.MemberIDs,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, protocol.NewRoomPayload(room))
	}
}

func handleListRooms(roomSvc *service.RoomService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rooms, err := roomSvc.ListForUser(r.Context(), CurrentUserID(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, protocol.NewRoomPayloads(rooms))
	}
}

func handleGetRoom(roomSvc *service.RoomService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r, "roomID")
		if !ok {
			badRequest(w, "invalid room id")
			return
		}
		room, err := roomSvc.Get(r.Context(), CurrentUserID(r), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, protocol.NewRoomPayload(room))
	}
}

func handleDeactivateRoom(roomSvc *service.RoomService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r, "roomID")
		if !ok {
			badRequest(w, "invalid room id")
			return
		}
		if err := roomSvc.Deactivate(r.Context(), CurrentUserID(r), id); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleAddRoomMember(roomSvc *service.RoomService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r, "roomID")
		if !ok {
			badRequest(w, "invalid room id")
			return
		}
		var req roomMemberRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			badRequest(w, "invalid JSON body")
			return
		}
		room, err := roomSvc.AddMember(r.Context(), CurrentUserID(r), id, req.UserID, req.Role)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, protocol.NewRoomPayload(room))
	}
}

func handleSetRoomRole(roomSvc *service.RoomService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r, "roomID")
		userID, ok2 := pathID(r, "userID")
		if !ok || !ok2 {
			badRequest(w, "invalid room or user id")
			return
		}
		var req roomMemberRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			badRequest(w, "invalid JSON body")
			return
		}
		if err := roomSvc.SetRole(r.Context(), CurrentUserID(r), id, userID, req.Role); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleRemoveRoomMember(roomSvc *service.RoomService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r, "roomID")
		userID, ok2 := pathID(r, "userID")
		if !ok || !ok2 {
			badRequest(w, "invalid room or user id")
			return
		}
		if err := roomSvc.RemoveMember(r.Context(), CurrentUserID(r), id, userID); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
