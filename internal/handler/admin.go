package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/examforge/internal/model"
)

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

type createUserRequest struct {
	Username    string         `json:"username"`
	DisplayName string         `json:"display_name"`
	Password    string         `json:"password"`
	Role        model.UserRole `json:"role"`
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		h.fail(w, r, fmt.Errorf("%w: username and password required", model.ErrInvalidInput))
		return
	}
	switch req.Role {
	case "":
		req.Role = model.UserRoleTeacher
	case model.UserRoleTeacher, model.UserRoleAdmin:
	default:
		h.fail(w, r, fmt.Errorf("%w: unknown role %q", model.ErrInvalidInput, req.Role))
		return
	}
	if existing, err := h.store.GetUserByUsername(req.Username); err != nil {
		h.fail(w, r, err)
		return
	} else if existing != nil {
		writeError(w, http.StatusConflict, fmt.Sprintf("user %q already exists", req.Username))
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		h.fail(w, r, fmt.Errorf("hash password: %w", err))
		return
	}
	if req.DisplayName == "" {
		req.DisplayName = req.Username
	}

	id, err := h.store.CreateUser(model.User{
		Username:     req.Username,
		DisplayName:  req.DisplayName,
		PasswordHash: string(hash),
		Role:         req.Role,
		Active:       true,
	})
	if err != nil {
		h.fail(w, r, fmt.Errorf("create user: %w", err))
		return
	}
	user, err := h.store.GetUserByID(id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

type setActiveRequest struct {
	Active bool `json:"active"`
}

func (h *Handler) handleSetUserActive(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "userID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req setActiveRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if self := model.UserFromContext(r.Context()); self != nil && self.ID == id && !req.Active {
		h.fail(w, r, fmt.Errorf("%w: cannot deactivate yourself", model.ErrInvalidInput))
		return
	}
	if err := h.store.SetUserActive(id, req.Active); err != nil {
		h.fail(w, r, err)
		return
	}
	slog.Info("user active flag changed", "user_id", id, "active", req.Active)
	w.WriteHeader(http.StatusNoContent)
}
