package services

import (
	"errors"
	"log/slog"
	"net/http"

	"gopublish/publish/auth"
	"gopublish/publish/directory"
	"gopublish/utils"

	"github.com/go-chi/chi/v5"
)

type TokenService struct {
	dir    directory.Directory
	tokens *auth.TokenManager
}

func (s *TokenService) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/create", s.createHandler)
	return r
}

// Create checks the credentials against the user directory and mints an api
// token for the username.
func (s *TokenService) Create(username, password string) (string, error) {
	if username == "" || password == "" {
		return "", CodedError(errors.New("missing username or password"), http.StatusBadRequest)
	}

	ok, err := s.dir.Authenticate(username, password)
	if err != nil {
		slog.Error("user directory authentication failed", "username", username, "error", err)
		return "", CodedError(errors.New("unable to reach user directory"), http.StatusServiceUnavailable)
	}
	if !ok {
		return "", CodedError(errors.New("invalid username or password"), http.StatusUnauthorized)
	}

	token, err := s.tokens.CreateToken(username)
	if err != nil {
		slog.Error("error creating token", "username", username, "error", err)
		return "", CodedError(errors.New("unable to create token"), http.StatusInternalServerError)
	}

	slog.Info("api token issued", "username", username)
	return token, nil
}

func (s *TokenService) createHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !utils.ParseRequestBody(w, r, &req) {
		return
	}

	token, err := s.Create(req.Username, req.Password)
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	utils.WriteJsonResponse(w, map[string]interface{}{"token": token})
}
