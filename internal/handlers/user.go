package handlers

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/nkiryanov/hotline/internal/handlers/render"
	"github.com/nkiryanov/hotline/internal/handlers/userctx"
)

func handleUserMe() http.Handler {
	type response struct {
		ID       uuid.UUID `json:"id"`
		Username string    `json:"username"`
		TokenUID uuid.UUID `json:"tokenUID"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, _ := userctx.FromContext(r.Context())
		render.JSON(w, response{ID: session.User.ID, Username: session.User.Username, TokenUID: session.TokenUID})
	})
}
