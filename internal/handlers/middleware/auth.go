package middleware

import (
	"context"
	"net/http"

	"github.com/nkiryanov/hotline/internal/handlers/render"
	"github.com/nkiryanov/hotline/internal/handlers/userctx"
	"github.com/nkiryanov/hotline/internal/models"
)

type authService interface {
	Authenticate(ctx context.Context, r *http.Request) (models.Session, error)
}

type Auth struct {
	service authService
}

func NewAuth(as authService) *Auth {
	return &Auth{service: as}
}

// Auth rejects request with 401 unless it has a valid access token.
// The session is available to next handler via userctx.
func (a *Auth) Auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, err := a.service.Authenticate(r.Context(), r)
		if err != nil {
			render.Unauthorized(w, "Unauthorized")
			return
		}
		ctx := userctx.New(r.Context(), session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
