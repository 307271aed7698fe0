package handlers

import (
	"net/http"

	"github.com/nkiryanov/hotline/internal/handlers/middleware"
	"github.com/nkiryanov/hotline/internal/logger"
)

// chain applies middlewares in the given order: m1(m2(...(h)))
func chain(h http.Handler, mds ...func(next http.Handler) http.Handler) http.Handler {
	for i := len(mds) - 1; i >= 0; i-- {
		h = mds[i](h)
	}
	return h
}

// NewRouter mounts auth API, websocket endpoint and metrics
func NewRouter(
	authService authService,
	ws http.Handler,
	metrics http.Handler,
	logger logger.Logger,
) http.Handler {
	authMiddleware := middleware.NewAuth(authService)
	withAuth := authMiddleware.Auth

	authHandler := NewAuth(authService, logger)

	apiauth := http.NewServeMux()
	apiauth.Handle("/", authHandler.Handler())
	apiauth.Handle("POST /logout", withAuth(http.HandlerFunc(authHandler.logout)))
	apiauth.Handle("POST /logout-all", withAuth(http.HandlerFunc(authHandler.logoutAll)))
	apiauth.Handle("GET /me", withAuth(handleUserMe()))

	root := http.NewServeMux()
	root.Handle("/api/auth/", http.StripPrefix("/api/auth", apiauth))
	root.Handle("GET /ws", withAuth(ws))
	root.Handle("GET /metrics", metrics)

	handler := chain(root,
		middleware.LoggerMiddleware(logger),
	)

	return handler
}
