package server

import (
	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	v1 "github.com/gosuda/roundtable/internal/api/v1"
	"github.com/gosuda/roundtable/internal/api/ws"
)

func registerAPIRoutes(api huma.API, deps Deps, minRequestLength int) {
	v1.RegisterSessionRoutes(api, deps.Sessions, deps.Runner, minRequestLength)
	v1.RegisterStatusRoutes(api, deps.Status)
}

func registerWSRoutes(r chi.Router, channel *ws.Channel) {
	r.Get("/sessions/{sessionID}", channel.ServeSession)
}
