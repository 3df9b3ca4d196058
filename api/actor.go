package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/apprh/leave-engine/leave"
)

// =============================================================================
// ACTOR - Identity forwarded by the authentication proxy
// =============================================================================

const (
	HeaderActorID    = "X-Actor-ID"
	HeaderActorRoles = "X-Actor-Roles"
)

type actorKey struct{}

// ActorFromContext returns the actor attached by ActorMiddleware. Requests
// without identity headers carry an actor with no ID and no roles, which
// the service rejects for every write.
func ActorFromContext(ctx context.Context) leave.Actor {
	actor, _ := ctx.Value(actorKey{}).(leave.Actor)
	return actor
}

func WithActor(ctx context.Context, actor leave.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorMiddleware reads the actor from X-Actor-ID and the comma-separated
// X-Actor-Roles header. An unknown role fails the request with 400.
func ActorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := parseActor(r.Header)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

func parseActor(h http.Header) (leave.Actor, error) {
	actor := leave.Actor{ID: strings.TrimSpace(h.Get(HeaderActorID))}

	for _, raw := range strings.Split(h.Get(HeaderActorRoles), ",") {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		role, err := leave.ParseRole(raw)
		if err != nil {
			return leave.Actor{}, err
		}
		if !actor.HasRole(role) {
			actor.Roles = append(actor.Roles, role)
		}
	}
	return actor, nil
}
