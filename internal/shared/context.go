package shared

import "context"

// Actor identifies who performs an operation and from where.
// A zero UserID denotes a system action.
type Actor struct {
	UserID    int64
	IPAddress string
	UserAgent string
}

// SystemActor returns the actor used by jobs and seeders.
func SystemActor() Actor {
	return Actor{}
}

// IsSystem reports whether the actor is the system rather than a user.
func (a Actor) IsSystem() bool {
	return a.UserID == 0
}

// UserIDPtr returns nil for system actors.
func (a Actor) UserIDPtr() *int64 {
	if a.IsSystem() {
		return nil
	}
	id := a.UserID
	return &id
}

type actorContextKey struct{}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok
}
