// Package identity resolves the authenticated actor for authorization
// checks inside decide/respond operations. Authentication itself is an
// external collaborator; this package only carries its result.
package identity

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

type ActorType string

const (
	ActorTypeUser   ActorType = "user"
	ActorTypeSystem ActorType = "system"
)

// Actor is the authenticated principal for the current operation.
type Actor struct {
	Type     ActorType
	ID       snowflake.ID
	TenantID snowflake.ID
	Roles    []string
}

// System returns the synthetic actor used for auto-approvals and sweeps.
func System() Actor {
	return Actor{Type: ActorTypeSystem}
}

func (a Actor) IsSystem() bool { return a.Type == ActorTypeSystem }

func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// roleLevels maps role names to the approval levels they may decide.
var roleLevels = map[string]int{
	"finance":   1,
	"manager":   2,
	"executive": 3,
}

// RoleLevel returns the approval level a role grants, or 0 for unknown
// roles.
func RoleLevel(role string) int { return roleLevels[role] }

// MaxApprovalLevel returns the highest approval level the actor's roles
// grant. System actors may decide any level.
func (a Actor) MaxApprovalLevel() int {
	if a.IsSystem() {
		return roleLevels["executive"]
	}
	max := 0
	for _, r := range a.Roles {
		if lvl, ok := roleLevels[r]; ok && lvl > max {
			max = lvl
		}
	}
	return max
}

// HasLevel reports whether the actor may decide a step requiring level.
// Higher roles may decide lower-level steps.
func (a Actor) HasLevel(level int) bool {
	return a.MaxApprovalLevel() >= level
}

type actorContextKey struct{}

func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok
}
