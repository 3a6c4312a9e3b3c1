package tenant

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Role is the membership role within one tenant. Roles admit a total order
// used by queue priority and admin-gated routes.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

var roleRank = map[Role]int{
	RoleViewer: 0,
	RoleMember: 1,
	RoleAdmin:  2,
	RoleOwner:  3,
}

// AtLeast reports whether r ranks at or above other.
func (r Role) AtLeast(other Role) bool {
	return roleRank[r] >= roleRank[other]
}

// QueueAdjustment maps the role to the queue-score adjustment in seconds.
// Lower scores are dequeued first.
func (r Role) QueueAdjustment() float64 {
	switch r {
	case RoleOwner:
		return -10000
	case RoleAdmin:
		return -5000
	case RoleViewer:
		return 5000
	default:
		return 0
	}
}

// Principal is a verified end-user identity. Created on stream admission,
// immutable, lifetime of one request.
type Principal struct {
	UserID    string            `json:"user_id"`
	Email     string            `json:"email"`
	IssuedAt  time.Time         `json:"issued_at"`
	ExpiresAt time.Time         `json:"expires_at"`
	Claims    map[string]string `json:"claims,omitempty"`
}

// Membership links a user to a tenant. Only memberships with a non-nil
// AcceptedAt grant access.
type Membership struct {
	UserID     string     `json:"user_id"`
	TenantID   string     `json:"tenant_id"`
	Role       Role       `json:"role"`
	AcceptedAt *time.Time `json:"accepted_at"`
}

// MembershipSource is the slice of the repository the gate consumes.
type MembershipSource interface {
	Membership(ctx context.Context, userID, tenantID string) (*Membership, error)
}

// ErrUnauthorized is returned when no accepted membership exists for the
// (principal, tenant) pair.
var ErrUnauthorized = errors.New("tenant: not a member of requested tenant")

// Gate is the two-layer tenant-isolation entry point: membership check on
// admission, filter-scope binding for every data-plane operation.
type Gate struct {
	memberships MembershipSource
}

func NewGate(memberships MembershipSource) *Gate {
	return &Gate{memberships: memberships}
}

// Authorize resolves the principal's role within the requested tenant.
// Pending (unaccepted) memberships do not grant access.
func (g *Gate) Authorize(ctx context.Context, principal *Principal, requestedTenantID string) (string, Role, error) {
	if principal == nil || principal.UserID == "" {
		return "", "", ErrUnauthorized
	}
	if requestedTenantID == "" {
		return "", "", fmt.Errorf("tenant: empty tenant id: %w", ErrUnauthorized)
	}

	m, err := g.memberships.Membership(ctx, principal.UserID, requestedTenantID)
	if err != nil {
		return "", "", fmt.Errorf("tenant: membership lookup: %w", err)
	}
	if m == nil || m.AcceptedAt == nil {
		return "", "", ErrUnauthorized
	}
	return m.TenantID, m.Role, nil
}
