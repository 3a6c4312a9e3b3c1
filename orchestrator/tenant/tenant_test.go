package tenant

import (
	"context"
	"errors"
	"testing"
	"time"
)

// memMemberships is a MembershipSource fixture.
type memMemberships map[string]*Membership

func (m memMemberships) Membership(ctx context.Context, userID, tenantID string) (*Membership, error) {
	return m[userID+"|"+tenantID], nil
}

func accepted(userID, tenantID string, role Role) *Membership {
	now := time.Now()
	return &Membership{UserID: userID, TenantID: tenantID, Role: role, AcceptedAt: &now}
}

func TestGate_Authorize(t *testing.T) {
	gate := NewGate(memMemberships{
		"alice|acme":  accepted("alice", "acme", RoleOwner),
		"bob|acme":    {UserID: "bob", TenantID: "acme", Role: RoleMember}, // pending invite
		"alice|other": accepted("alice", "other", RoleViewer),
	})
	ctx := context.Background()
	principal := &Principal{UserID: "alice"}

	tenantID, role, err := gate.Authorize(ctx, principal, "acme")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if tenantID != "acme" || role != RoleOwner {
		t.Fatalf("got (%s, %s), want (acme, owner)", tenantID, role)
	}

	// Non-member is refused.
	if _, _, err := gate.Authorize(ctx, &Principal{UserID: "mallory"}, "acme"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-member: %v, want ErrUnauthorized", err)
	}
	// Pending membership does not grant access.
	if _, _, err := gate.Authorize(ctx, &Principal{UserID: "bob"}, "acme"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("pending membership: %v, want ErrUnauthorized", err)
	}
	// Nil principal and empty tenant are refused.
	if _, _, err := gate.Authorize(ctx, nil, "acme"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("nil principal: %v", err)
	}
	if _, _, err := gate.Authorize(ctx, principal, ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("empty tenant: %v", err)
	}
}

func TestRole_Ordering(t *testing.T) {
	if !RoleOwner.AtLeast(RoleAdmin) || !RoleAdmin.AtLeast(RoleMember) || !RoleMember.AtLeast(RoleViewer) {
		t.Fatal("role order broken")
	}
	if RoleViewer.AtLeast(RoleMember) {
		t.Fatal("viewer must not rank at member")
	}
}

func TestRole_QueueAdjustment(t *testing.T) {
	// Owner must always sort before admin, admin before member, member
	// before viewer when timestamps are equal.
	if !(RoleOwner.QueueAdjustment() < RoleAdmin.QueueAdjustment() &&
		RoleAdmin.QueueAdjustment() < RoleMember.QueueAdjustment() &&
		RoleMember.QueueAdjustment() < RoleViewer.QueueAdjustment()) {
		t.Fatal("queue adjustments do not order roles")
	}
}

func TestScope_BindAndNesting(t *testing.T) {
	ctx := context.Background()

	if _, err := FromContext(ctx); !errors.Is(err, ErrScopeUnset) {
		t.Fatalf("unbound context: %v, want ErrScopeUnset", err)
	}

	scope := Scope{TenantID: "acme", UserID: "alice"}
	scoped, err := Bind(ctx, scope)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	got, err := FromContext(scoped)
	if err != nil || got != scope {
		t.Fatalf("FromContext = (%+v, %v)", got, err)
	}

	// Reentrant bind with identical values is a no-op.
	again, err := Bind(scoped, scope)
	if err != nil {
		t.Fatalf("reentrant Bind: %v", err)
	}
	if again != scoped {
		t.Fatal("reentrant Bind should return the same context")
	}

	// Rebinding a different tenant is a hard error.
	if _, err := Bind(scoped, Scope{TenantID: "other", UserID: "alice"}); !errors.Is(err, ErrScopeMismatch) {
		t.Fatalf("cross-tenant rebind: %v, want ErrScopeMismatch", err)
	}

	// Partial scopes never bind.
	if _, err := Bind(ctx, Scope{TenantID: "acme"}); !errors.Is(err, ErrScopeUnset) {
		t.Fatalf("partial scope: %v, want ErrScopeUnset", err)
	}
}

func TestWithScope_DoesNotLeak(t *testing.T) {
	ctx := context.Background()
	var inner context.Context

	err := WithScope(ctx, "acme", "alice", func(scoped context.Context) error {
		inner = scoped
		return nil
	})
	if err != nil {
		t.Fatalf("WithScope: %v", err)
	}

	// The original context stays unbound after the call returns.
	if _, err := FromContext(ctx); !errors.Is(err, ErrScopeUnset) {
		t.Fatal("scope leaked into the parent context")
	}
	if _, err := FromContext(inner); err != nil {
		t.Fatal("scope missing inside the call")
	}
}

func TestValidateIsolation(t *testing.T) {
	payload := map[string]interface{}{
		"tenant_id": "acme",
		"results": []interface{}{
			map[string]interface{}{"tenant_id": "acme", "value": 1},
			map[string]interface{}{"tenantId": "evil-corp", "value": 2},
		},
		"nested": map[string]interface{}{
			"tenant": "acme",
		},
	}

	report, err := ValidateIsolation("acme", payload)
	if err != nil {
		t.Fatalf("ValidateIsolation: %v", err)
	}
	if report.FieldsChecked != 4 {
		t.Fatalf("fields checked = %d, want 4", report.FieldsChecked)
	}
	if len(report.Violations) != 1 {
		t.Fatalf("violations = %+v, want exactly one", report.Violations)
	}
	if report.Violations[0].Found != "evil-corp" {
		t.Fatalf("violation found %q", report.Violations[0].Found)
	}
	if report.OK() {
		t.Fatal("report.OK() with a violation present")
	}
	if got := report.SuccessRate(); got != 0.75 {
		t.Fatalf("success rate = %v, want 0.75", got)
	}

	// Clean payloads trivially pass.
	clean, _ := ValidateIsolation("acme", map[string]interface{}{"value": 42})
	if !clean.OK() || clean.SuccessRate() != 1.0 {
		t.Fatalf("clean payload report = %+v", clean)
	}
}
