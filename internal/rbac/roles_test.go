package rbac

import "testing"

func TestHasAnyRole(t *testing.T) {
	if !HasAnyRole(true, nil, RoleAdmin) {
		t.Fatalf("superuser must pass")
	}
	if !HasAnyRole(true, nil) {
		t.Fatalf("superuser must pass even with no roles requested")
	}
	if HasAnyRole(false, []string{RoleViewer}) {
		t.Fatalf("empty allowed list must not match")
	}
	if !HasAnyRole(false, []string{RoleViewer, RoleAnalista}, RoleAdmin, RoleAnalista) {
		t.Fatalf("expected intersection to match")
	}
	if HasAnyRole(false, []string{RoleViewer}, RoleAdmin, RoleAnalista) {
		t.Fatalf("expected no match")
	}
}

func TestAtLeast(t *testing.T) {
	got := AtLeast(RoleAnalista)
	if len(got) != 2 || got[0] != RoleAnalista || got[1] != RoleAdmin {
		t.Fatalf("unexpected tiers: %v", got)
	}
	if got := AtLeast("OTHER"); len(got) != 1 || got[0] != "OTHER" {
		t.Fatalf("unknown role should yield itself, got %v", got)
	}
}
