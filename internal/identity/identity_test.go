package identity

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cursorbot/cursorbot/internal/errs"
)

func newTestService(t *testing.T, seed Seed) *Service {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "identity.json"), seed, nil)
}

func TestResolveUnlinkedIsStable(t *testing.T) {
	s := newTestService(t, Seed{})
	got := s.Resolve("telegram", "42")
	if got != "telegram:42" {
		t.Errorf("Resolve = %q, want telegram:42", got)
	}
	if again := s.Resolve("telegram", "42"); again != got {
		t.Errorf("Resolve not deterministic: %q vs %q", again, got)
	}
}

func TestLinkMergesTransports(t *testing.T) {
	s := newTestService(t, Seed{})
	if err := s.Link("alice", "telegram", "42"); err != nil {
		t.Fatal(err)
	}
	if err := s.Link("alice", "signal", "+15550001"); err != nil {
		t.Fatal(err)
	}
	if got := s.Resolve("telegram", "42"); got != "alice" {
		t.Errorf("telegram resolve = %q", got)
	}
	if got := s.Resolve("signal", "+15550001"); got != "alice" {
		t.Errorf("signal resolve = %q", got)
	}
	if n := len(s.Links("alice")); n != 2 {
		t.Errorf("links = %d, want 2", n)
	}
}

func TestLinkConflict(t *testing.T) {
	s := newTestService(t, Seed{})
	if err := s.Link("alice", "telegram", "42"); err != nil {
		t.Fatal(err)
	}
	err := s.Link("bob", "telegram", "42")
	if !errs.IsCode(err, errs.CodeConflict) {
		t.Errorf("relink to other canonical = %v, want Conflict", err)
	}
	// Re-linking to the same canonical is idempotent.
	if err := s.Link("alice", "telegram", "42"); err != nil {
		t.Errorf("idempotent relink: %v", err)
	}
}

func TestUnlinkRestoresDefaultResolution(t *testing.T) {
	s := newTestService(t, Seed{})
	if err := s.Link("alice", "telegram", "42"); err != nil {
		t.Fatal(err)
	}
	if err := s.Unlink("telegram", "42"); err != nil {
		t.Fatal(err)
	}
	if got := s.Resolve("telegram", "42"); got != "telegram:42" {
		t.Errorf("Resolve after unlink = %q", got)
	}
}

func TestAccessEvaluationOrder(t *testing.T) {
	s := newTestService(t, Seed{
		Blacklist:   []string{"banned"},
		IPBlacklist: []string{"10.0.0.9"},
	})

	if err := s.CheckAccess("banned", "", "", ""); !errs.IsCode(err, errs.CodeUnauthorized) {
		t.Errorf("blacklist: %v", err)
	}
	if err := s.CheckAccess("alice", "", "", "10.0.0.9"); !errs.IsCode(err, errs.CodeUnauthorized) {
		t.Errorf("ip blacklist: %v", err)
	}
	if err := s.CheckAccess("alice", "", "", "10.0.0.1"); err != nil {
		t.Errorf("clean user: %v", err)
	}
}

func TestIPWhitelistNonMembershipDenies(t *testing.T) {
	s := newTestService(t, Seed{IPWhitelist: []string{"127.0.0.1"}})
	if err := s.CheckAccess("alice", "", "", "8.8.8.8"); !errs.IsCode(err, errs.CodeUnauthorized) {
		t.Errorf("non-whitelisted ip: %v", err)
	}
	if err := s.CheckAccess("alice", "", "", "127.0.0.1"); err != nil {
		t.Errorf("whitelisted ip: %v", err)
	}
	// No IP in context skips IP checks.
	if err := s.CheckAccess("alice", "", "", ""); err != nil {
		t.Errorf("no ip: %v", err)
	}
}

func TestLocks(t *testing.T) {
	s := newTestService(t, Seed{})
	if err := s.LockUser("alice", time.Minute, "spamming"); err != nil {
		t.Fatal(err)
	}
	err := s.CheckAccess("alice", "", "", "")
	if !errs.IsCode(err, errs.CodeLocked) {
		t.Fatalf("locked user: %v", err)
	}
	if err := s.UnlockUser("alice"); err != nil {
		t.Fatal(err)
	}
	if err := s.CheckAccess("alice", "", "", ""); err != nil {
		t.Errorf("unlocked user: %v", err)
	}

	s.LockGroup("g1", time.Minute, "raid")
	if err := s.CheckAccess("alice", "c1", "g1", ""); !errs.IsCode(err, errs.CodeLocked) {
		t.Errorf("group lock: %v", err)
	}
	if err := s.CheckAccess("alice", "c2", "g2", ""); err != nil {
		t.Errorf("other group: %v", err)
	}
}

func TestGlobalLockAllowSet(t *testing.T) {
	s := newTestService(t, Seed{})
	s.LockGlobal("maintenance", []string{"carol"})
	if err := s.CheckAccess("alice", "", "", ""); !errs.IsCode(err, errs.CodeLocked) {
		t.Errorf("global lock: %v", err)
	}
	if err := s.CheckAccess("carol", "", "", ""); err != nil {
		t.Errorf("allow-during-lock: %v", err)
	}
	s.UnlockGlobal()
	if err := s.CheckAccess("alice", "", "", ""); err != nil {
		t.Errorf("after unlock: %v", err)
	}
}

func TestAdminBypassesAllRules(t *testing.T) {
	s := newTestService(t, Seed{Admins: []string{"root"}})
	s.Blacklist("root")
	s.LockGlobal("maintenance", nil)
	if err := s.CheckAccess("root", "", "", ""); err != nil {
		t.Errorf("admin bypass: %v", err)
	}
}

func TestPermissionsRolesAndOverrides(t *testing.T) {
	s := newTestService(t, Seed{})
	if !s.CheckPermission("alice", PermChat, "") {
		t.Error("user lacks chat")
	}
	if s.CheckPermission("alice", PermModerate, "") {
		t.Error("user has moderate")
	}

	// Group promotion raises the effective role in that group only.
	if err := s.SetGroupRole("alice", "g1", RoleModerator); err != nil {
		t.Fatal(err)
	}
	if !s.CheckPermission("alice", PermModerate, "g1") {
		t.Error("group moderator lacks moderate in group")
	}
	if s.CheckPermission("alice", PermModerate, "g2") {
		t.Error("group role leaked to other group")
	}

	// Custom deny beats role permission.
	if err := s.Deny("alice", PermChat); err != nil {
		t.Fatal(err)
	}
	if s.CheckPermission("alice", PermChat, "") {
		t.Error("deny did not override role")
	}
	// Custom grant beats role gap; deny still beats grant.
	if err := s.Grant("alice", PermAdmin); err != nil {
		t.Fatal(err)
	}
	if !s.CheckPermission("alice", PermAdmin, "") {
		t.Error("grant did not apply")
	}
}

func TestElevationOrthogonalToRole(t *testing.T) {
	s := newTestService(t, Seed{})
	if s.CheckPermission("alice", PermElevated, "") {
		t.Error("elevated before Elevate")
	}
	if err := s.Elevate("alice", time.Minute); err != nil {
		t.Fatal(err)
	}
	if !s.CheckPermission("alice", PermElevated, "") {
		t.Error("not elevated after Elevate")
	}
	if s.EffectiveRole("alice", "") != RoleUser {
		t.Error("elevation changed role")
	}
	if err := s.RevokeElevation("alice"); err != nil {
		t.Fatal(err)
	}
	if s.IsElevated("alice") {
		t.Error("still elevated after revoke")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	s := New(path, Seed{}, nil)
	if err := s.Link("alice", "telegram", "42"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetRole("alice", RoleModerator); err != nil {
		t.Fatal(err)
	}

	re := New(path, Seed{}, nil)
	if got := re.Resolve("telegram", "42"); got != "alice" {
		t.Errorf("resolve after reload = %q", got)
	}
	if re.EffectiveRole("alice", "") != RoleModerator {
		t.Error("role lost on reload")
	}
}

func TestCorruptSnapshotDegradesToEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := New(path, Seed{}, nil)
	if got := s.Resolve("telegram", "42"); got != "telegram:42" {
		t.Errorf("resolve = %q", got)
	}
}
