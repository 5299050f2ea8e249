// Package identity resolves platform senders to canonical users and
// enforces access: blacklists, locks, roles and elevation.
package identity

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cursorbot/cursorbot/internal/audit"
	"github.com/cursorbot/cursorbot/internal/errs"
)

// Role is a total order: user < moderator < admin < owner.
type Role int

const (
	RoleUser Role = iota
	RoleModerator
	RoleAdmin
	RoleOwner
)

func (r Role) String() string {
	switch r {
	case RoleOwner:
		return "owner"
	case RoleAdmin:
		return "admin"
	case RoleModerator:
		return "moderator"
	default:
		return "user"
	}
}

// ParseRole maps a config string to a Role. Unknown strings map to
// RoleUser.
func ParseRole(s string) Role {
	switch strings.ToLower(s) {
	case "owner":
		return RoleOwner
	case "admin":
		return RoleAdmin
	case "moderator":
		return RoleModerator
	default:
		return RoleUser
	}
}

// Permissions by name. Each role carries the permissions of the roles
// below it.
const (
	PermChat     = "chat"
	PermCommands = "commands"
	PermModerate = "moderate"
	PermAdmin    = "admin"
	PermOwner    = "owner"
	PermElevated = "elevated"
)

var rolePerms = map[Role][]string{
	RoleUser:      {PermChat, PermCommands},
	RoleModerator: {PermChat, PermCommands, PermModerate},
	RoleAdmin:     {PermChat, PermCommands, PermModerate, PermAdmin},
	RoleOwner:     {PermChat, PermCommands, PermModerate, PermAdmin, PermOwner},
}

// user is the persisted record for one canonical identity.
type user struct {
	ID          string            `json:"id"`
	DisplayName string            `json:"display_name,omitempty"`
	Role        Role              `json:"role"`
	GroupRoles  map[string]Role   `json:"group_roles,omitempty"`
	Links       []string          `json:"links,omitempty"` // "<transport>:<senderID>"
	Grants      map[string]bool   `json:"grants,omitempty"`
	Denies      map[string]bool   `json:"denies,omitempty"`
	LockedUntil time.Time         `json:"locked_until,omitempty"`
	LockReason  string            `json:"lock_reason,omitempty"`
	Elevated    time.Time         `json:"elevated_until,omitempty"`
	Meta        map[string]string `json:"meta,omitempty"`
}

// Service is the identity and access store. Construct with New.
type Service struct {
	mu       sync.RWMutex
	users    map[string]*user  // canonical id -> record
	links    map[string]string // "<transport>:<senderID>" -> canonical id
	blackset map[string]bool   // canonical ids
	ipBlack  map[string]bool
	ipWhite  map[string]bool // empty means "no whitelist"

	globalLock      bool
	globalLockNote  string
	allowDuringLock map[string]bool
	groupLocks      map[string]lockEntry

	path  string // snapshot file, "" disables persistence
	audit *audit.Log
}

type lockEntry struct {
	Until  time.Time `json:"until"`
	Reason string    `json:"reason,omitempty"`
}

// Seed carries the config-sourced bootstrap lists.
type Seed struct {
	Owners      []string
	Admins      []string
	Blacklist   []string
	IPBlacklist []string
	IPWhitelist []string
}

// New builds the service, loading the snapshot at path when present.
// Seed lists are applied on top so config edits always win.
func New(path string, seed Seed, auditLog *audit.Log) *Service {
	s := &Service{
		users:           make(map[string]*user),
		links:           make(map[string]string),
		blackset:        make(map[string]bool),
		ipBlack:         make(map[string]bool),
		ipWhite:         make(map[string]bool),
		allowDuringLock: make(map[string]bool),
		groupLocks:      make(map[string]lockEntry),
		path:            path,
		audit:           auditLog,
	}
	if path != "" {
		if err := s.load(); err != nil {
			slog.Warn("identity: snapshot load failed, starting empty", "path", path, "error", err)
		}
	}
	for _, id := range seed.Owners {
		s.ensure(normalize(id)).Role = RoleOwner
	}
	for _, id := range seed.Admins {
		u := s.ensure(normalize(id))
		if u.Role < RoleAdmin {
			u.Role = RoleAdmin
		}
	}
	for _, id := range seed.Blacklist {
		s.blackset[normalize(id)] = true
	}
	for _, ip := range seed.IPBlacklist {
		s.ipBlack[ip] = true
	}
	for _, ip := range seed.IPWhitelist {
		s.ipWhite[ip] = true
	}
	return s
}

func normalize(id string) string { return strings.ToLower(strings.TrimSpace(id)) }

func linkRef(transport, senderID string) string { return transport + ":" + senderID }

// ensure returns the record for id, creating it if absent. Caller must
// hold no lock; ensure takes it.
func (s *Service) ensure(id string) *user {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureLocked(id)
}

func (s *Service) ensureLocked(id string) *user {
	u, ok := s.users[id]
	if !ok {
		u = &user{ID: id, Role: RoleUser}
		s.users[id] = u
	}
	return u
}

// Resolve maps (transport, senderID) to a canonical user id. Unlinked
// senders resolve to "<transport>:<senderID>" so every sender has a
// stable canonical identity; resolution is a pure function of the
// current link table.
func (s *Service) Resolve(transport, senderID string) string {
	ref := linkRef(transport, senderID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if canonical, ok := s.links[ref]; ok {
		return canonical
	}
	return ref
}

// Link binds a platform sender to a canonical id. Returns Conflict when
// the sender is already linked to a different canonical user.
func (s *Service) Link(canonical, transport, senderID string) error {
	canonical = normalize(canonical)
	ref := linkRef(transport, senderID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.links[ref]; ok && cur != canonical {
		return errs.Conflict(fmt.Sprintf("%s already linked to %s", ref, cur))
	}
	s.links[ref] = canonical
	u := s.ensureLocked(canonical)
	for _, l := range u.Links {
		if l == ref {
			return s.saveLocked()
		}
	}
	u.Links = append(u.Links, ref)
	return s.saveLocked()
}

// Unlink removes the binding. Removing an absent link is a no-op.
func (s *Service) Unlink(transport, senderID string) error {
	ref := linkRef(transport, senderID)
	s.mu.Lock()
	defer s.mu.Unlock()
	canonical, ok := s.links[ref]
	if !ok {
		return nil
	}
	delete(s.links, ref)
	if u, ok := s.users[canonical]; ok {
		kept := u.Links[:0]
		for _, l := range u.Links {
			if l != ref {
				kept = append(kept, l)
			}
		}
		u.Links = kept
	}
	return s.saveLocked()
}

// Links returns the platform refs linked to canonical, sorted.
func (s *Service) Links(canonical string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[normalize(canonical)]
	if !ok {
		return nil
	}
	out := append([]string(nil), u.Links...)
	sort.Strings(out)
	return out
}

// CheckAccess runs the deny-biased evaluation chain. groupID and ip may
// be empty when the context has none. Global admins bypass every rule.
func (s *Service) CheckAccess(canonical, chatID, groupID, ip string) error {
	canonical = normalize(canonical)
	now := time.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	u := s.users[canonical]
	if u != nil && s.effectiveRoleLocked(u, groupID) >= RoleAdmin {
		return nil
	}

	if s.blackset[canonical] {
		s.deny(canonical, "global_blacklist")
		return errs.Unauthorized("global_blacklist")
	}
	if ip != "" {
		if s.ipBlack[ip] {
			s.deny(canonical, "ip_blacklist")
			return errs.Unauthorized("ip_blacklist")
		}
		if len(s.ipWhite) > 0 && !s.ipWhite[ip] {
			s.deny(canonical, "ip_whitelist")
			return errs.Unauthorized("ip_whitelist")
		}
	}
	if u != nil && now.Before(u.LockedUntil) {
		s.deny(canonical, "user_lock")
		return errs.New(errs.CodeLocked, "user is locked").WithDetail("message", u.LockReason)
	}
	if groupID != "" {
		if le, ok := s.groupLocks[groupID]; ok && now.Before(le.Until) {
			s.deny(canonical, "group_lock")
			return errs.New(errs.CodeLocked, "group is locked").WithDetail("message", le.Reason)
		}
	}
	if s.globalLock && !s.allowDuringLock[canonical] {
		s.deny(canonical, "global_lock")
		return errs.New(errs.CodeLocked, "bot is locked").WithDetail("message", s.globalLockNote)
	}
	return nil
}

func (s *Service) deny(canonical, rule string) {
	if s.audit != nil {
		s.audit.Record(audit.Entry{Decision: "deny", Tool: "identity", UserID: canonical, Reason: rule})
	}
}

// CheckPermission reports whether canonical holds permission, taking
// group role promotion, custom grants/denies and elevation into
// account.
func (s *Service) CheckPermission(canonical, permission, groupID string) bool {
	canonical = normalize(canonical)
	s.mu.RLock()
	defer s.mu.RUnlock()

	u := s.users[canonical]
	if u == nil {
		u = &user{ID: canonical, Role: RoleUser}
	}
	if u.Denies[permission] {
		return false
	}
	if u.Grants[permission] {
		return true
	}
	if permission == PermElevated {
		return time.Now().Before(u.Elevated)
	}
	role := s.effectiveRoleLocked(u, groupID)
	for _, p := range rolePerms[role] {
		if p == permission {
			return true
		}
	}
	return false
}

// effectiveRoleLocked is the max of global and group role.
func (s *Service) effectiveRoleLocked(u *user, groupID string) Role {
	role := u.Role
	if groupID != "" {
		if gr, ok := u.GroupRoles[groupID]; ok && gr > role {
			role = gr
		}
	}
	return role
}

// EffectiveRole exposes the combined role for display.
func (s *Service) EffectiveRole(canonical, groupID string) Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u := s.users[normalize(canonical)]
	if u == nil {
		return RoleUser
	}
	return s.effectiveRoleLocked(u, groupID)
}

// SetRole sets the global role.
func (s *Service) SetRole(canonical string, role Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLocked(normalize(canonical)).Role = role
	return s.saveLocked()
}

// SetGroupRole promotes a user inside one group. The effective role is
// never lower than the global one.
func (s *Service) SetGroupRole(canonical, groupID string, role Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.ensureLocked(normalize(canonical))
	if u.GroupRoles == nil {
		u.GroupRoles = make(map[string]Role)
	}
	u.GroupRoles[groupID] = role
	return s.saveLocked()
}

// Grant adds a custom permission grant.
func (s *Service) Grant(canonical, permission string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.ensureLocked(normalize(canonical))
	if u.Grants == nil {
		u.Grants = make(map[string]bool)
	}
	u.Grants[permission] = true
	delete(u.Denies, permission)
	return s.saveLocked()
}

// Deny adds a custom permission deny. Denies beat grants and roles.
func (s *Service) Deny(canonical, permission string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.ensureLocked(normalize(canonical))
	if u.Denies == nil {
		u.Denies = make(map[string]bool)
	}
	u.Denies[permission] = true
	return s.saveLocked()
}

// Elevate grants the elevated bit for ttl. It never changes the role.
func (s *Service) Elevate(canonical string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.ensureLocked(normalize(canonical))
	u.Elevated = time.Now().Add(ttl)
	if s.audit != nil {
		s.audit.Record(audit.Entry{Decision: "allow", Tool: "identity", UserID: u.ID, Reason: "elevated"})
	}
	return s.saveLocked()
}

// RevokeElevation clears the elevated bit immediately.
func (s *Service) RevokeElevation(canonical string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLocked(normalize(canonical)).Elevated = time.Time{}
	return s.saveLocked()
}

// IsElevated reports whether the elevation TTL is still running.
func (s *Service) IsElevated(canonical string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u := s.users[normalize(canonical)]
	return u != nil && time.Now().Before(u.Elevated)
}

// LockUser locks one user until now+d.
func (s *Service) LockUser(canonical string, d time.Duration, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.ensureLocked(normalize(canonical))
	u.LockedUntil = time.Now().Add(d)
	u.LockReason = reason
	return s.saveLocked()
}

// UnlockUser clears a user lock.
func (s *Service) UnlockUser(canonical string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.ensureLocked(normalize(canonical))
	u.LockedUntil = time.Time{}
	u.LockReason = ""
	return s.saveLocked()
}

// LockGroup locks one group chat until now+d.
func (s *Service) LockGroup(groupID string, d time.Duration, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groupLocks[groupID] = lockEntry{Until: time.Now().Add(d), Reason: reason}
}

// UnlockGroup clears a group lock.
func (s *Service) UnlockGroup(groupID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groupLocks, groupID)
}

// LockGlobal locks the whole bot. Users in allow survive the lock.
func (s *Service) LockGlobal(note string, allow []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalLock = true
	s.globalLockNote = note
	s.allowDuringLock = make(map[string]bool, len(allow))
	for _, id := range allow {
		s.allowDuringLock[normalize(id)] = true
	}
}

// UnlockGlobal clears the global lock.
func (s *Service) UnlockGlobal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalLock = false
	s.globalLockNote = ""
	s.allowDuringLock = make(map[string]bool)
}

// Blacklist adds a canonical user to the global blacklist.
func (s *Service) Blacklist(canonical string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blackset[normalize(canonical)] = true
}

// Unblacklist removes a canonical user from the global blacklist.
func (s *Service) Unblacklist(canonical string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blackset, normalize(canonical))
}

// SetDisplayName records a display hint for a canonical user.
func (s *Service) SetDisplayName(canonical, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLocked(normalize(canonical)).DisplayName = name
	return s.saveLocked()
}
