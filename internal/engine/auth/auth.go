package auth

import (
	"fmt"
	"slices"

	"governor/internal/config"
)

// Permissions understood by the admin surface.
const (
	PermRead  = "governance.read"
	PermWrite = "governance.write"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// UnknownRoleError is returned when a role is not declared under rbac.roles.
type UnknownRoleError struct {
	Role string
}

func (e UnknownRoleError) Error() string {
	return fmt.Sprintf("role %s is not defined", e.Role)
}

// Service resolves roles to permissions from governor.yml.
type Service struct {
	Config *config.Config
}

// HasRole reports whether role is declared.
func (s Service) HasRole(role string) bool {
	if s.Config == nil {
		return false
	}
	_, ok := s.Config.RBAC.Roles[role]
	return ok
}

// EnsureRole returns UnknownRoleError for undeclared roles.
func (s Service) EnsureRole(role string) error {
	if !s.HasRole(role) {
		return UnknownRoleError{Role: role}
	}
	return nil
}

// Permissions merges explicit permissions with those granted by roles.
func (s Service) Permissions(explicit []string, roles ...string) []string {
	perms := slices.Clone(explicit)
	if s.Config != nil {
		perms = append(perms, s.Config.RolePermissions(roles...)...)
	}
	slices.Sort(perms)
	return slices.Compact(perms)
}

// Require returns ForbiddenError unless perm is granted. Write implies read.
func Require(granted []string, perm string) error {
	if slices.Contains(granted, perm) || slices.Contains(granted, "*") {
		return nil
	}
	if perm == PermRead && slices.Contains(granted, PermWrite) {
		return nil
	}
	return ForbiddenError{Permission: perm}
}
