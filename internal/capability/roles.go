package capability

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Role is a named permission checked before privileged calls.
type Role string

const (
	RoleAdmin      Role = "ADMIN"
	RoleSequencer  Role = "SEQUENCER"
	RoleLiquidator Role = "LIQUIDATOR"
	RoleDepositor  Role = "DEPOSITOR"
)

// ParseRole accepts a role name in any case.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToUpper(strings.TrimSpace(s))); r {
	case RoleAdmin, RoleSequencer, RoleLiquidator, RoleDepositor:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// RoleChecker answers hasRole(role, caller).
type RoleChecker interface {
	HasRole(role Role, caller common.Address) bool
}

// StaticRoles is a fixed role table loaded from configuration.
type StaticRoles struct {
	holders map[Role]map[common.Address]struct{}
}

func NewStaticRoles(grants map[Role][]common.Address) *StaticRoles {
	r := &StaticRoles{holders: make(map[Role]map[common.Address]struct{}, len(grants))}
	for role, addrs := range grants {
		for _, a := range addrs {
			r.Grant(role, a)
		}
	}
	return r
}

// Grant adds caller to role. Only used while wiring; not safe for use
// concurrently with HasRole.
func (r *StaticRoles) Grant(role Role, caller common.Address) {
	set, ok := r.holders[role]
	if !ok {
		set = make(map[common.Address]struct{})
		r.holders[role] = set
	}
	set[caller] = struct{}{}
}

func (r *StaticRoles) HasRole(role Role, caller common.Address) bool {
	_, ok := r.holders[role][caller]
	return ok
}
