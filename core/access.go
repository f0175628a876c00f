package core

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// AccessAuthority is the role oracle consulted by every gated operation.
type AccessAuthority interface {
	HasCapability(role common.Hash, caller common.Address) bool
}

// Role ids follow the AccessControl convention: keccak256 of the role name, zero hash for the admin role.
var (
	DefaultAdminRole      = common.Hash{}
	CampaignCreatorRole   = crypto.Keccak256Hash([]byte("CAMPAIGN_CREATOR_ROLE"))
	CampaignAdminRole     = crypto.Keccak256Hash([]byte("CAMPAIGN_ADMIN_ROLE"))
	StakeManagerRole      = crypto.Keccak256Hash([]byte("STAKE_MANAGER_ROLE"))
	CheckpointCouncilRole = crypto.Keccak256Hash([]byte("CHECKPOINT_COUNCIL_ROLE"))
	DistributionAdminRole = crypto.Keccak256Hash([]byte("DISTRIBUTION_ADMIN_ROLE"))
	TreasuryRole          = crypto.Keccak256Hash([]byte("TREASURY_ROLE"))
)

var roleNames = map[common.Hash]string{
	DefaultAdminRole:      "DEFAULT_ADMIN_ROLE",
	CampaignCreatorRole:   "CAMPAIGN_CREATOR_ROLE",
	CampaignAdminRole:     "CAMPAIGN_ADMIN_ROLE",
	StakeManagerRole:      "STAKE_MANAGER_ROLE",
	CheckpointCouncilRole: "CHECKPOINT_COUNCIL_ROLE",
	DistributionAdminRole: "DISTRIBUTION_ADMIN_ROLE",
	TreasuryRole:          "TREASURY_ROLE",
}

// RoleName returns the well known name of a role id, or its hex form.
func RoleName(role common.Hash) string {
	if name, ok := roleNames[role]; ok {
		return name
	}
	return role.Hex()
}

// RoleByName resolves a role name as written in config files.
func RoleByName(name string) (common.Hash, bool) {
	for id, n := range roleNames {
		if n == name {
			return id, true
		}
	}
	return common.Hash{}, false
}

func requireRole(auth AccessAuthority, role common.Hash, caller common.Address) error {
	if auth == nil || !auth.HasCapability(role, caller) {
		return &AccessError{Role: role, Caller: caller}
	}
	return nil
}

var _ AccessAuthority = (*RoleAuthority)(nil)

// RoleAuthority is an in-memory AccessAuthority. Members of DefaultAdminRole manage every role.
type RoleAuthority struct {
	mu      sync.RWMutex
	members map[common.Hash]map[common.Address]bool
}

func NewRoleAuthority(admin common.Address) *RoleAuthority {
	ra := &RoleAuthority{
		members: make(map[common.Hash]map[common.Address]bool),
	}
	ra.grant(DefaultAdminRole, admin)
	return ra
}

func (ra *RoleAuthority) HasCapability(role common.Hash, caller common.Address) bool {
	ra.mu.RLock()
	defer ra.mu.RUnlock()
	return ra.members[role][caller]
}

func (ra *RoleAuthority) GrantRole(caller common.Address, role common.Hash, account common.Address) error {
	if account == (common.Address{}) {
		return ErrZeroAddress
	}
	if err := requireRole(ra, DefaultAdminRole, caller); err != nil {
		return err
	}
	ra.grant(role, account)
	return nil
}

func (ra *RoleAuthority) RevokeRole(caller common.Address, role common.Hash, account common.Address) error {
	if err := requireRole(ra, DefaultAdminRole, caller); err != nil {
		return err
	}
	ra.mu.Lock()
	defer ra.mu.Unlock()
	delete(ra.members[role], account)
	return nil
}

func (ra *RoleAuthority) grant(role common.Hash, account common.Address) {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	if ra.members[role] == nil {
		ra.members[role] = make(map[common.Address]bool)
	}
	ra.members[role][account] = true
}
