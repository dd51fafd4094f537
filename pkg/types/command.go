package types

import "time"

// CommandOp tags the variant carried by a DesiredStateCommand. The apply
// path is an exhaustive switch over this tag; there is no open-ended
// polymorphism (see design notes on dynamic command dispatch).
type CommandOp string

const (
	OpUpsertNode             CommandOp = "upsert_node"
	OpPatchNodeMeta          CommandOp = "patch_node_meta"
	OpUpsertEndpoint         CommandOp = "upsert_endpoint"
	OpDeleteEndpoint         CommandOp = "delete_endpoint"
	OpRotateShortID          CommandOp = "rotate_short_id"
	OpUpsertUser             CommandOp = "upsert_user"
	OpPatchUser              CommandOp = "patch_user"
	OpDeleteUser             CommandOp = "delete_user"
	OpResetSubscriptionToken CommandOp = "reset_subscription_token"
	OpSetUserAccess          CommandOp = "set_user_access"
	OpSetGrantEnabled        CommandOp = "set_grant_enabled"
	OpSetUserNodeQuota       CommandOp = "set_user_node_quota"
	OpUpsertRealityDomain    CommandOp = "upsert_reality_domain"
	OpDeleteRealityDomain    CommandOp = "delete_reality_domain"
	OpReorderRealityDomains  CommandOp = "reorder_reality_domains"
	OpSetNodeMemberships     CommandOp = "set_node_memberships"
	OpDeleteNode             CommandOp = "delete_node"
)

// Command is the single envelope type applied by the replicated state
// machine. Data holds the op-specific payload, pre-decoded by the caller
// into one of the Op*Data structs below and re-marshaled to JSON for the
// Raft log entry. Timestamp is set once by the node proposing the command
// and is the only clock reading the state machine ever consults: Apply runs
// independently on every replica, so it must treat wall-clock time as part
// of the command's input rather than read it itself.
type Command struct {
	Op        CommandOp `json:"op"`
	Data      []byte    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// OpUpsertNodeData is the payload for OpUpsertNode.
type OpUpsertNodeData struct {
	Node *Node `json:"node"`
}

// OpPatchNodeMetaData is the payload for OpPatchNodeMeta.
type OpPatchNodeMetaData struct {
	NodeID     string       `json:"node_id"`
	NodeName   *string      `json:"node_name,omitempty"`
	AccessHost *string      `json:"access_host,omitempty"`
	APIBaseURL *string      `json:"api_base_url,omitempty"`
	Reset      *ResetConfig `json:"reset,omitempty"`
}

// OpUpsertEndpointData is the payload for OpUpsertEndpoint.
type OpUpsertEndpointData struct {
	Endpoint *Endpoint `json:"endpoint"`
}

// OpDeleteEndpointData is the payload for OpDeleteEndpoint.
type OpDeleteEndpointData struct {
	EndpointID string `json:"endpoint_id"`
}

// OpRotateShortIDData is the payload for OpRotateShortID.
type OpRotateShortIDData struct {
	EndpointID string `json:"endpoint_id"`
	NewShortID string `json:"new_short_id"` // 8-byte hex (16 chars), pre-generated by the proposer
}

// OpUpsertUserData is the payload for OpUpsertUser.
type OpUpsertUserData struct {
	User *User `json:"user"`
}

// OpPatchUserData is the payload for OpPatchUser.
type OpPatchUserData struct {
	UserID      string       `json:"user_id"`
	DisplayName *string      `json:"display_name,omitempty"`
	Reset       *ResetConfig `json:"reset,omitempty"`
}

// OpDeleteUserData is the payload for OpDeleteUser.
type OpDeleteUserData struct {
	UserID string `json:"user_id"`
}

// OpResetSubscriptionTokenData is the payload for OpResetSubscriptionToken.
type OpResetSubscriptionTokenData struct {
	UserID  string `json:"user_id"`
	NewToken string `json:"new_token"` // pre-generated by the proposer
}

// OpSetUserAccessData is the payload for OpSetUserAccess: the sole
// user-to-endpoint write path. It hard-cuts the user's Grant set to exactly
// EndpointIDs, creating/updating/deleting Grants as needed.
type OpSetUserAccessData struct {
	UserID      string   `json:"user_id"`
	EndpointIDs []string `json:"endpoint_ids"`
}

// OpSetGrantEnabledData is the payload for OpSetGrantEnabled.
type OpSetGrantEnabledData struct {
	GrantID string      `json:"grant_id"`
	Enabled bool        `json:"enabled"`
	Source  GrantSource `json:"source"`
}

// OpSetUserNodeQuotaData is the payload for OpSetUserNodeQuota.
type OpSetUserNodeQuotaData struct {
	UserID          string           `json:"user_id"`
	NodeID          string           `json:"node_id"`
	QuotaLimitBytes int64            `json:"quota_limit_bytes"`
	ResetSource     QuotaResetSource `json:"reset_source"`
}

// OpUpsertRealityDomainData is the payload for OpUpsertRealityDomain.
type OpUpsertRealityDomainData struct {
	Domain *RealityDomain `json:"domain"`
}

// OpDeleteRealityDomainData is the payload for OpDeleteRealityDomain.
type OpDeleteRealityDomainData struct {
	DomainID string `json:"domain_id"`
}

// OpReorderRealityDomainsData is the payload for OpReorderRealityDomains.
type OpReorderRealityDomainsData struct {
	OrderedDomainIDs []string `json:"ordered_domain_ids"`
}

// OpSetNodeMembershipsData is the payload for OpSetNodeMemberships, applied
// alongside the Raft membership change it mirrors.
type OpSetNodeMembershipsData struct {
	VoterNodeIDs []string `json:"voter_node_ids"`
}

// OpDeleteNodeData is the payload for OpDeleteNode.
type OpDeleteNodeData struct {
	NodeID string `json:"node_id"`
}
