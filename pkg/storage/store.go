package storage

import (
	"github.com/nodeplane/xpd/pkg/types"
)

// Store is the persistence interface backing the replicated state-machine
// projection. It is a plain key-value projection, not the authority: every
// mutation reaches it only via a committed Command applied by the state
// machine (pkg/consensus). Direct callers use it for reads and for the
// snapshot/restore path.
type Store interface {
	// Nodes
	CreateNode(node *types.Node) error
	GetNode(id string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	UpdateNode(node *types.Node) error
	DeleteNode(id string) error

	// Endpoints
	CreateEndpoint(ep *types.Endpoint) error
	GetEndpoint(id string) (*types.Endpoint, error)
	GetEndpointByTag(tag string) (*types.Endpoint, error)
	ListEndpoints() ([]*types.Endpoint, error)
	ListEndpointsByNode(nodeID string) ([]*types.Endpoint, error)
	UpdateEndpoint(ep *types.Endpoint) error
	DeleteEndpoint(id string) error

	// Users
	CreateUser(u *types.User) error
	GetUser(id string) (*types.User, error)
	GetUserByToken(token string) (*types.User, error)
	ListUsers() ([]*types.User, error)
	UpdateUser(u *types.User) error
	DeleteUser(id string) error

	// Grants
	CreateGrant(g *types.Grant) error
	GetGrant(id string) (*types.Grant, error)
	GetGrantByUserEndpoint(userID, endpointID string) (*types.Grant, error)
	ListGrants() ([]*types.Grant, error)
	ListGrantsByUser(userID string) ([]*types.Grant, error)
	ListGrantsByEndpoint(endpointID string) ([]*types.Grant, error)
	UpdateGrant(g *types.Grant) error
	DeleteGrant(id string) error

	// UserNodeQuotas
	PutUserNodeQuota(q *types.UserNodeQuota) error
	GetUserNodeQuota(userID, nodeID string) (*types.UserNodeQuota, error)
	ListUserNodeQuotas() ([]*types.UserNodeQuota, error)
	DeleteUserNodeQuota(userID, nodeID string) error

	// RealityDomains
	CreateRealityDomain(d *types.RealityDomain) error
	GetRealityDomain(id string) (*types.RealityDomain, error)
	ListRealityDomains() ([]*types.RealityDomain, error)
	UpdateRealityDomain(d *types.RealityDomain) error
	DeleteRealityDomain(id string) error

	// Materialized membership index, re-derived after any membership mutation.
	ReplaceMemberships(memberships []*types.NodeUserEndpointMembership) error
	ListMemberships() ([]*types.NodeUserEndpointMembership, error)

	// Certificate Authority (opaque encrypted blob, see pkg/security)
	SaveCA(data []byte) error
	GetCA() ([]byte, error)

	// Snapshot support: a full point-in-time export/import of every bucket
	// above, used by the Raft FSM's Snapshot/Restore.
	Export() (*Snapshot, error)
	Import(snap *Snapshot) error

	Close() error
}

// Snapshot is the versioned JSON document persisted by the Raft snapshot
// store and loaded on restore. Loaders must refuse a SchemaVersion they
// don't recognize rather than attempt a silent migration (§4.B).
type Snapshot struct {
	SchemaVersion int                                  `json:"schema_version"`
	Nodes         []*types.Node                         `json:"nodes"`
	Endpoints     []*types.Endpoint                      `json:"endpoints"`
	Users         []*types.User                          `json:"users"`
	Grants        []*types.Grant                         `json:"grants"`
	UserNodeQuotas []*types.UserNodeQuota                `json:"user_node_quotas"`
	RealityDomains []*types.RealityDomain                `json:"reality_domains"`
	Memberships   []*types.NodeUserEndpointMembership     `json:"memberships"`
}
