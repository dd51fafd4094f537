package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/nodeplane/xpd/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketNodes          = []byte("nodes")
	bucketEndpoints      = []byte("endpoints")
	bucketUsers          = []byte("users")
	bucketGrants         = []byte("grants")
	bucketUserNodeQuotas = []byte("user_node_quotas")
	bucketRealityDomains = []byte("reality_domains")
	bucketMemberships    = []byte("memberships")
	bucketCA             = []byte("ca")

	membershipsKey = []byte("all")
	caKey          = []byte("ca")
)

// BoltStore implements Store on top of a single BoltDB file, one bucket per
// entity kind, JSON-encoded values keyed by entity ID.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the projection database under
// dataDir/state.db.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "state.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}

	buckets := [][]byte{
		bucketNodes,
		bucketEndpoints,
		bucketUsers,
		bucketGrants,
		bucketUserNodeQuotas,
		bucketRealityDomains,
		bucketMemberships,
		bucketCA,
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("creating bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// --- Nodes ---

func (s *BoltStore) CreateNode(node *types.Node) error {
	return s.put(bucketNodes, node.NodeID, node)
}

func (s *BoltStore) GetNode(id string) (*types.Node, error) {
	var node types.Node
	if err := s.get(bucketNodes, id, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(_, v []byte) error {
			var n types.Node
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			nodes = append(nodes, &n)
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) UpdateNode(node *types.Node) error { return s.CreateNode(node) }

func (s *BoltStore) DeleteNode(id string) error { return s.del(bucketNodes, id) }

// --- Endpoints ---

func (s *BoltStore) CreateEndpoint(ep *types.Endpoint) error {
	return s.put(bucketEndpoints, ep.EndpointID, ep)
}

func (s *BoltStore) GetEndpoint(id string) (*types.Endpoint, error) {
	var ep types.Endpoint
	if err := s.get(bucketEndpoints, id, &ep); err != nil {
		return nil, err
	}
	return &ep, nil
}

func (s *BoltStore) GetEndpointByTag(tag string) (*types.Endpoint, error) {
	endpoints, err := s.ListEndpoints()
	if err != nil {
		return nil, err
	}
	for _, ep := range endpoints {
		if ep.Tag == tag {
			return ep, nil
		}
	}
	return nil, fmt.Errorf("endpoint not found for tag %q", tag)
}

func (s *BoltStore) ListEndpoints() ([]*types.Endpoint, error) {
	var endpoints []*types.Endpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEndpoints).ForEach(func(_, v []byte) error {
			var ep types.Endpoint
			if err := json.Unmarshal(v, &ep); err != nil {
				return err
			}
			endpoints = append(endpoints, &ep)
			return nil
		})
	})
	return endpoints, err
}

func (s *BoltStore) ListEndpointsByNode(nodeID string) ([]*types.Endpoint, error) {
	all, err := s.ListEndpoints()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Endpoint
	for _, ep := range all {
		if ep.NodeID == nodeID {
			filtered = append(filtered, ep)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateEndpoint(ep *types.Endpoint) error { return s.CreateEndpoint(ep) }

func (s *BoltStore) DeleteEndpoint(id string) error { return s.del(bucketEndpoints, id) }

// --- Users ---

func (s *BoltStore) CreateUser(u *types.User) error { return s.put(bucketUsers, u.UserID, u) }

func (s *BoltStore) GetUser(id string) (*types.User, error) {
	var u types.User
	if err := s.get(bucketUsers, id, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *BoltStore) GetUserByToken(token string) (*types.User, error) {
	users, err := s.ListUsers()
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		if u.SubscriptionToken == token {
			return u, nil
		}
	}
	return nil, fmt.Errorf("user not found for subscription token")
}

func (s *BoltStore) ListUsers() ([]*types.User, error) {
	var users []*types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(_, v []byte) error {
			var u types.User
			if err := json.Unmarshal(v, &u); err != nil {
				return err
			}
			users = append(users, &u)
			return nil
		})
	})
	return users, err
}

func (s *BoltStore) UpdateUser(u *types.User) error { return s.CreateUser(u) }

func (s *BoltStore) DeleteUser(id string) error { return s.del(bucketUsers, id) }

// --- Grants ---

func (s *BoltStore) CreateGrant(g *types.Grant) error { return s.put(bucketGrants, g.GrantID, g) }

func (s *BoltStore) GetGrant(id string) (*types.Grant, error) {
	var g types.Grant
	if err := s.get(bucketGrants, id, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *BoltStore) GetGrantByUserEndpoint(userID, endpointID string) (*types.Grant, error) {
	grants, err := s.ListGrants()
	if err != nil {
		return nil, err
	}
	for _, g := range grants {
		if g.UserID == userID && g.EndpointID == endpointID {
			return g, nil
		}
	}
	return nil, fmt.Errorf("grant not found for user %q endpoint %q", userID, endpointID)
}

func (s *BoltStore) ListGrants() ([]*types.Grant, error) {
	var grants []*types.Grant
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGrants).ForEach(func(_, v []byte) error {
			var g types.Grant
			if err := json.Unmarshal(v, &g); err != nil {
				return err
			}
			grants = append(grants, &g)
			return nil
		})
	})
	return grants, err
}

func (s *BoltStore) ListGrantsByUser(userID string) ([]*types.Grant, error) {
	all, err := s.ListGrants()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Grant
	for _, g := range all {
		if g.UserID == userID {
			filtered = append(filtered, g)
		}
	}
	return filtered, nil
}

func (s *BoltStore) ListGrantsByEndpoint(endpointID string) ([]*types.Grant, error) {
	all, err := s.ListGrants()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Grant
	for _, g := range all {
		if g.EndpointID == endpointID {
			filtered = append(filtered, g)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateGrant(g *types.Grant) error { return s.CreateGrant(g) }

func (s *BoltStore) DeleteGrant(id string) error { return s.del(bucketGrants, id) }

// --- UserNodeQuotas ---

func (s *BoltStore) PutUserNodeQuota(q *types.UserNodeQuota) error {
	return s.put(bucketUserNodeQuotas, q.Key(), q)
}

func (s *BoltStore) GetUserNodeQuota(userID, nodeID string) (*types.UserNodeQuota, error) {
	var q types.UserNodeQuota
	if err := s.get(bucketUserNodeQuotas, userID+"/"+nodeID, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

func (s *BoltStore) ListUserNodeQuotas() ([]*types.UserNodeQuota, error) {
	var quotas []*types.UserNodeQuota
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUserNodeQuotas).ForEach(func(_, v []byte) error {
			var q types.UserNodeQuota
			if err := json.Unmarshal(v, &q); err != nil {
				return err
			}
			quotas = append(quotas, &q)
			return nil
		})
	})
	return quotas, err
}

func (s *BoltStore) DeleteUserNodeQuota(userID, nodeID string) error {
	return s.del(bucketUserNodeQuotas, userID+"/"+nodeID)
}

// --- RealityDomains ---

func (s *BoltStore) CreateRealityDomain(d *types.RealityDomain) error {
	return s.put(bucketRealityDomains, d.DomainID, d)
}

func (s *BoltStore) GetRealityDomain(id string) (*types.RealityDomain, error) {
	var d types.RealityDomain
	if err := s.get(bucketRealityDomains, id, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// ListRealityDomains returns every RealityDomain ordered by Position
// ascending, the order ReorderRealityDomains (pkg/consensus) maintains and
// EffectiveServerNames relies on for the SNI list it hands to the proxy.
// BoltDB's ForEach yields raw key order, which has no relation to Position.
func (s *BoltStore) ListRealityDomains() ([]*types.RealityDomain, error) {
	var domains []*types.RealityDomain
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRealityDomains).ForEach(func(_, v []byte) error {
			var d types.RealityDomain
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			domains = append(domains, &d)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(domains, func(i, j int) bool { return domains[i].Position < domains[j].Position })
	return domains, nil
}

func (s *BoltStore) UpdateRealityDomain(d *types.RealityDomain) error { return s.CreateRealityDomain(d) }

func (s *BoltStore) DeleteRealityDomain(id string) error { return s.del(bucketRealityDomains, id) }

// --- Memberships ---

func (s *BoltStore) ReplaceMemberships(memberships []*types.NodeUserEndpointMembership) error {
	return s.put(bucketMemberships, string(membershipsKey), memberships)
}

func (s *BoltStore) ListMemberships() ([]*types.NodeUserEndpointMembership, error) {
	var memberships []*types.NodeUserEndpointMembership
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMemberships).Get(membershipsKey)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &memberships)
	})
	return memberships, err
}

// --- Certificate Authority ---

func (s *BoltStore) SaveCA(data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCA).Put(caKey, data)
	})
}

func (s *BoltStore) GetCA() ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCA).Get(caKey)
		if data == nil {
			return fmt.Errorf("cluster CA not yet initialized")
		}
		out = append([]byte(nil), data...)
		return nil
	})
	return out, err
}

// --- Snapshot export/import ---

// Export walks every bucket and assembles a full Snapshot, used by the Raft
// FSM when a new snapshot is requested.
func (s *BoltStore) Export() (*Snapshot, error) {
	nodes, err := s.ListNodes()
	if err != nil {
		return nil, err
	}
	endpoints, err := s.ListEndpoints()
	if err != nil {
		return nil, err
	}
	users, err := s.ListUsers()
	if err != nil {
		return nil, err
	}
	grants, err := s.ListGrants()
	if err != nil {
		return nil, err
	}
	quotas, err := s.ListUserNodeQuotas()
	if err != nil {
		return nil, err
	}
	domains, err := s.ListRealityDomains()
	if err != nil {
		return nil, err
	}
	memberships, err := s.ListMemberships()
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		SchemaVersion:  types.SchemaVersion,
		Nodes:          nodes,
		Endpoints:      endpoints,
		Users:          users,
		Grants:         grants,
		UserNodeQuotas: quotas,
		RealityDomains: domains,
		Memberships:    memberships,
	}, nil
}

// Import replaces the entire projection with the contents of snap. Buckets
// are cleared and repopulated inside a single transaction so a crash
// mid-restore never leaves a mixed-generation projection.
func (s *BoltStore) Import(snap *Snapshot) error {
	if snap.SchemaVersion != types.SchemaVersion {
		return fmt.Errorf("snapshot schema version %d unsupported (want %d): %w",
			snap.SchemaVersion, types.SchemaVersion, errSchemaMismatch)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		reset := [][]byte{
			bucketNodes, bucketEndpoints, bucketUsers, bucketGrants,
			bucketUserNodeQuotas, bucketRealityDomains, bucketMemberships,
		}
		for _, name := range reset {
			if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}

		put := func(bucket []byte, key string, v any) error {
			data, err := json.Marshal(v)
			if err != nil {
				return err
			}
			return tx.Bucket(bucket).Put([]byte(key), data)
		}

		for _, n := range snap.Nodes {
			if err := put(bucketNodes, n.NodeID, n); err != nil {
				return err
			}
		}
		for _, e := range snap.Endpoints {
			if err := put(bucketEndpoints, e.EndpointID, e); err != nil {
				return err
			}
		}
		for _, u := range snap.Users {
			if err := put(bucketUsers, u.UserID, u); err != nil {
				return err
			}
		}
		for _, g := range snap.Grants {
			if err := put(bucketGrants, g.GrantID, g); err != nil {
				return err
			}
		}
		for _, q := range snap.UserNodeQuotas {
			if err := put(bucketUserNodeQuotas, q.Key(), q); err != nil {
				return err
			}
		}
		for _, d := range snap.RealityDomains {
			if err := put(bucketRealityDomains, d.DomainID, d); err != nil {
				return err
			}
		}
		data, err := json.Marshal(snap.Memberships)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMemberships).Put(membershipsKey, data)
	})
}

var errSchemaMismatch = fmt.Errorf("schema_mismatch")

// --- generic helpers ---

func (s *BoltStore) put(bucket []byte, key string, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *BoltStore) get(bucket []byte, key string, out any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("not found: %s/%s", bucket, key)
		}
		return json.Unmarshal(data, out)
	})
}

func (s *BoltStore) del(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}
