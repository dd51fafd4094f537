package consensus

import (
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/nodeplane/xpd/pkg/events"
	"github.com/nodeplane/xpd/pkg/metrics"
	"github.com/nodeplane/xpd/pkg/security"
	"github.com/nodeplane/xpd/pkg/storage"
	"github.com/nodeplane/xpd/pkg/types"
)

// Config holds the parameters needed to bring up a Node's Raft identity.
type Config struct {
	NodeID    string
	ClusterID string
	BindAddr  string
	DataDir   string
}

// Node wires a storage.Store, an FSM, and a cluster CA into a single Raft
// group member. It owns everything local to one fleet member's replicated
// state; the HTTPS listener, mTLS termination, and join wire protocol live
// in pkg/apiserver and call into Node rather than the reverse.
type Node struct {
	nodeID    string
	clusterID string
	bindAddr  string
	dataDir   string

	raft   *raft.Raft
	fsm    *FSM
	store  storage.Store
	ca     *security.CertAuthority
	broker *events.Broker
}

// SetBroker attaches a broker that membership changes are also published
// to. Optional: nil leaves AddVoter/RemoveServer logging only.
func (n *Node) SetBroker(b *events.Broker) {
	n.broker = b
}

// NewNode constructs a Node backed by a fresh or existing BoltDB store under
// cfg.DataDir, and sets the process-wide cluster encryption key derived from
// cfg.ClusterID (see security.DeriveKeyFromClusterID). It does not start
// Raft; call Bootstrap or Join afterward.
func NewNode(cfg *Config) (*Node, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}

	clusterKey := security.DeriveKeyFromClusterID(cfg.ClusterID)
	if err := security.SetClusterEncryptionKey(clusterKey); err != nil {
		return nil, fmt.Errorf("setting cluster encryption key: %w", err)
	}

	return &Node{
		nodeID:    cfg.NodeID,
		clusterID: cfg.ClusterID,
		bindAddr:  cfg.BindAddr,
		dataDir:   cfg.DataDir,
		fsm:       NewFSM(store),
		store:     store,
		ca:        security.NewCertAuthority(store),
	}, nil
}

// raftConfig returns timeouts tuned for single-digit-second failover on a
// LAN/WAN-edge deployment of up to 20 voters, rather than hashicorp/raft's
// conservative WAN-scale defaults.
func (n *Node) raftConfig() *raft.Config {
	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(n.nodeID)
	cfg.HeartbeatTimeout = 500 * time.Millisecond
	cfg.ElectionTimeout = 500 * time.Millisecond
	cfg.CommitTimeout = 50 * time.Millisecond
	cfg.LeaderLeaseTimeout = 250 * time.Millisecond
	return cfg
}

func (n *Node) buildRaft(transport raft.Transport) error {
	snapshotStore, err := raft.NewFileSnapshotStore(n.dataDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("creating snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(n.dataDir, "raft-log.db"))
	if err != nil {
		return fmt.Errorf("creating raft log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(n.dataDir, "raft-stable.db"))
	if err != nil {
		return fmt.Errorf("creating raft stable store: %w", err)
	}

	r, err := raft.NewRaft(n.raftConfig(), n.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("creating raft instance: %w", err)
	}
	n.raft = r
	return nil
}

// Bootstrap initializes a brand-new single-voter cluster rooted at this
// node, generating the cluster CA if one does not already exist in the
// store.
func (n *Node) Bootstrap(transport raft.Transport, advertiseAddr raft.ServerAddress) error {
	if err := n.buildRaft(transport); err != nil {
		return err
	}

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{ID: raft.ServerID(n.nodeID), Address: advertiseAddr},
		},
	}
	if err := n.raft.BootstrapCluster(configuration).Error(); err != nil {
		return fmt.Errorf("bootstrapping raft cluster: %w", err)
	}

	return n.initializeCA()
}

// JoinLocal brings up this node's Raft instance in preparation for a remote
// leader adding it as a voter. Unlike Bootstrap, it issues no configuration:
// the first AddVoter call the leader replicates is what gives this instance
// a configuration at all. The caller (pkg/apiserver's join handler) is
// responsible for the HTTPS request/response exchange with the leader and
// for calling ImportCA with the material the leader returns.
func (n *Node) JoinLocal(transport raft.Transport) error {
	return n.buildRaft(transport)
}

// ImportCA installs a cluster CA obtained from a join response (DER-encoded
// certificate and private key) and persists it to the local store so this
// node can sign certificates even before its first Raft snapshot lands.
func (n *Node) ImportCA(rootCertDER, rootKeyDER []byte) error {
	if err := n.ca.ImportRoot(rootCertDER, rootKeyDER); err != nil {
		return fmt.Errorf("importing cluster CA: %w", err)
	}
	return n.ca.SaveToStore()
}

// initializeCA ensures a cluster CA exists, loading one already present in
// the store or minting a fresh one otherwise (the bootstrap path).
func (n *Node) initializeCA() error {
	if n.ca.IsInitialized() {
		return nil
	}
	if err := n.ca.LoadFromStore(); err == nil {
		return nil
	}
	if err := n.ca.Initialize(); err != nil {
		return fmt.Errorf("initializing cluster CA: %w", err)
	}
	return n.ca.SaveToStore()
}

// AddVoter adds nodeID at address to the Raft configuration. Only valid to
// call on the current leader.
func (n *Node) AddVoter(nodeID, address string) error {
	if n.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !n.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", n.LeaderAddr())
	}
	future := n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("adding voter %s: %w", nodeID, err)
	}
	if n.broker != nil {
		n.broker.Publish(&events.Event{
			Type:     events.EventNodeJoined,
			Message:  nodeID + " joined the cluster",
			Metadata: map[string]string{"node_id": nodeID, "address": address},
		})
	}
	return nil
}

// RemoveServer removes nodeID from the Raft configuration. Only valid to
// call on the current leader. The FSM-side rejection rules for DeleteNode
// (owns an endpoint, is the local node) are enforced by the caller before
// this is reached; RemoveServer itself only rejects removing the current
// leader, since hashicorp/raft does that unconditionally.
func (n *Node) RemoveServer(nodeID string) error {
	if n.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !n.IsLeader() {
		return fmt.Errorf("not the leader")
	}
	future := n.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("removing server %s: %w", nodeID, err)
	}
	if n.broker != nil {
		n.broker.Publish(&events.Event{
			Type:     events.EventNodeLeft,
			Message:  nodeID + " left the cluster",
			Metadata: map[string]string{"node_id": nodeID},
		})
	}
	return nil
}

// RecoverSingleNode rewrites the local Raft configuration to a single voter
// (this node), for disaster recovery when a majority of the cluster is
// permanently lost (§4.D). It must be run offline, against this node's own
// log/stable/snapshot stores, before Raft is started.
func RecoverSingleNode(cfg *Config, transport raft.Transport) error {
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return fmt.Errorf("opening raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return fmt.Errorf("opening raft stable store: %w", err)
	}
	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("opening snapshot store: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()
	fsm := NewFSM(store)

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{ID: raft.ServerID(cfg.NodeID), Address: raft.ServerAddress(cfg.BindAddr)},
		},
	}
	return raft.RecoverCluster(raftConfigFor(cfg.NodeID), fsm, logStore, stableStore, snapshotStore, transport, configuration)
}

func raftConfigFor(nodeID string) *raft.Config {
	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(nodeID)
	return cfg
}

// GetClusterServers returns the current Raft configuration's server list.
func (n *Node) GetClusterServers() ([]raft.Server, error) {
	if n.raft == nil {
		return nil, fmt.Errorf("raft not initialized")
	}
	future := n.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("getting raft configuration: %w", err)
	}
	return future.Configuration().Servers, nil
}

// IsLeader reports whether this node currently holds Raft leadership.
func (n *Node) IsLeader() bool {
	return n.raft != nil && n.raft.State() == raft.Leader
}

// LeaderAddr returns the advertise address of the current Raft leader, or
// "" if none is known.
func (n *Node) LeaderAddr() string {
	if n.raft == nil {
		return ""
	}
	return string(n.raft.Leader())
}

// RaftStats returns a snapshot of Raft's internal counters, used by the
// cluster status API.
func (n *Node) RaftStats() map[string]interface{} {
	if n.raft == nil {
		return nil
	}
	stats := map[string]interface{}{
		"state":          n.raft.State().String(),
		"last_log_index": n.raft.LastIndex(),
		"applied_index":  n.raft.AppliedIndex(),
		"leader":         string(n.raft.Leader()),
	}
	if future := n.raft.GetConfiguration(); future.Error() == nil {
		stats["voters"] = uint64(len(future.Configuration().Servers))
	}
	return stats
}

// Apply proposes cmd to the Raft log and blocks until it commits, returning
// any error the state machine reported for it. It stamps cmd.Timestamp here
// (the single point where wall-clock time enters the replicated log) rather
// than leaving it to the FSM, since Apply runs once per proposal but the
// FSM runs once per replica.
func (n *Node) Apply(op types.CommandOp, payload interface{}) error {
	if n.raft == nil {
		return fmt.Errorf("raft not initialized")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling command payload: %w", err)
	}
	cmd := types.Command{Op: op, Data: data, Timestamp: time.Now().UTC()}

	encoded, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshaling command: %w", err)
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftCommitDuration)

	future := n.raft.Apply(encoded, 5*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("applying command: %w", err)
	}
	if resp := future.Response(); resp != nil {
		if applyErr, ok := resp.(error); ok && applyErr != nil {
			return applyErr
		}
	}
	return nil
}

// Store exposes the read-only projection backing this node, for handlers
// that serve reads locally regardless of leadership.
func (n *Node) Store() storage.Store { return n.store }

// CA exposes the cluster certificate authority.
func (n *Node) CA() *security.CertAuthority { return n.ca }

// NodeID returns this node's identity.
func (n *Node) NodeID() string { return n.nodeID }

// ClusterID returns the cluster this node was initialized or joined into.
func (n *Node) ClusterID() string { return n.clusterID }

// Term returns the current Raft term, or 0 before Raft has started.
func (n *Node) Term() uint64 {
	if n.raft == nil {
		return 0
	}
	term, _ := strconv.ParseUint(n.raft.Stats()["term"], 10, 64)
	return term
}

// VerifyPeerCertificate is a convenience wrapper pairing VerifyCertificate
// with PeerNodeID, for the mTLS transport layer.
func (n *Node) VerifyPeerCertificate(cert *x509.Certificate) (string, error) {
	if err := n.ca.VerifyCertificate(cert); err != nil {
		return "", err
	}
	return security.PeerNodeID(cert)
}

// LocalAdvertiseAddr resolves n.bindAddr for use as a raft.ServerAddress.
func (n *Node) LocalAdvertiseAddr() (raft.ServerAddress, error) {
	addr, err := net.ResolveTCPAddr("tcp", n.bindAddr)
	if err != nil {
		return "", fmt.Errorf("resolving bind address: %w", err)
	}
	return raft.ServerAddress(addr.String()), nil
}

// Shutdown stops Raft and closes the store.
func (n *Node) Shutdown() error {
	if n.raft != nil {
		if err := n.raft.Shutdown().Error(); err != nil {
			return fmt.Errorf("shutting down raft: %w", err)
		}
	}
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			return fmt.Errorf("closing store: %w", err)
		}
	}
	return nil
}
