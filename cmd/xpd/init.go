package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	"github.com/spf13/cobra"

	"github.com/nodeplane/xpd/pkg/consensus"
	"github.com/nodeplane/xpd/pkg/idgen"
	"github.com/nodeplane/xpd/pkg/security"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap a brand-new xpd cluster rooted at this node",
	Long: `init mints a fresh cluster ID and CA, bootstraps a single-voter Raft
group with this node as its only member, and prints the environment
variables the operator must export before running "xpd serve" (on this
node, and on every node that later "xpd join"s this cluster).

Run this exactly once, on the first node of a new cluster.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		raftBindAddr, _ := cmd.Flags().GetString("raft-bind-addr")
		raftAdvertiseAddr, _ := cmd.Flags().GetString("raft-advertise-addr")
		apiPublicBaseURL, _ := cmd.Flags().GetString("api-public-base-url")
		if nodeID == "" {
			return fmt.Errorf("--node-id is required")
		}
		if apiPublicBaseURL == "" {
			return fmt.Errorf("--api-public-base-url is required")
		}
		if raftAdvertiseAddr == "" {
			raftAdvertiseAddr = raftBindAddr
		}

		clusterID := idgen.New()

		node, err := consensus.NewNode(&consensus.Config{
			NodeID:    nodeID,
			ClusterID: clusterID,
			BindAddr:  raftBindAddr,
			DataDir:   dataDir,
		})
		if err != nil {
			return fmt.Errorf("creating node: %w", err)
		}

		if err := node.CA().Initialize(); err != nil {
			return fmt.Errorf("initializing cluster CA: %w", err)
		}
		if err := node.CA().SaveToStore(); err != nil {
			return fmt.Errorf("persisting cluster CA: %w", err)
		}

		cert, err := node.CA().IssueNodeCertificate(nodeID, nil, nil)
		if err != nil {
			return fmt.Errorf("issuing node certificate: %w", err)
		}

		transport, err := consensus.NewTransport(raftBindAddr, *cert, node.CA().GetRootCACert(), raftTransportMaxPool, raftTransportTimeout)
		if err != nil {
			return fmt.Errorf("building raft transport: %w", err)
		}

		if err := node.Bootstrap(transport, raft.ServerAddress(raftAdvertiseAddr)); err != nil {
			return fmt.Errorf("bootstrapping raft cluster: %w", err)
		}

		certDir := filepath.Join(dataDir, "cluster")
		if err := security.SaveCACertToFile(node.CA().GetRootCACert(), certDir); err != nil {
			return fmt.Errorf("writing cluster ca to %s: %w", certDir, err)
		}

		adminToken, err := security.GenerateAdminToken()
		if err != nil {
			return fmt.Errorf("generating admin token: %w", err)
		}
		adminTokenHash, err := security.HashAdminToken(adminToken)
		if err != nil {
			return fmt.Errorf("hashing admin token: %w", err)
		}

		joinSigningKey := make([]byte, 32)
		if _, err := rand.Read(joinSigningKey); err != nil {
			return fmt.Errorf("generating join signing key: %w", err)
		}

		if err := node.Shutdown(); err != nil {
			return fmt.Errorf("closing node: %w", err)
		}

		printBanner("bootstrap", nodeID, clusterID, dataDir)
		fmt.Println("Cluster initialized. The cluster CA has been written to:")
		fmt.Printf("  %s\n", filepath.Join(certDir, "ca.crt"))
		fmt.Println()
		fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		fmt.Println("  Admin token (shown once - store it somewhere safe)")
		fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		fmt.Println()
		fmt.Printf("  %s\n", adminToken)
		fmt.Println()
		fmt.Println("Export the following before running \"xpd serve\" on this node, and the")
		fmt.Println("same XP_CLUSTER_ID / XP_JOIN_SIGNING_KEY / XP_ADMIN_TOKEN_HASH on every")
		fmt.Println("node that later joins this cluster:")
		fmt.Println()
		fmt.Printf("  export XP_NODE_ID=%s\n", nodeID)
		fmt.Printf("  export XP_CLUSTER_ID=%s\n", clusterID)
		fmt.Printf("  export XP_DATA_DIR=%s\n", dataDir)
		fmt.Printf("  export XP_ADMIN_TOKEN_HASH=%s\n", adminTokenHash)
		fmt.Printf("  export XP_JOIN_SIGNING_KEY=%s\n", hex.EncodeToString(joinSigningKey))
		fmt.Printf("  export XP_API_PUBLIC_BASE_URL=%s\n", apiPublicBaseURL)
		fmt.Printf("  export XP_RAFT_BIND_ADDR=%s\n", raftBindAddr)
		fmt.Println()
		fmt.Println("XP_JOIN_SIGNING_KEY is not distributed by the join handshake - copy it")
		fmt.Println("out of band onto every node that joins this cluster before it runs")
		fmt.Println("\"xpd serve\".")
		return nil
	},
}

const (
	raftTransportMaxPool = 3
	raftTransportTimeout = 10 * time.Second
)

func init() {
	initCmd.Flags().String("node-id", "", "unique ID for this node (required)")
	initCmd.Flags().String("data-dir", "./data", "directory for this node's persistent state")
	initCmd.Flags().String("raft-bind-addr", "0.0.0.0:7000", "address the Raft transport listens on")
	initCmd.Flags().String("raft-advertise-addr", "", "address other nodes dial to reach this node's Raft transport (defaults to raft-bind-addr)")
	initCmd.Flags().String("api-public-base-url", "", "this node's externally-reachable API base URL, e.g. https://node-a.example.com:7080 (required)")
}
