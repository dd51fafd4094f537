package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nodeplane/xpd/pkg/config"
	"github.com/nodeplane/xpd/pkg/consensus"
)

var recoverSingleNodeCmd = &cobra.Command{
	Use:   "recover-single-node",
	Short: "Force this node into a single-voter Raft configuration",
	Long: `recover-single-node rewrites this node's Raft configuration to a
single voter (itself), discarding the rest of the cluster's membership. Use
it only after losing quorum permanently - e.g. every other node in a
3-or-5-node cluster is gone for good - to bring this node's replicated state
back online as a new one-node cluster that surviving peers can then rejoin.

Run with the process stopped; it opens the data directory directly.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		nodeCfg := &consensus.Config{
			NodeID:    cfg.NodeID,
			ClusterID: cfg.ClusterID,
			BindAddr:  cfg.RaftBindAddr,
			DataDir:   cfg.DataDir,
		}

		node, err := consensus.NewNode(nodeCfg)
		if err != nil {
			return fmt.Errorf("creating node: %w", err)
		}

		if err := node.CA().LoadFromStore(); err != nil {
			return fmt.Errorf("loading cluster ca: %w", err)
		}

		cert, err := node.CA().IssueNodeCertificate(cfg.NodeID, nil, nil)
		if err != nil {
			return fmt.Errorf("issuing node certificate: %w", err)
		}

		transport, err := consensus.NewTransport(cfg.RaftBindAddr, *cert, node.CA().GetRootCACert(), raftTransportMaxPool, raftTransportTimeout)
		if err != nil {
			return fmt.Errorf("building raft transport: %w", err)
		}

		// RecoverSingleNode opens its own BoltDB log/stable stores at the same
		// data directory; release this node's exclusive lock on them first.
		if err := node.Shutdown(); err != nil {
			return fmt.Errorf("closing node: %w", err)
		}

		if err := consensus.RecoverSingleNode(nodeCfg, transport); err != nil {
			return fmt.Errorf("recovering single-node cluster: %w", err)
		}

		fmt.Printf("node %s recovered as a single-voter cluster. Start \"xpd serve\" to resume.\n", cfg.NodeID)
		return nil
	},
}
