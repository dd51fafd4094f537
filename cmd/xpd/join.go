package main

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nodeplane/xpd/pkg/consensus"
	"github.com/nodeplane/xpd/pkg/security"
)

// joinClusterRequest/joinClusterResponse mirror pkg/apiserver's wire shapes
// for POST /api/cluster/join. They're redeclared here rather than imported
// since apiserver keeps them unexported - this CLI is just another client
// of that HTTP surface, same as an admin's curl script would be.
type joinClusterRequest struct {
	NodeID   string `json:"node_id"`
	BindAddr string `json:"bind_addr"`
	CSRPEM   string `json:"csr_pem"`
}

type joinClusterResponse struct {
	NodeID         string `json:"node_id"`
	SignedCert     string `json:"signed_cert"`
	ClusterCA      string `json:"cluster_ca"`
	ClusterCAKey   string `json:"cluster_ca_key"`
	AdminTokenHash string `json:"admin_token_hash"`
}

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join this node to an existing xpd cluster using a join token",
	Long: `join decodes the cluster CA and leader address embedded in a join
token (minted by "xpd cluster join-token" on an existing node), generates a
CSR, and submits it to the leader's join endpoint. The leader signs the CSR,
adds this node as a Raft voter, and returns the cluster CA so this node can
verify peers on its own from then on.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		token, _ := cmd.Flags().GetString("token")
		nodeID, _ := cmd.Flags().GetString("node-id")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		raftBindAddr, _ := cmd.Flags().GetString("raft-bind-addr")
		raftAdvertiseAddr, _ := cmd.Flags().GetString("raft-advertise-addr")
		if token == "" {
			return fmt.Errorf("--token is required")
		}
		if nodeID == "" {
			return fmt.Errorf("--node-id is required")
		}
		if raftAdvertiseAddr == "" {
			raftAdvertiseAddr = raftBindAddr
		}

		claims, err := security.ParseJoinTokenClaims(token)
		if err != nil {
			return fmt.Errorf("reading join token: %w", err)
		}
		if claims.LeaderAPIBaseURL == "" {
			return fmt.Errorf("join token does not carry a leader address")
		}

		caPool := x509.NewCertPool()
		if !caPool.AppendCertsFromPEM([]byte(claims.ClusterCA)) {
			return fmt.Errorf("join token's embedded cluster CA is not valid PEM")
		}
		httpClient := &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{RootCAs: caPool},
			},
		}

		csrPEM, csrKey, err := security.GenerateNodeCSR(nodeID)
		if err != nil {
			return fmt.Errorf("generating csr: %w", err)
		}

		reqBody, err := json.Marshal(joinClusterRequest{
			NodeID:   nodeID,
			BindAddr: raftAdvertiseAddr,
			CSRPEM:   csrPEM,
		})
		if err != nil {
			return fmt.Errorf("encoding join request: %w", err)
		}

		httpReq, err := http.NewRequest(http.MethodPost, claims.LeaderAPIBaseURL+"/api/cluster/join", bytes.NewReader(reqBody))
		if err != nil {
			return fmt.Errorf("building join request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+token)

		resp, err := httpClient.Do(httpReq)
		if err != nil {
			return fmt.Errorf("calling %s: %w", claims.LeaderAPIBaseURL, err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("reading join response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("join request rejected: %s: %s", resp.Status, string(respBody))
		}

		var joinResp joinClusterResponse
		if err := json.Unmarshal(respBody, &joinResp); err != nil {
			return fmt.Errorf("decoding join response: %w", err)
		}

		certBlock, _ := pem.Decode([]byte(joinResp.SignedCert))
		if certBlock == nil {
			return fmt.Errorf("join response's signed_cert is not valid PEM")
		}
		caCertBlock, _ := pem.Decode([]byte(joinResp.ClusterCA))
		if caCertBlock == nil {
			return fmt.Errorf("join response's cluster_ca is not valid PEM")
		}
		caKeyBlock, _ := pem.Decode([]byte(joinResp.ClusterCAKey))
		if caKeyBlock == nil {
			return fmt.Errorf("join response's cluster_ca_key is not valid PEM")
		}

		node, err := consensus.NewNode(&consensus.Config{
			NodeID:    nodeID,
			ClusterID: claims.ClusterID,
			BindAddr:  raftBindAddr,
			DataDir:   dataDir,
		})
		if err != nil {
			return fmt.Errorf("creating node: %w", err)
		}

		if err := node.ImportCA(caCertBlock.Bytes, caKeyBlock.Bytes); err != nil {
			return fmt.Errorf("importing cluster CA: %w", err)
		}

		tlsCert := tls.Certificate{
			Certificate: [][]byte{certBlock.Bytes},
			PrivateKey:  csrKey,
		}
		transport, err := consensus.NewTransport(raftBindAddr, tlsCert, caCertBlock.Bytes, raftTransportMaxPool, raftTransportTimeout)
		if err != nil {
			return fmt.Errorf("building raft transport: %w", err)
		}

		if err := node.JoinLocal(transport); err != nil {
			return fmt.Errorf("starting raft: %w", err)
		}

		if err := node.Shutdown(); err != nil {
			return fmt.Errorf("closing node: %w", err)
		}

		certDir := filepath.Join(dataDir, "cluster")
		if err := security.SaveCACertToFile(caCertBlock.Bytes, certDir); err != nil {
			return fmt.Errorf("writing cluster ca to %s: %w", certDir, err)
		}

		printBanner("joined", nodeID, claims.ClusterID, dataDir)
		fmt.Println("Joined cluster. Export the following before running \"xpd serve\":")
		fmt.Println()
		fmt.Printf("  export XP_NODE_ID=%s\n", nodeID)
		fmt.Printf("  export XP_CLUSTER_ID=%s\n", claims.ClusterID)
		fmt.Printf("  export XP_DATA_DIR=%s\n", dataDir)
		fmt.Printf("  export XP_ADMIN_TOKEN_HASH=%s\n", joinResp.AdminTokenHash)
		fmt.Printf("  export XP_RAFT_BIND_ADDR=%s\n", raftBindAddr)
		fmt.Println()
		fmt.Println("XP_JOIN_SIGNING_KEY and XP_API_PUBLIC_BASE_URL are not carried by the join")
		fmt.Println("handshake: set XP_JOIN_SIGNING_KEY to the same value configured on the")
		fmt.Println("rest of the cluster, and XP_API_PUBLIC_BASE_URL to this node's own")
		fmt.Println("externally-reachable API base URL.")
		return nil
	},
}

func init() {
	joinCmd.Flags().String("token", "", "join token minted by \"xpd cluster join-token\" (required)")
	joinCmd.Flags().String("node-id", "", "unique ID for this node (required)")
	joinCmd.Flags().String("data-dir", "./data", "directory for this node's persistent state")
	joinCmd.Flags().String("raft-bind-addr", "0.0.0.0:7000", "address the Raft transport listens on")
	joinCmd.Flags().String("raft-advertise-addr", "", "address other nodes dial to reach this node's Raft transport (defaults to raft-bind-addr)")
}
