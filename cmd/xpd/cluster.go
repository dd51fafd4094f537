package main

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/nodeplane/xpd/pkg/security"
)

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Inspect a cluster and mint join tokens, as an admin client of its HTTP API",
}

// clusterHTTPClient trusts the CA written to <data-dir>/cluster/ca.crt by
// "xpd init"/"xpd join", the same file a node reads its own cluster CA from.
func clusterHTTPClient(caFile string) (*http.Client, error) {
	caCert, err := security.LoadCACertFromFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("loading cluster ca from %s: %w", caFile, err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(caCert)
	return &http.Client{
		Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool}},
	}, nil
}

type clusterInfoResponse struct {
	ClusterID        string `json:"cluster_id"`
	NodeID           string `json:"node_id"`
	Role             string `json:"role"`
	LeaderAPIBaseURL string `json:"leader_api_base_url"`
	Term             uint64 `json:"term"`
	XPVersion        string `json:"xp_version"`
}

var clusterInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print a node's view of the cluster (GET /api/cluster/info)",
	RunE: func(cmd *cobra.Command, args []string) error {
		apiURL, _ := cmd.Flags().GetString("api-url")
		caDir, _ := cmd.Flags().GetString("ca-dir")
		if apiURL == "" {
			return fmt.Errorf("--api-url is required")
		}

		client, err := clusterHTTPClient(caDir)
		if err != nil {
			return err
		}

		resp, err := client.Get(apiURL + "/api/cluster/info")
		if err != nil {
			return fmt.Errorf("calling %s: %w", apiURL, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("reading response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s: %s", resp.Status, string(body))
		}

		var info clusterInfoResponse
		if err := json.Unmarshal(body, &info); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}

		fmt.Printf("cluster:  %s\n", info.ClusterID)
		fmt.Printf("node:     %s (%s)\n", info.NodeID, info.Role)
		fmt.Printf("leader:   %s\n", info.LeaderAPIBaseURL)
		fmt.Printf("term:     %d\n", info.Term)
		fmt.Printf("version:  %s\n", info.XPVersion)
		return nil
	},
}

type issueJoinTokenRequest struct {
	TTLSeconds int `json:"ttl_seconds"`
}

type issueJoinTokenResponse struct {
	JoinToken string `json:"join_token"`
}

var clusterJoinTokenCmd = &cobra.Command{
	Use:   "join-token",
	Short: "Mint a one-time join token (POST /api/admin/cluster/join-tokens, leader only)",
	Long: `join-token asks the cluster leader to mint a signed, one-time token
that a new node's "xpd join" can use to authenticate its join request. The
leader embeds its own address and the cluster CA in the token, so the
joining node never needs either out of band.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		apiURL, _ := cmd.Flags().GetString("api-url")
		caDir, _ := cmd.Flags().GetString("ca-dir")
		adminToken, _ := cmd.Flags().GetString("admin-token")
		ttlSeconds, _ := cmd.Flags().GetInt("ttl-seconds")
		if apiURL == "" {
			return fmt.Errorf("--api-url is required")
		}
		if adminToken == "" {
			return fmt.Errorf("--admin-token is required")
		}

		client, err := clusterHTTPClient(caDir)
		if err != nil {
			return err
		}

		reqBody, err := json.Marshal(issueJoinTokenRequest{TTLSeconds: ttlSeconds})
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		httpReq, err := http.NewRequest(http.MethodPost, apiURL+"/api/admin/cluster/join-tokens", bytes.NewReader(reqBody))
		if err != nil {
			return fmt.Errorf("building request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+adminToken)

		resp, err := client.Do(httpReq)
		if err != nil {
			return fmt.Errorf("calling %s: %w", apiURL, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("reading response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s: %s", resp.Status, string(body))
		}

		var tokenResp issueJoinTokenResponse
		if err := json.Unmarshal(body, &tokenResp); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}

		fmt.Println(tokenResp.JoinToken)
		return nil
	},
}

func init() {
	clusterCmd.AddCommand(clusterInfoCmd)
	clusterCmd.AddCommand(clusterJoinTokenCmd)

	for _, c := range []*cobra.Command{clusterInfoCmd, clusterJoinTokenCmd} {
		c.Flags().String("api-url", "", "base URL of a node's public API, e.g. https://node-a.example.com:7080 (required)")
		c.Flags().String("ca-dir", "./data/cluster", "directory holding this cluster's ca.crt")
	}
	clusterJoinTokenCmd.Flags().String("admin-token", "", "cluster admin token (required)")
	clusterJoinTokenCmd.Flags().Int("ttl-seconds", 900, "how long the minted token remains valid")
}
