package main

import (
	"crypto/x509"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nodeplane/xpd/pkg/config"
	"github.com/nodeplane/xpd/pkg/consensus"
	"github.com/nodeplane/xpd/pkg/security"
)

var certsCmd = &cobra.Command{
	Use:   "certs",
	Short: "Inspect or rotate this node's leaf certificate",
}

var certsInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print this node's cached leaf certificate and its chain validity",
	Long: `info reads the leaf certificate cached under <data-dir>/node (written by
"xpd serve" on first start) and the cluster CA root, prints expiry and usage
details, and verifies the leaf still chains to the root.

Run with the process stopped; both stores are opened read-only but exclusively.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		certDir := nodeCertDir(cfg.DataDir)
		if !security.CertExists(certDir) {
			return fmt.Errorf("no cached certificate under %s (has this node run \"xpd serve\" yet?)", certDir)
		}
		cert, err := security.LoadCertFromFile(certDir)
		if err != nil {
			return fmt.Errorf("loading cached certificate: %w", err)
		}

		node, err := consensus.NewNode(&consensus.Config{
			NodeID:    cfg.NodeID,
			ClusterID: cfg.ClusterID,
			BindAddr:  cfg.RaftBindAddr,
			DataDir:   cfg.DataDir,
		})
		if err != nil {
			return fmt.Errorf("creating node: %w", err)
		}
		if err := node.CA().LoadFromStore(); err != nil {
			return fmt.Errorf("loading cluster ca: %w", err)
		}
		defer node.Shutdown()

		info := security.GetCertInfo(cert.Leaf)
		for _, k := range []string{"subject", "issuer", "serial_number", "not_before", "not_after", "is_ca", "key_usage", "ext_key_usage"} {
			fmt.Printf("%-14s %v\n", k+":", info[k])
		}

		expiry := security.GetCertExpiry(cert.Leaf)
		remaining := security.GetCertTimeRemaining(cert.Leaf)
		fmt.Printf("%-14s %v (%v remaining)\n", "expires:", expiry.Format(time.RFC3339), remaining.Round(time.Second))

		rootCert, err := x509.ParseCertificate(node.CA().GetRootCACert())
		if err != nil {
			return fmt.Errorf("parsing cluster ca root: %w", err)
		}
		if err := security.ValidateCertChain(cert.Leaf, rootCert); err != nil {
			fmt.Printf("%-14s INVALID: %v\n", "chain:", err)
		} else {
			fmt.Printf("%-14s valid\n", "chain:")
		}

		if security.CertNeedsRotation(cert.Leaf) {
			fmt.Println()
			fmt.Println("this certificate is within its rotation window; the next \"xpd serve\" start will reissue it")
		}
		return nil
	},
}

var certsRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Discard this node's cached leaf certificate, forcing reissue on next start",
	Long: `rotate removes the certificate and key cached under <data-dir>/node.
The next "xpd serve" start finds nothing cached and mints a fresh leaf
certificate from the cluster CA, as if this were the node's first start.

Run with the process stopped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		certDir := nodeCertDir(cfg.DataDir)
		if !security.CertExists(certDir) {
			fmt.Printf("no cached certificate under %s; nothing to do\n", certDir)
			return nil
		}
		if err := security.RemoveCerts(certDir); err != nil {
			return fmt.Errorf("removing %s: %w", certDir, err)
		}
		fmt.Printf("removed %s; next \"xpd serve\" start will reissue this node's certificate\n", certDir)
		return nil
	},
}

func init() {
	certsCmd.AddCommand(certsInfoCmd)
	certsCmd.AddCommand(certsRotateCmd)
}
