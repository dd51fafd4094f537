package main

import (
	"crypto/tls"
	"fmt"
	"net/http"
	_ "net/http/pprof" // profiling endpoints, gated by --enable-pprof
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/nodeplane/xpd/pkg/alerts"
	"github.com/nodeplane/xpd/pkg/apiserver"
	"github.com/nodeplane/xpd/pkg/config"
	"github.com/nodeplane/xpd/pkg/consensus"
	"github.com/nodeplane/xpd/pkg/events"
	"github.com/nodeplane/xpd/pkg/health"
	"github.com/nodeplane/xpd/pkg/metrics"
	"github.com/nodeplane/xpd/pkg/quota"
	"github.com/nodeplane/xpd/pkg/reconciler"
	"github.com/nodeplane/xpd/pkg/security"
	"github.com/nodeplane/xpd/pkg/usage"
	"github.com/nodeplane/xpd/pkg/xrayclient"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the xpd daemon on this node",
	Long: `serve brings up this node's Raft instance (resuming whatever state
already exists under its data directory), the reconciler and quota engine
that drive the local Xray instance toward cluster-wide desired state, the
supervisor that watches Xray's health, and the mTLS/admin HTTP API.

Configuration is read entirely from the environment - see pkg/config.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
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
			return fmt.Errorf("loading cluster ca (has this node run \"xpd init\" or \"xpd join\"?): %w", err)
		}

		cert, err := loadOrIssueNodeCert(node.CA(), cfg.NodeID, cfg.DataDir)
		if err != nil {
			return fmt.Errorf("loading node certificate: %w", err)
		}

		transport, err := consensus.NewTransport(cfg.RaftBindAddr, *cert, node.CA().GetRootCACert(), raftTransportMaxPool, raftTransportTimeout)
		if err != nil {
			return fmt.Errorf("building raft transport: %w", err)
		}

		if err := node.JoinLocal(transport); err != nil {
			return fmt.Errorf("starting raft: %w", err)
		}

		broker := events.NewBroker()
		node.SetBroker(broker)

		usageStore, err := usage.OpenStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("opening usage store: %w", err)
		}
		runtimeStore, err := usage.OpenRuntimeStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("opening runtime store: %w", err)
		}

		proxy, err := xrayclient.Dial(cfg.XrayAPIAddr)
		if err != nil {
			return fmt.Errorf("dialing local xray instance at %s: %w", cfg.XrayAPIAddr, err)
		}

		recon := reconciler.NewReconciler(node.Store(), proxy, usageStore, cfg.NodeID)
		recon.Start()

		quotaEngine := quota.NewEngine(node.Store(), usageStore, proxy, node, cfg.NodeID,
			time.Duration(cfg.QuotaPollIntervalSecs)*time.Second, cfg.QuotaAutoUnban)
		quotaEngine.SetBroker(broker)
		if cfg.SlackEnabled() {
			quotaEngine.SetAlerter(alerts.NewNotifier(cfg.SlackBotToken, cfg.SlackAlertChannel))
		}
		quotaEngine.Start()

		checker := health.NewGRPCChecker(proxy)
		supervisor := usage.NewSupervisor(checker, runtimeStore, recon, usage.InitSystem(cfg.XrayRestartMode), "xray",
			time.Duration(cfg.XrayHealthIntervalSecs)*time.Second, cfg.XrayHealthFailsBeforeDown,
			time.Duration(cfg.XrayRestartCooldownSecs)*time.Second)
		supervisor.Start()

		joinSigningKey, err := cfg.JoinSigningKey()
		if err != nil {
			return err
		}

		apiSrv := apiserver.NewServer(apiserver.Config{
			Node:             node,
			Usage:            usageStore,
			Runtime:          runtimeStore,
			Broker:           broker,
			InternalBindAddr: cfg.APIInternalBindAddr,
			PublicBindAddr:   cfg.APIPublicBindAddr,
			PublicBaseURL:    cfg.APIPublicBaseURL,
			AdminTokenHash:   cfg.AdminTokenHash,
			JoinSigningKey:   joinSigningKey,
			JoinTokenMaxTTL:  time.Duration(cfg.JoinTokenMaxTTLMins) * time.Minute,
		})
		errC, err := apiSrv.Start()
		if err != nil {
			return fmt.Errorf("starting api server: %w", err)
		}

		collector := metrics.NewCollector(node.Store(), node)
		collector.Start()

		metrics.SetVersion(Version)
		metrics.RegisterComponent("api", true, "ready")
		metrics.RegisterComponent("xray", true, "ready")

		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		pprofEnabled, _ := cmd.Flags().GetBool("enable-pprof")
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.Handle("/health", metrics.HealthHandler())
			mux.Handle("/ready", metrics.ReadyHandler())
			mux.Handle("/live", metrics.LivenessHandler())
			if pprofEnabled {
				mux.Handle("/debug/pprof/", http.DefaultServeMux)
			}
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				fmt.Printf("warning: metrics listener on %s stopped: %v\n", metricsAddr, err)
			}
		}()

		printBanner("serve", cfg.NodeID, cfg.ClusterID, cfg.DataDir)
		fmt.Printf("internal (mTLS) api listening on %s\n", cfg.APIInternalBindAddr)
		fmt.Printf("public api listening on %s\n", cfg.APIPublicBindAddr)
		fmt.Printf("metrics/health listening on %s\n", metricsAddr)
		fmt.Println("xpd is running. Press Ctrl+C to stop.")
		fmt.Println()

		waitForShutdown(errC)

		collector.Stop()
		supervisor.Stop()
		quotaEngine.Stop()
		recon.Stop()
		if err := proxy.Close(); err != nil {
			fmt.Printf("warning: closing xray client: %v\n", err)
		}
		shutdownCtx, cancel := shutdownContext()
		defer cancel()
		if err := apiSrv.Stop(shutdownCtx); err != nil {
			fmt.Printf("warning: stopping api server: %v\n", err)
		}
		if err := node.Shutdown(); err != nil {
			return fmt.Errorf("shutting down node: %w", err)
		}

		fmt.Println("shutdown complete")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "bind address for /metrics, /health, /ready, /live")
	serveCmd.Flags().Bool("enable-pprof", false, "expose net/http/pprof under /debug/pprof/ on --metrics-addr")
}

// nodeCertDir returns the directory this node's leaf certificate and key
// are persisted under, separate from <data-dir>/cluster where the CA root
// lives (see "xpd init"/"xpd join").
func nodeCertDir(dataDir string) string {
	return filepath.Join(dataDir, "node")
}

// loadOrIssueNodeCert reuses this node's cached leaf certificate across a
// restart instead of minting a fresh one every time "xpd serve" starts,
// reissuing only when none is cached or the cached one is within
// certRotationThreshold of expiry.
func loadOrIssueNodeCert(ca *security.CertAuthority, nodeID, dataDir string) (*tls.Certificate, error) {
	certDir := nodeCertDir(dataDir)

	if security.CertExists(certDir) {
		cert, err := security.LoadCertFromFile(certDir)
		if err == nil && !security.CertNeedsRotation(cert.Leaf) {
			return cert, nil
		}
	}

	cert, err := ca.IssueNodeCertificate(nodeID, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("issuing node certificate: %w", err)
	}
	if err := security.SaveCertToFile(cert, certDir); err != nil {
		return nil, fmt.Errorf("persisting node certificate to %s: %w", certDir, err)
	}
	return cert, nil
}
