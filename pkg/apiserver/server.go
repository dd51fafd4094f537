package apiserver

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/raft"
	"github.com/rs/zerolog"

	"github.com/nodeplane/xpd/pkg/events"
	"github.com/nodeplane/xpd/pkg/log"
	"github.com/nodeplane/xpd/pkg/security"
	"github.com/nodeplane/xpd/pkg/storage"
	"github.com/nodeplane/xpd/pkg/types"
	"github.com/nodeplane/xpd/pkg/usage"
)

// Version is the build-time xp_version reported by /api/cluster/info.
// Overridden via -ldflags at build time; left as a placeholder otherwise.
var Version = "dev"

// ClusterNode is the slice of *consensus.Node this package depends on. A
// narrow interface keeps apiserver decoupled from consensus the same way
// pkg/quota depends on a Proposer rather than *consensus.Node directly.
type ClusterNode interface {
	NodeID() string
	ClusterID() string
	IsLeader() bool
	LeaderAddr() string
	Term() uint64
	AddVoter(nodeID, address string) error
	GetClusterServers() ([]raft.Server, error)
	Apply(op types.CommandOp, payload interface{}) error
	CA() *security.CertAuthority
	Store() storage.Store
	VerifyPeerCertificate(cert *x509.Certificate) (string, error)
}

// Config wires a Server to the rest of a single node's process.
type Config struct {
	Node    ClusterNode
	Usage   *usage.Store
	Runtime *usage.RuntimeStore
	// Broker, if set, lets handleRuntimeStream push live events to each SSE
	// subscriber instead of relying solely on its fallback poll.
	Broker *events.Broker

	// InternalBindAddr serves the mTLS inter-node surface.
	InternalBindAddr string
	// PublicBindAddr serves the join/info surface (server-auth TLS only).
	PublicBindAddr string
	// PublicBaseURL is this node's own externally-reachable API base URL,
	// reported as leader_api_base_url when this node is the leader and
	// embedded in minted join tokens.
	PublicBaseURL string

	AdminTokenHash  string
	JoinSigningKey  []byte
	JoinTokenMaxTTL time.Duration
}

// Server hosts both HTTP surfaces for one node.
type Server struct {
	node    ClusterNode
	usage   *usage.Store
	runtime *usage.RuntimeStore
	broker  *events.Broker

	publicBaseURL  string
	adminTokenHash string

	joinIssuer *security.JoinTokenIssuer
	validate   *validator.Validate
	logger     zerolog.Logger

	internalBindAddr string
	publicBindAddr   string
	internalSrv      *http.Server
	publicSrv        *http.Server
}

// NewServer builds a Server, but starts neither listener; call Start.
func NewServer(cfg Config) *Server {
	s := &Server{
		node:             cfg.Node,
		usage:            cfg.Usage,
		runtime:          cfg.Runtime,
		broker:           cfg.Broker,
		publicBaseURL:    cfg.PublicBaseURL,
		adminTokenHash:   cfg.AdminTokenHash,
		joinIssuer:       security.NewJoinTokenIssuer(cfg.JoinSigningKey),
		validate:         validator.New(),
		logger:           log.WithComponent("apiserver"),
		internalBindAddr: cfg.InternalBindAddr,
		publicBindAddr:   cfg.PublicBindAddr,
	}
	return s
}

// Start brings up both listeners in background goroutines and returns once
// they're both accepting connections. A failure on either listener is
// logged and reported through errC for the caller to act on (e.g. trigger
// a process restart); Start itself never blocks.
func (s *Server) Start() (errC <-chan error, err error) {
	internalTLS, err := s.internalTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("building inter-node tls config: %w", err)
	}
	publicTLS, err := s.publicTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("building public tls config: %w", err)
	}

	internalLn, err := tls.Listen("tcp", s.internalBindAddr, internalTLS)
	if err != nil {
		return nil, fmt.Errorf("listening on internal bind addr: %w", err)
	}
	publicLn, err := tls.Listen("tcp", s.publicBindAddr, publicTLS)
	if err != nil {
		internalLn.Close()
		return nil, fmt.Errorf("listening on public bind addr: %w", err)
	}

	s.internalSrv = &http.Server{Handler: s.internalRoutes()}
	s.publicSrv = &http.Server{Handler: s.publicRoutes()}

	errCh := make(chan error, 2)
	go func() { errCh <- s.internalSrv.Serve(internalLn) }()
	go func() { errCh <- s.publicSrv.Serve(publicLn) }()

	s.logger.Info().Str("internal_addr", s.internalBindAddr).Str("public_addr", s.publicBindAddr).Msg("api listeners started")
	return errCh, nil
}

// Stop gracefully shuts down both listeners.
func (s *Server) Stop(ctx context.Context) error {
	var firstErr error
	if s.internalSrv != nil {
		if err := s.internalSrv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.publicSrv != nil {
		if err := s.publicSrv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// internalTLSConfig requires and verifies a client certificate chaining to
// the cluster CA on every connection.
func (s *Server) internalTLSConfig() (*tls.Config, error) {
	ca := s.node.CA()
	if !ca.IsInitialized() {
		return nil, fmt.Errorf("cluster CA not initialized")
	}
	cert, err := ca.IssueNodeCertificate(s.node.NodeID(), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("issuing node certificate: %w", err)
	}

	pool := x509.NewCertPool()
	rootDER := ca.GetRootCACert()
	rootCert, err := x509.ParseCertificate(rootDER)
	if err != nil {
		return nil, fmt.Errorf("parsing root ca: %w", err)
	}
	pool.AddCert(rootCert)

	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// publicTLSConfig presents a CA-issued server certificate but never
// requests a client one: joining nodes pin this cert out of band via the
// cluster_ca_pem embedded in their join token, not mTLS.
func (s *Server) publicTLSConfig() (*tls.Config, error) {
	ca := s.node.CA()
	if !ca.IsInitialized() {
		return nil, fmt.Errorf("cluster CA not initialized")
	}
	host, _, err := net.SplitHostPort(s.publicBindAddr)
	if err != nil {
		host = s.publicBindAddr
	}
	dnsNames := []string{"https-" + s.node.NodeID()}
	if host != "" && host != "0.0.0.0" && host != "::" {
		dnsNames = append(dnsNames, host)
	}
	cert, err := ca.IssueNodeCertificate(s.node.NodeID()+"-https", dnsNames, nil)
	if err != nil {
		return nil, fmt.Errorf("issuing https certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		ClientAuth:   tls.NoClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func (s *Server) internalRoutes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestMetrics)
	r.Use(middleware.Recoverer)

	r.Route("/admin/_internal", func(r chi.Router) {
		r.Use(s.adminAuth)
		r.With(s.requireLeader).Post("/client-write", s.handleClientWrite)
		r.Get("/nodes/runtime/local", s.handleRuntimeLocal)
		r.Get("/nodes/runtime/local/stream", s.handleRuntimeStream)
	})
	return r
}

func (s *Server) publicRoutes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestMetrics)
	r.Use(middleware.Recoverer)

	r.Get("/api/cluster/info", s.handleClusterInfo)
	r.With(s.adminAuth, s.requireLeader).Post("/api/admin/cluster/join-tokens", s.handleIssueJoinToken)
	r.With(s.requireLeader).Post("/api/cluster/join", s.handleJoinCluster)
	return r
}
