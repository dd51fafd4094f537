package apiserver

import (
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"time"

	"github.com/nodeplane/xpd/pkg/xerrors"
)

const defaultJoinTokenTTL = 15 * time.Minute

type clusterInfoResponse struct {
	ClusterID        string `json:"cluster_id"`
	NodeID           string `json:"node_id"`
	Role             string `json:"role"`
	LeaderAPIBaseURL string `json:"leader_api_base_url"`
	Term             uint64 `json:"term"`
	XPVersion        string `json:"xp_version"`
}

// handleClusterInfo serves GET /api/cluster/info, unauthenticated: any
// joining node needs it before it holds any credential at all.
func (s *Server) handleClusterInfo(w http.ResponseWriter, r *http.Request) {
	role := "follower"
	if s.node.IsLeader() {
		role = "leader"
	}
	writeJSON(w, http.StatusOK, clusterInfoResponse{
		ClusterID:        s.node.ClusterID(),
		NodeID:           s.node.NodeID(),
		Role:             role,
		LeaderAPIBaseURL: s.leaderAPIBaseURL(),
		Term:             s.node.Term(),
		XPVersion:        Version,
	})
}

// leaderAPIBaseURL resolves the current Raft leader's API base URL by
// correlating its Raft advertise address against the Node records in the
// desired-state store.
func (s *Server) leaderAPIBaseURL() string {
	if s.node.IsLeader() {
		return s.publicBaseURL
	}
	addr := s.node.LeaderAddr()
	if addr == "" {
		return ""
	}
	servers, err := s.node.GetClusterServers()
	if err != nil {
		return ""
	}
	for _, srv := range servers {
		if string(srv.Address) != addr {
			continue
		}
		n, err := s.node.Store().GetNode(string(srv.ID))
		if err == nil && n != nil {
			return n.APIBaseURL
		}
	}
	return ""
}

type issueJoinTokenRequest struct {
	TTLSeconds int `json:"ttl_seconds"`
}

type issueJoinTokenResponse struct {
	JoinToken string `json:"join_token"`
}

// handleIssueJoinToken serves POST /api/admin/cluster/join-tokens. Only the
// leader mints tokens (enforced by requireLeader), since minting embeds the
// leader's own API base URL into the claims.
func (s *Server) handleIssueJoinToken(w http.ResponseWriter, r *http.Request) {
	var req issueJoinTokenRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, xerrors.KindInvalidRequest, err.Error())
			return
		}
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = defaultJoinTokenTTL
	}

	caPEM := pemEncode("CERTIFICATE", s.node.CA().GetRootCACert())
	token, err := s.joinIssuer.Mint(s.node.ClusterID(), s.publicBaseURL, caPEM, ttl)
	if err != nil {
		writeError(w, http.StatusInternalServerError, xerrors.KindInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, issueJoinTokenResponse{JoinToken: token})
}

type joinClusterRequest struct {
	NodeID   string `json:"node_id" validate:"required"`
	BindAddr string `json:"bind_addr" validate:"required"`
	CSRPEM   string `json:"csr_pem" validate:"required"`
}

type joinClusterResponse struct {
	NodeID         string `json:"node_id"`
	SignedCert     string `json:"signed_cert"`
	ClusterCA      string `json:"cluster_ca"`
	ClusterCAKey   string `json:"cluster_ca_key"`
	AdminTokenHash string `json:"admin_token_hash"`
}

// handleJoinCluster serves POST /api/cluster/join. Authorization carries the
// join token (minted above); requireLeader ensures only the node that can
// actually add a voter handles it.
func (s *Server) handleJoinCluster(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, xerrors.KindUnauthorized, "missing join token")
		return
	}
	claims, err := s.joinIssuer.Validate(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, xerrors.KindUnauthorized, err.Error())
		return
	}
	if claims.ClusterID != s.node.ClusterID() {
		writeError(w, http.StatusUnauthorized, xerrors.KindUnauthorized, "join token belongs to a different cluster")
		return
	}

	var req joinClusterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.KindInvalidRequest, err.Error())
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.KindInvalidRequest, err.Error())
		return
	}

	block, _ := pem.Decode([]byte(req.CSRPEM))
	if block == nil {
		writeError(w, http.StatusBadRequest, xerrors.KindInvalidRequest, "csr_pem does not contain a PEM block")
		return
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		writeError(w, http.StatusBadRequest, xerrors.KindInvalidRequest, "malformed certificate request: "+err.Error())
		return
	}

	signedDER, err := s.node.CA().SignCSR(csr, req.NodeID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, xerrors.KindInternal, err.Error())
		return
	}
	if err := s.node.AddVoter(req.NodeID, req.BindAddr); err != nil {
		writeError(w, http.StatusConflict, xerrors.KindConflict, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, joinClusterResponse{
		NodeID:         req.NodeID,
		SignedCert:     pemEncode("CERTIFICATE", signedDER),
		ClusterCA:      pemEncode("CERTIFICATE", s.node.CA().GetRootCACert()),
		ClusterCAKey:   pemEncode("RSA PRIVATE KEY", s.node.CA().GetRootKeyDER()),
		AdminTokenHash: s.adminTokenHash,
	})
}
