/*
Package security provides the cryptographic primitives that bind an xpd
cluster together: a self-signed certificate authority for mutual TLS between
nodes, at-rest encryption for the CA's private key, and the token formats used
to authenticate the join flow and the admin API.

# Cluster Encryption Key

Every node derives the same 32-byte AES key from the cluster ID:

	clusterKey = SHA-256(clusterID)

SetClusterEncryptionKey installs it once at startup, before LoadFromStore or
Initialize is called. It encrypts the CA's RSA private key at rest so the
BoltDB file alone is not enough to impersonate the cluster.

# Certificate Authority

CertAuthority holds a 4096-bit RSA root key valid for ten years. It issues:

  - node certificates (IssueNodeCertificate), minting a fresh 2048-bit keypair
    directly — used by the bootstrap node when there is no join flow yet
  - signed CSRs (SignCSR), for nodes that generate their own keypair locally
    and send only the public CSR over the wire during cluster join
  - client certificates (IssueClientCertificate), ClientAuth-only, for local
    admin tooling that should present mTLS without being a cluster node

Every node and CSR-signed certificate carries the node's ID as the first DNS
SAN entry, recoverable with PeerNodeID regardless of the human-readable
CommonName. This is what lets an mTLS listener identify which cluster member
is on the other end of a connection without a side channel.

VerifyCertificate checks a peer certificate against the root CA and rejects
anything that doesn't chain to it or has expired.

# Certificate Lifecycle

The certs.go helpers manage certificates as files under a node's data
directory: SaveCertToFile/LoadCertFromFile persist and reload a node's leaf
keypair across restarts so "xpd serve" doesn't mint a fresh one every time it
starts, SaveCACertToFile/LoadCACertFromFile do the same for the CA root, and
CertNeedsRotation flags a cached leaf within 30 days of expiry so it gets
reissued ahead of the 90-day node certificate validity window instead of
being reused. CertExists/RemoveCerts/GetCertExpiry/GetCertTimeRemaining/
GetCertInfo/ValidateCertChain back the "xpd certs info"/"xpd certs rotate"
CLI subcommands that let an operator inspect or force-rotate a node's
cached certificate out of band.

# Admin Bearer Token

The cluster's single admin secret is hashed with Argon2id (HashAdminToken,
VerifyAdminToken) using the PHC string format, so only the hash — never the
plaintext — is persisted in configuration. FingerprintAdminToken produces a
short, non-reversible value safe to include in log lines for correlation.

# Join Tokens

JoinTokenIssuer mints short-lived, one-time HMAC-signed JWTs (JoinTokenClaims)
that carry the cluster ID, the leader's API base URL, and the cluster's root
CA PEM. A joining node redeems one exactly once — Validate consumes the
token's nonce, so a captured join token cannot be replayed even before it
expires.

# Login Tokens

LoginTokenVerifier mints and verifies short-lived (at most one hour) HMAC
tokens for the admin API, signed with the admin token's own plaintext rather
than a separate key. Because the plaintext is required to sign a login token,
verification is only possible in a process that has had the admin token
supplied to it at least once via SetAdminPlaintext; it is never written to
disk, so a process restart requires the operator to resupply it.
*/
package security
