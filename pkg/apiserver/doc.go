// Package apiserver exposes the fleet controller's two HTTP surfaces (§6):
//
//   - the inter-node surface, mTLS with the cluster CA pinned on both ends,
//     carrying the leader-only command proxy and the local runtime snapshot
//     (plus its SSE sibling) that cluster-wide aggregation reads from every
//     peer;
//   - the join/info surface, a plain TLS listener presenting a CA-issued
//     server certificate but never requesting a client one, carrying cluster
//     discovery and the join handshake a brand-new node bootstraps itself
//     through before it has any cluster identity at all.
//
// Raft's own RPCs (vote/append-entries/install-snapshot) are not served by
// this package: they run over the raft.NetworkTransport in pkg/consensus,
// which speaks hashicorp/raft's own framed wire protocol on its own mTLS
// listener rather than chi-routed HTTP. The paths named in §6 for that
// surface describe the logical operation, not a literal handler here.
package apiserver
