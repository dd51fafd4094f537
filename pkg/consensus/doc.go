/*
Package consensus replicates the fleet's desired state across 1-20 voters
using hashicorp/raft, and hosts the cluster certificate authority that
every node bootstraps or joins alongside it.

# State machine

FSM applies one types.Command per committed log entry against a
storage.Store. Every command is a pure function of its own payload: no
randomness or wall-clock read happens inside Apply, since it runs
independently on every replica and must produce bit-identical state
everywhere. Where a command needs fresh randomness (a rotated short-id) or a
timestamp, the value is generated once by whichever node calls Node.Apply
and travels inside the command itself; where a command needs credential
material that has no natural proposer-side source (a Grant's VLESS UUID or
SS2022 PSK), it is derived deterministically from identifiers already in the
replicated state via HMAC, so every replica still agrees without that
material ever crossing the wire as a separate step.

Snapshot and Restore delegate to storage.Store's own Export/Import rather
than re-deriving a collect-every-bucket pass here; the store owns the
versioned document shape and refuses to restore a snapshot from a
mismatched schema version.

# Node lifecycle

Node wires a store, an FSM, and a security.CertAuthority into one Raft
group member. Bootstrap starts a brand-new single-voter cluster and mints a
cluster CA. JoinLocal brings up Raft with no configuration of its own,
leaving the actual membership change to whichever node is already leader;
the HTTPS join handshake that gets a node from "has no configuration" to
"is a voter with a signed certificate" lives in pkg/apiserver, which calls
ImportCA with the material a join response carries and then AddVoter on the
leader side.

RecoverSingleNode rewrites a node's local Raft log/stable/snapshot state to
a single-voter configuration, for disaster recovery when a majority of the
cluster is permanently lost.
*/
package consensus
