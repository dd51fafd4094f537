/*
Package reconciler drives the local Xray process toward the subset of
desired state this node owns: its Endpoints and the Grants on them.

# Architecture

	┌─────────────────────────────────────────────┐
	│              Reconcile loop                 │
	│   30s ticker, or Kick() from a Raft apply    │
	│        or a proxy health rising edge         │
	└───────────────────┬───────────────────────────┘
	                    │
	      for each endpoint.node_id == local_node_id
	                    │
	      ┌─────────────┴─────────────┐
	      ▼                           ▼
	  hash config              list grants
	  changed? rebuild         compute effective_enabled
	  inbound, replay          AlterInbound Add/RemoveUser
	  users                    per grant

# No-diff policy

Xray has no durable inbound list across restarts, and no "update inbound"
RPC — only add and remove. The reconciler therefore never asks the proxy
what it currently has. It keeps its own record of what it last pushed
(endpointState, keyed by endpoint ID) and applies desired state blindly,
treating "already exists" and "already absent" responses as success. This
is what lets it heal a proxy that silently lost an inbound across a crash:
every tick re-asserts the inbound and every enabled grant's user, whether
or not anything changed.

# Rebuild detection

An inbound's wire config (listen port, REALITY keys, the resolved
server_names list, the active short-id, the SS2022 PSK) is hashed on every
pass. An unchanged hash means the proxy already has the right config and
only the user set needs reconciling. A changed hash means RemoveInbound
followed by AddInbound, since there is no in-place update; removing the
inbound also drops every dynamically-added user, so the reconciler replays
AddUser for every grant that should still be enabled once the rebuild
settles.

# Ownership filter

Endpoints whose node_id isn't this node's are never touched: the fleet
state machine replicates every endpoint to every voter so the admin API
can serve cluster-wide reads, but only the owning node's reconciler is
allowed to issue proxy calls for it.

# Quota interaction

effective_enabled(grant) is desired_enabled(grant) AND NOT
local_usage.quota_banned. quota_banned is never part of the replicated
command log; it is owned and mutated by the quota engine (see pkg/quota)
and surfaced to this package through the narrow BanChecker interface so a
ban takes effect on the very next reconcile pass without a consensus round
trip.
*/
package reconciler
