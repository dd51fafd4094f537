/*
Package types defines the desired-state data model shared by every
component of the controller: the entities the replicated state machine
projects, the tagged command variant applied to mutate them, and the small
set of pure derivations (effective server names, grant email) that every
replica computes identically.

# Entities

  - Node: a controller/proxy pair in the fleet.
  - Endpoint: a single proxy inbound owned by a Node, either VLESS+REALITY
    or Shadowsocks-2022, carrying a kind-specific meta struct.
  - User: a subscriber identity independent of any endpoint.
  - Grant: a user's credentialed membership on one endpoint; the unit of
    quota accounting.
  - UserNodeQuota: a per-(user,node) byte ceiling shared across protocols.
  - RealityDomain: a cluster-wide SNI candidate for "global" VLESS
    endpoints.

All entities carry their own 26-char lexicographically sortable ID,
generated by pkg/idgen. Cross-entity references (Endpoint.NodeID,
Grant.UserID, ...) are plain string indices, not pointers: this package
never builds a pointer graph, so replication and snapshotting are exact
JSON round-trips.

# Commands

Command is the single envelope the replicated state machine applies: an Op
tag plus a JSON payload matching exactly one Op*Data struct. Dispatch is an
exhaustive switch, not open-ended polymorphism. New command kinds are added
here and nowhere else.
*/
package types
