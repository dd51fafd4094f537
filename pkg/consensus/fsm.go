package consensus

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	"github.com/oklog/ulid/v2"

	"github.com/nodeplane/xpd/pkg/storage"
	"github.com/nodeplane/xpd/pkg/types"
)

// FSM implements the Raft finite state machine over the fleet's desired
// state: one types.Command per committed log entry, applied against store.
type FSM struct {
	mu    sync.RWMutex
	store storage.Store
}

// NewFSM returns an FSM backed by store.
func NewFSM(store storage.Store) *FSM {
	return &FSM{store: store}
}

// Apply applies a single committed Raft log entry.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd types.Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshaling command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.apply(cmd); err != nil {
		return err
	}
	return nil
}

func (f *FSM) apply(cmd types.Command) error {
	now := cmd.Timestamp

	switch cmd.Op {
	case types.OpUpsertNode:
		var data types.OpUpsertNodeData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return err
		}
		return f.upsertNode(data.Node, now)

	case types.OpPatchNodeMeta:
		var data types.OpPatchNodeMetaData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return err
		}
		return f.patchNodeMeta(data, now)

	case types.OpUpsertEndpoint:
		var data types.OpUpsertEndpointData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return err
		}
		if err := f.upsertEndpoint(data.Endpoint, now); err != nil {
			return err
		}
		return f.rederiveMemberships()

	case types.OpDeleteEndpoint:
		var data types.OpDeleteEndpointData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return err
		}
		if err := f.deleteEndpointCascade(data.EndpointID); err != nil {
			return err
		}
		return f.rederiveMemberships()

	case types.OpRotateShortID:
		var data types.OpRotateShortIDData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return err
		}
		return f.rotateShortID(data.EndpointID, data.NewShortID, now)

	case types.OpUpsertUser:
		var data types.OpUpsertUserData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return err
		}
		return f.upsertUser(data.User, now)

	case types.OpPatchUser:
		var data types.OpPatchUserData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return err
		}
		return f.patchUser(data, now)

	case types.OpDeleteUser:
		var data types.OpDeleteUserData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return err
		}
		if err := f.deleteUserCascade(data.UserID); err != nil {
			return err
		}
		return f.rederiveMemberships()

	case types.OpResetSubscriptionToken:
		var data types.OpResetSubscriptionTokenData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return err
		}
		return f.resetSubscriptionToken(data.UserID, data.NewToken, now)

	case types.OpSetUserAccess:
		var data types.OpSetUserAccessData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return err
		}
		if err := f.setUserAccess(data.UserID, data.EndpointIDs, now); err != nil {
			return err
		}
		return f.rederiveMemberships()

	case types.OpSetGrantEnabled:
		var data types.OpSetGrantEnabledData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return err
		}
		return f.setGrantEnabled(data.GrantID, data.Enabled, data.Source, now)

	case types.OpSetUserNodeQuota:
		var data types.OpSetUserNodeQuotaData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return err
		}
		return f.store.PutUserNodeQuota(&types.UserNodeQuota{
			UserID:          data.UserID,
			NodeID:          data.NodeID,
			QuotaLimitBytes: data.QuotaLimitBytes,
			ResetSource:     data.ResetSource,
			UpdatedAt:       now,
		})

	case types.OpUpsertRealityDomain:
		var data types.OpUpsertRealityDomainData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return err
		}
		return f.upsertRealityDomain(data.Domain)

	case types.OpDeleteRealityDomain:
		var data types.OpDeleteRealityDomainData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return err
		}
		return f.store.DeleteRealityDomain(data.DomainID)

	case types.OpReorderRealityDomains:
		var data types.OpReorderRealityDomainsData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return err
		}
		return f.reorderRealityDomains(data.OrderedDomainIDs)

	case types.OpSetNodeMemberships:
		// Raft voter-set mirroring only; the node_user_endpoint_memberships
		// projection is maintained separately by rederiveMemberships and is
		// unaffected by voter membership.
		return nil

	case types.OpDeleteNode:
		var data types.OpDeleteNodeData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return err
		}
		return f.deleteNode(data.NodeID)

	default:
		return fmt.Errorf("unknown command op: %s", cmd.Op)
	}
}

func (f *FSM) upsertNode(n *types.Node, now time.Time) error {
	if n.Reset != nil {
		if err := validateResetConfig(n.Reset); err != nil {
			return fmt.Errorf("upserting node %s: %w", n.NodeID, err)
		}
	}
	existing, err := f.store.GetNode(n.NodeID)
	if err != nil {
		n.CreatedAt = now
		n.UpdatedAt = now
		return f.store.CreateNode(n)
	}
	n.CreatedAt = existing.CreatedAt
	n.UpdatedAt = now
	return f.store.UpdateNode(n)
}

func (f *FSM) patchNodeMeta(data types.OpPatchNodeMetaData, now time.Time) error {
	n, err := f.store.GetNode(data.NodeID)
	if err != nil {
		return fmt.Errorf("patching unknown node %s: %w", data.NodeID, err)
	}
	if data.NodeName != nil {
		n.NodeName = *data.NodeName
	}
	if data.AccessHost != nil {
		n.AccessHost = *data.AccessHost
	}
	if data.APIBaseURL != nil {
		n.APIBaseURL = *data.APIBaseURL
	}
	if data.Reset != nil {
		if err := validateResetConfig(data.Reset); err != nil {
			return fmt.Errorf("patching node %s: %w", data.NodeID, err)
		}
		n.Reset = data.Reset
	}
	n.UpdatedAt = now
	return f.store.UpdateNode(n)
}

// validateResetConfig enforces day_of_month's documented range (§3, §7) for
// a monthly reset schedule; an unlimited policy carries no day to validate.
func validateResetConfig(r *types.ResetConfig) error {
	if r.Policy != types.ResetPolicyMonthly {
		return nil
	}
	if r.DayOfMonth < 1 || r.DayOfMonth > 31 {
		return fmt.Errorf("reset.day_of_month must be in [1,31], got %d", r.DayOfMonth)
	}
	return nil
}

// deleteNode is rejected if any endpoint is still owned by it (§4.C); the
// "current leader" and "local node" guards are enforced by the caller
// proposing the command (node.go), which alone knows Raft leadership and
// local identity — the FSM itself has no such context.
func (f *FSM) deleteNode(nodeID string) error {
	owned, err := f.store.ListEndpointsByNode(nodeID)
	if err != nil {
		return err
	}
	if len(owned) > 0 {
		return fmt.Errorf("cannot delete node %s: %d endpoints still owned by it", nodeID, len(owned))
	}
	return f.store.DeleteNode(nodeID)
}

// upsertEndpoint enforces the two Endpoint invariants that are the state
// machine's responsibility rather than the client's (§3): tag uniqueness
// across the whole fleet, and dest tracking server_names[0] for VLESS+REALITY
// endpoints.
func (f *FSM) upsertEndpoint(ep *types.Endpoint, now time.Time) error {
	if byTag, err := f.store.GetEndpointByTag(ep.Tag); err == nil && byTag.EndpointID != ep.EndpointID {
		return fmt.Errorf("tag %q is already used by endpoint %s", ep.Tag, byTag.EndpointID)
	}
	if ep.VLESSReality != nil && len(ep.VLESSReality.ServerNames) > 0 {
		ep.VLESSReality.Dest = ep.VLESSReality.ServerNames[0] + ":443"
	}

	existing, err := f.store.GetEndpoint(ep.EndpointID)
	if err != nil {
		ep.CreatedAt = now
		ep.UpdatedAt = now
		return f.store.CreateEndpoint(ep)
	}
	ep.CreatedAt = existing.CreatedAt
	ep.UpdatedAt = now
	return f.store.UpdateEndpoint(ep)
}

func (f *FSM) deleteEndpointCascade(endpointID string) error {
	grants, err := f.store.ListGrantsByEndpoint(endpointID)
	if err != nil {
		return err
	}
	for _, g := range grants {
		if err := f.store.DeleteGrant(g.GrantID); err != nil {
			return err
		}
	}
	return f.store.DeleteEndpoint(endpointID)
}

// rotateShortID appends newShortID, makes it active, and evicts the oldest
// beyond 8 (§4.C). The short-id itself is random bytes chosen once by the
// node proposing the command, not here: Apply runs independently on every
// replica and must be a pure function of its input, so the FSM only ever
// consumes randomness that already arrived inside the committed command.
func (f *FSM) rotateShortID(endpointID, newShortID string, now time.Time) error {
	if err := validateShortID(newShortID); err != nil {
		return fmt.Errorf("rotating short-id on endpoint %s: %w", endpointID, err)
	}
	ep, err := f.store.GetEndpoint(endpointID)
	if err != nil {
		return fmt.Errorf("rotating short-id on unknown endpoint %s: %w", endpointID, err)
	}
	if ep.VLESSReality == nil {
		return fmt.Errorf("endpoint %s is not a VLESS+REALITY endpoint", endpointID)
	}
	ep.VLESSReality.ShortIDs = append(ep.VLESSReality.ShortIDs, newShortID)
	const maxShortIDs = 8
	if len(ep.VLESSReality.ShortIDs) > maxShortIDs {
		ep.VLESSReality.ShortIDs = ep.VLESSReality.ShortIDs[len(ep.VLESSReality.ShortIDs)-maxShortIDs:]
	}
	ep.VLESSReality.ActiveShortID = newShortID
	ep.UpdatedAt = now
	return f.store.UpdateEndpoint(ep)
}

// validateShortID enforces the REALITY short-id format (§3 invariant 5):
// hex-encoded, even length, at most 16 characters (8 bytes).
func validateShortID(shortID string) error {
	if shortID == "" {
		return fmt.Errorf("new_short_id is required")
	}
	if len(shortID)%2 != 0 || len(shortID) > 16 {
		return fmt.Errorf("new_short_id must be hex of even length <= 16, got %q", shortID)
	}
	if _, err := hex.DecodeString(shortID); err != nil {
		return fmt.Errorf("new_short_id must be hex-encoded: %w", err)
	}
	return nil
}

func (f *FSM) upsertUser(u *types.User, now time.Time) error {
	if u.Reset != nil {
		if err := validateResetConfig(u.Reset); err != nil {
			return fmt.Errorf("upserting user %s: %w", u.UserID, err)
		}
	}
	existing, err := f.store.GetUser(u.UserID)
	if err != nil {
		u.CreatedAt = now
		u.UpdatedAt = now
		return f.store.CreateUser(u)
	}
	u.CreatedAt = existing.CreatedAt
	u.UpdatedAt = now
	return f.store.UpdateUser(u)
}

func (f *FSM) patchUser(data types.OpPatchUserData, now time.Time) error {
	u, err := f.store.GetUser(data.UserID)
	if err != nil {
		return fmt.Errorf("patching unknown user %s: %w", data.UserID, err)
	}
	if data.DisplayName != nil {
		u.DisplayName = *data.DisplayName
	}
	if data.Reset != nil {
		if err := validateResetConfig(data.Reset); err != nil {
			return fmt.Errorf("patching user %s: %w", data.UserID, err)
		}
		u.Reset = data.Reset
	}
	u.UpdatedAt = now
	return f.store.UpdateUser(u)
}

func (f *FSM) deleteUserCascade(userID string) error {
	grants, err := f.store.ListGrantsByUser(userID)
	if err != nil {
		return err
	}
	for _, g := range grants {
		if err := f.store.DeleteGrant(g.GrantID); err != nil {
			return err
		}
	}
	return f.store.DeleteUser(userID)
}

func (f *FSM) resetSubscriptionToken(userID, newToken string, now time.Time) error {
	u, err := f.store.GetUser(userID)
	if err != nil {
		return fmt.Errorf("resetting token for unknown user %s: %w", userID, err)
	}
	u.SubscriptionToken = newToken
	u.UpdatedAt = now
	return f.store.UpdateUser(u)
}

// setUserAccess is the sole user→endpoint write path: it hard-cuts the
// user's Grant set to exactly endpointIDs, creating, updating in place, and
// deleting Grants as needed (§4.C).
func (f *FSM) setUserAccess(userID string, endpointIDs []string, now time.Time) error {
	existing, err := f.store.ListGrantsByUser(userID)
	if err != nil {
		return err
	}
	byEndpoint := make(map[string]*types.Grant, len(existing))
	for _, g := range existing {
		byEndpoint[g.EndpointID] = g
	}

	wanted := make(map[string]bool, len(endpointIDs))
	for _, epID := range endpointIDs {
		wanted[epID] = true
		if _, ok := byEndpoint[epID]; ok {
			continue
		}
		ep, err := f.store.GetEndpoint(epID)
		if err != nil {
			return fmt.Errorf("granting access to unknown endpoint %s: %w", epID, err)
		}
		grant, err := newGrantForEndpoint(userID, ep, now)
		if err != nil {
			return err
		}
		if err := f.store.CreateGrant(grant); err != nil {
			return err
		}
	}

	for epID, g := range byEndpoint {
		if !wanted[epID] {
			if err := f.store.DeleteGrant(g.GrantID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *FSM) setGrantEnabled(grantID string, enabled bool, source types.GrantSource, now time.Time) error {
	g, err := f.store.GetGrant(grantID)
	if err != nil {
		return fmt.Errorf("enabling unknown grant %s: %w", grantID, err)
	}
	g.Enabled = enabled
	g.UpdatedAt = now
	return f.store.UpdateGrant(g)
	// Clearing the local quota_banned flag for source=manual is the owning
	// node's responsibility on its next reconciler tick (pkg/quota), not the
	// FSM's: quota_banned lives only in process-local usage state, never in
	// the replicated log.
}

func (f *FSM) upsertRealityDomain(d *types.RealityDomain) error {
	if _, err := f.store.GetRealityDomain(d.DomainID); err != nil {
		return f.store.CreateRealityDomain(d)
	}
	return f.store.UpdateRealityDomain(d)
}

func (f *FSM) reorderRealityDomains(orderedIDs []string) error {
	for i, id := range orderedIDs {
		d, err := f.store.GetRealityDomain(id)
		if err != nil {
			return fmt.Errorf("reordering unknown domain %s: %w", id, err)
		}
		d.Position = i
		if err := f.store.UpdateRealityDomain(d); err != nil {
			return err
		}
	}
	return nil
}

// rederiveMemberships rebuilds node_user_endpoint_memberships from the
// current grants+endpoints, the materialized index required after any
// membership-affecting mutation (§4.C).
func (f *FSM) rederiveMemberships() error {
	grants, err := f.store.ListGrants()
	if err != nil {
		return err
	}
	endpointNode := make(map[string]string)
	memberships := make([]*types.NodeUserEndpointMembership, 0, len(grants))
	for _, g := range grants {
		nodeID, ok := endpointNode[g.EndpointID]
		if !ok {
			ep, err := f.store.GetEndpoint(g.EndpointID)
			if err != nil {
				continue
			}
			nodeID = ep.NodeID
			endpointNode[g.EndpointID] = nodeID
		}
		memberships = append(memberships, &types.NodeUserEndpointMembership{
			NodeID:     nodeID,
			UserID:     g.UserID,
			EndpointID: g.EndpointID,
			GrantID:    g.GrantID,
		})
	}
	return f.store.ReplaceMemberships(memberships)
}

// newGrantForEndpoint synthesizes a Grant and its kind-specific credentials
// for (userID, endpoint). Apply runs independently on every replica, so the
// grant ID and credential material are derived deterministically from the
// (user_id, endpoint_id) pair via HMAC rather than drawn from a random
// source: every replica that applies the same command reaches bit-identical
// state without the randomness ever crossing the wire (§4.A "Lifecycles").
func newGrantForEndpoint(userID string, ep *types.Endpoint, now time.Time) (*types.Grant, error) {
	id := deterministicGrantID(userID, ep.EndpointID, now)
	g := &types.Grant{
		GrantID:    id,
		UserID:     userID,
		EndpointID: ep.EndpointID,
		Enabled:    true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	switch ep.Kind {
	case types.EndpointKindVLESSRealityVisionTCP:
		g.VLESSCredentials = &types.VLESSCredentials{
			UUID:  deterministicUUID(id),
			Email: g.Email(),
		}
	case types.EndpointKindSS2022Blake3Aes128Gcm:
		method := "none"
		if ep.SS2022 != nil {
			method = ep.SS2022.Method
		}
		g.SS2022Credentials = &types.SS2022Credentials{
			Method:   method,
			Password: deterministicPSK(id),
		}
	}
	return g, nil
}

// grantKeyDerivationSecret seeds the HMAC used to derive grant IDs and
// credentials. It is not a cluster secret: the (user_id, endpoint_id) pair
// is already only visible to cluster admins, so this constant exists purely
// to namespace the derivation, not to hide it.
var grantKeyDerivationSecret = []byte("xpd-grant-credential-derivation-v1")

// deterministicGrantID builds a 26-char ULID-shaped Grant ID, matching the
// ID format pkg/idgen mints for every other entity (§3), without calling
// idgen.New itself: idgen's entropy source is process-random, which would
// make two replicas applying the same command mint different Grant IDs.
// The timestamp component comes from cmd.Timestamp (stamped once by the
// proposing node), and the entropy component is derived via HMAC over
// (user_id, endpoint_id) so every replica lands on the same 16 bytes.
func deterministicGrantID(userID, endpointID string, now time.Time) string {
	mac := hmac.New(sha256.New, grantKeyDerivationSecret)
	mac.Write([]byte("grant-id|"))
	mac.Write([]byte(userID))
	mac.Write([]byte("|"))
	mac.Write([]byte(endpointID))
	entropy := mac.Sum(nil)

	var id ulid.ULID
	_ = id.SetTime(ulid.Timestamp(now))
	_ = id.SetEntropy(entropy[:10])
	return id.String()
}

// deterministicUUID derives an RFC 4122-shaped (version 5-style) UUID from
// grantID so every replica minting the same Grant produces the same
// VLESS UUID.
func deterministicUUID(grantID string) string {
	mac := hmac.New(sha256.New, grantKeyDerivationSecret)
	mac.Write([]byte("vless-uuid|"))
	mac.Write([]byte(grantID))
	sum := mac.Sum(nil)[:16]
	sum[6] = (sum[6] & 0x0f) | 0x50 // version 5
	sum[8] = (sum[8] & 0x3f) | 0x80 // RFC 4122 variant
	return fmt.Sprintf("%x-%x-%x-%x-%x", sum[0:4], sum[4:6], sum[6:8], sum[8:10], sum[10:16])
}

// deterministicPSK derives a 16-byte base64 pre-shared key for an SS2022
// grant from grantID.
func deterministicPSK(grantID string) string {
	mac := hmac.New(sha256.New, grantKeyDerivationSecret)
	mac.Write([]byte("ss2022-psk|"))
	mac.Write([]byte(grantID))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)[:16])
}
