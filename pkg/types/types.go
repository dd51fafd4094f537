// Package types defines the desired-state data model: the entities the
// replicated state machine applies commands against, and the command
// taxonomy itself.
package types

import "time"

// SchemaVersion is embedded in every on-disk and snapshot document. Loaders
// refuse silent downgrade.
const SchemaVersion = 1

// ResetPolicy controls when a quota cycle rolls over.
type ResetPolicy string

const (
	ResetPolicyMonthly   ResetPolicy = "monthly"
	ResetPolicyUnlimited ResetPolicy = "unlimited"
)

// ResetConfig describes a monthly reset schedule.
type ResetConfig struct {
	Policy        ResetPolicy `json:"policy"`
	DayOfMonth    int         `json:"day_of_month,omitempty"`    // 1..31
	TZOffsetMinutes *int      `json:"tz_offset_minutes,omitempty"`
}

// Node is a controller/proxy pair participating in the fleet.
type Node struct {
	NodeID      string       `json:"node_id"`
	NodeName    string       `json:"node_name"`
	AccessHost  string       `json:"access_host"`
	APIBaseURL  string       `json:"api_base_url"`
	Reset       *ResetConfig `json:"reset,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// EndpointKind enumerates the supported proxy inbound flavors.
type EndpointKind string

const (
	EndpointKindVLESSRealityVisionTCP EndpointKind = "vless_reality_vision_tcp"
	EndpointKindSS2022Blake3Aes128Gcm EndpointKind = "ss2022_2022_blake3_aes_128_gcm"
)

// ServerNamesSource says whether a VLESS+REALITY endpoint's SNI list is
// entered manually or derived from the cluster-wide RealityDomain list.
type ServerNamesSource string

const (
	ServerNamesSourceManual ServerNamesSource = "manual"
	ServerNamesSourceGlobal ServerNamesSource = "global"
)

// VLESSRealityMeta is the kind-specific metadata for a VLESS+REALITY endpoint.
type VLESSRealityMeta struct {
	Dest              string            `json:"dest"`
	ServerNames       []string          `json:"server_names"`
	Fingerprint       string            `json:"fingerprint"`
	RealityPrivateKey string            `json:"reality_private_key"`
	RealityPublicKey  string            `json:"reality_public_key"`
	ShortIDs          []string          `json:"short_ids"`
	ActiveShortID     string            `json:"active_short_id"`
	ServerNamesSource ServerNamesSource `json:"server_names_source"`
}

// SS2022Meta is the kind-specific metadata for a Shadowsocks-2022 endpoint.
type SS2022Meta struct {
	Method       string `json:"method"`
	ServerPSKB64 string `json:"server_psk_b64"`
}

// Endpoint is a single proxy inbound owned by a Node.
type Endpoint struct {
	EndpointID string       `json:"endpoint_id"`
	NodeID     string       `json:"node_id"`
	Kind       EndpointKind `json:"kind"`
	Port       int          `json:"port"`
	Tag        string       `json:"tag"`

	VLESSReality *VLESSRealityMeta `json:"vless_reality,omitempty"`
	SS2022       *SS2022Meta       `json:"ss2022,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// User is a subscriber identity, independent of any particular endpoint.
type User struct {
	UserID             string       `json:"user_id"`
	DisplayName        string       `json:"display_name"`
	SubscriptionToken  string       `json:"subscription_token"`
	Reset              *ResetConfig `json:"reset,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// DefaultUserTZOffsetMinutes is the fallback reset timezone offset for users
// that never set one explicitly (+480 min, UTC+8).
const DefaultUserTZOffsetMinutes = 480

// GrantSource marks what flipped a Grant's enabled flag.
type GrantSource string

const (
	GrantSourceManual GrantSource = "manual"
	GrantSourceQuota  GrantSource = "quota"
)

// VLESSCredentials is the kind-specific credential material for a Grant on a
// VLESS endpoint.
type VLESSCredentials struct {
	UUID  string `json:"uuid"`
	Email string `json:"email"`
}

// SS2022Credentials is the kind-specific credential material for a Grant on
// an SS2022 endpoint.
type SS2022Credentials struct {
	Method   string `json:"method"`
	Password string `json:"password"`
}

// Grant is a single user's credentialed membership on one endpoint, unique
// by (user_id, endpoint_id). It is the unit of quota accounting.
type Grant struct {
	GrantID    string `json:"grant_id"`
	UserID     string `json:"user_id"`
	EndpointID string `json:"endpoint_id"`

	Enabled         bool   `json:"enabled"`
	QuotaLimitBytes int64  `json:"quota_limit_bytes"`
	Note            string `json:"note,omitempty"`

	VLESSCredentials *VLESSCredentials  `json:"vless_credentials,omitempty"`
	SS2022Credentials *SS2022Credentials `json:"ss2022_credentials,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Email returns the StatsService email key for this grant. Invariant 3 of
// the data model requires this equal "grant:<grant_id>" at all times.
func (g *Grant) Email() string {
	return "grant:" + g.GrantID
}

// QuotaResetSource says which side's reset schedule governs a
// (user, node) quota pairing.
type QuotaResetSource string

const (
	QuotaResetSourceUser QuotaResetSource = "user"
	QuotaResetSourceNode QuotaResetSource = "node"
)

// UserNodeQuota is a per-(user,node) byte ceiling shared across every
// protocol that user has on that node.
type UserNodeQuota struct {
	UserID          string           `json:"user_id"`
	NodeID          string           `json:"node_id"`
	QuotaLimitBytes int64            `json:"quota_limit_bytes"`
	ResetSource     QuotaResetSource `json:"reset_source"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Key returns the composite identity of this quota record.
func (q *UserNodeQuota) Key() string { return q.UserID + "/" + q.NodeID }

// RealityDomain is a cluster-wide SNI candidate usable by any VLESS+REALITY
// endpoint whose server_names_source is "global".
type RealityDomain struct {
	DomainID        string   `json:"domain_id"`
	ServerName      string   `json:"server_name"`
	DisabledNodeIDs []string `json:"disabled_node_ids"`
	Position        int      `json:"position"` // insertion order, maintained by ReorderRealityDomains
}

// NodeUserEndpointMembership is the materialized index re-derived after any
// membership mutation: every (node, user, endpoint) triple backed by a live
// Grant. It exists purely to serve quota-weight UIs cheaply; it carries no
// authority of its own.
type NodeUserEndpointMembership struct {
	NodeID     string `json:"node_id"`
	UserID     string `json:"user_id"`
	EndpointID string `json:"endpoint_id"`
	GrantID    string `json:"grant_id"`
}

// EffectiveServerNames derives the SNI list for a VLESS+REALITY endpoint
// with server_names_source=global: every RealityDomain not excluding this
// node, in insertion order, case-folded unique (property 8 of the testable
// properties list).
func EffectiveServerNames(domains []*RealityDomain, nodeID string) []string {
	seen := make(map[string]bool, len(domains))
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		excluded := false
		for _, id := range d.DisabledNodeIDs {
			if id == nodeID {
				excluded = true
				break
			}
		}
		if excluded {
			continue
		}
		key := lowerASCII(d.ServerName)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, d.ServerName)
	}
	return out
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
