package reconciler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nodeplane/xpd/pkg/log"
	"github.com/nodeplane/xpd/pkg/metrics"
	"github.com/nodeplane/xpd/pkg/storage"
	"github.com/nodeplane/xpd/pkg/types"
	"github.com/nodeplane/xpd/pkg/xrayclient"
)

// tick is the periodic reconciliation interval. The rising edge of the
// local proxy health signal and a fresh Raft apply both kick the loop early
// via Kick, independent of this ticker.
const tick = 30 * time.Second

// BanChecker reports whether a grant is currently serving a local,
// non-consensus quota ban. The quota engine owns this state; the reconciler
// only reads it when computing effective_enabled, never writes it.
type BanChecker interface {
	IsBanned(grantID string) bool
}

// endpointState is what the reconciler last told the proxy about one owned
// endpoint, so it can tell a real config change (which needs a rebuild)
// apart from an unchanged endpoint it must merely keep asserting.
type endpointState struct {
	tag   string
	hash  string
	users map[string]bool // email -> currently AddUser'd
}

// Reconciler drives the local Xray process toward the subset of desired
// state owned by this node (spec.md §4.E). It never enumerates what the
// proxy already has: every operation it issues is idempotent and it applies
// desired state blindly, tolerating "already exists" / "already absent" as
// success.
type Reconciler struct {
	store  storage.Store
	proxy  xrayclient.ProxyClient
	bans   BanChecker
	nodeID string
	logger zerolog.Logger

	mu       sync.Mutex
	known    map[string]*endpointState // endpoint_id -> state
	triggerC chan struct{}
	stopC    chan struct{}
}

// NewReconciler creates a reconciler for the given node's owned endpoints.
func NewReconciler(store storage.Store, proxy xrayclient.ProxyClient, bans BanChecker, nodeID string) *Reconciler {
	return &Reconciler{
		store:    store,
		proxy:    proxy,
		bans:     bans,
		nodeID:   nodeID,
		logger:   log.WithComponent("reconciler"),
		known:    make(map[string]*endpointState),
		triggerC: make(chan struct{}, 1),
		stopC:    make(chan struct{}),
	}
}

// Start begins the reconciliation loop in a background goroutine.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler.
func (r *Reconciler) Stop() {
	close(r.stopC)
}

// Kick requests an out-of-band reconciliation pass at the next opportunity:
// called after a local Raft apply and on the rising edge of the proxy
// health signal. It never blocks; a pass already queued absorbs the kick.
func (r *Reconciler) Kick() {
	select {
	case r.triggerC <- struct{}{}:
	default:
	}
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	r.logger.Info().Msg("reconciler started")

	if err := r.reconcile(context.Background()); err != nil {
		r.logger.Error().Err(err).Msg("initial reconciliation failed")
	}

	for {
		select {
		case <-ticker.C:
			if err := r.reconcile(context.Background()); err != nil {
				r.logger.Error().Err(err).Msg("reconciliation cycle failed")
			}
		case <-r.triggerC:
			if err := r.reconcile(context.Background()); err != nil {
				r.logger.Error().Err(err).Msg("triggered reconciliation failed")
			}
		case <-r.stopC:
			r.logger.Info().Msg("reconciler stopped")
			return
		}
	}
}

// reconcile performs one pass over every endpoint owned by this node.
func (r *Reconciler) reconcile(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	endpoints, err := r.store.ListEndpointsByNode(r.nodeID)
	if err != nil {
		return fmt.Errorf("listing owned endpoints: %w", err)
	}

	domains, err := r.store.ListRealityDomains()
	if err != nil {
		return fmt.Errorf("listing reality domains: %w", err)
	}

	seen := make(map[string]bool, len(endpoints))
	for _, ep := range endpoints {
		seen[ep.EndpointID] = true
		if err := r.reconcileEndpoint(ctx, ep, domains); err != nil {
			metrics.ReconciliationErrorsTotal.WithLabelValues("endpoint").Inc()
			r.logger.Error().Err(err).Str("endpoint_id", ep.EndpointID).Msg("failed to reconcile endpoint")
		}
	}

	// Entities no longer owned by this node (deleted, or reassigned to
	// another node by an apply) lose their inbound: the proxy has no
	// durable record of them either way, so this is the only place a
	// removal actually gets noticed.
	for id, st := range r.known {
		if seen[id] {
			continue
		}
		if err := r.proxy.RemoveInbound(ctx, st.tag); err != nil {
			metrics.ReconciliationErrorsTotal.WithLabelValues("remove_inbound").Inc()
			r.logger.Error().Err(err).Str("endpoint_id", id).Str("tag", st.tag).Msg("failed to remove stale inbound")
			continue
		}
		delete(r.known, id)
	}

	return nil
}

func (r *Reconciler) reconcileEndpoint(ctx context.Context, ep *types.Endpoint, domains []*types.RealityDomain) error {
	resolved := resolveServerNames(ep, domains)
	hash := inboundHash(ep, resolved)

	st, exists := r.known[ep.EndpointID]
	if !exists {
		st = &endpointState{tag: ep.Tag, users: make(map[string]bool)}
		r.known[ep.EndpointID] = st
	}

	rebuild := !exists || st.hash != hash
	if rebuild {
		if exists {
			if err := r.proxy.RemoveInbound(ctx, ep.Tag); err != nil {
				return fmt.Errorf("removing inbound %s for rebuild: %w", ep.Tag, err)
			}
			metrics.InboundRebuildsTotal.Inc()
		}
		if err := r.proxy.AddInbound(ctx, endpointWithResolvedNames(ep, resolved)); err != nil {
			return fmt.Errorf("adding inbound %s: %w", ep.Tag, err)
		}
		st.hash = hash
		st.users = make(map[string]bool) // a rebuilt inbound starts with no users; replay below
	} else {
		// Heal a proxy that forgot this inbound across a restart; "already
		// exists" from the proxy is success, not an error.
		if err := r.proxy.AddInbound(ctx, endpointWithResolvedNames(ep, resolved)); err != nil {
			return fmt.Errorf("asserting inbound %s: %w", ep.Tag, err)
		}
	}

	grants, err := r.store.ListGrantsByEndpoint(ep.EndpointID)
	if err != nil {
		return fmt.Errorf("listing grants for endpoint %s: %w", ep.EndpointID, err)
	}

	desired := make(map[string]*types.Grant, len(grants))
	for _, g := range grants {
		if r.effectiveEnabled(g) {
			desired[g.Email()] = g
		}
	}

	for email, g := range desired {
		if st.users[email] {
			continue
		}
		if err := r.proxy.AddUser(ctx, ep.Tag, g, ep); err != nil {
			metrics.ReconciliationErrorsTotal.WithLabelValues("add_user").Inc()
			r.logger.Error().Err(err).Str("endpoint_id", ep.EndpointID).Str("grant_id", g.GrantID).Msg("failed to add user")
			continue
		}
		st.users[email] = true
	}

	for email := range st.users {
		if _, ok := desired[email]; ok {
			continue
		}
		if err := r.proxy.RemoveUser(ctx, ep.Tag, email); err != nil {
			metrics.ReconciliationErrorsTotal.WithLabelValues("remove_user").Inc()
			r.logger.Error().Err(err).Str("endpoint_id", ep.EndpointID).Str("email", email).Msg("failed to remove user")
			continue
		}
		delete(st.users, email)
	}

	return nil
}

// effectiveEnabled implements spec.md §4.E step 1: desired_enabled(grant) is
// the replicated Grant.Enabled flag; local_usage.quota_banned is this
// node's own unreplicated enforcement state, owned by the quota engine.
func (r *Reconciler) effectiveEnabled(g *types.Grant) bool {
	if !g.Enabled {
		return false
	}
	if r.bans != nil && r.bans.IsBanned(g.GrantID) {
		return false
	}
	return true
}

// resolveServerNames returns the SNI list that should actually be pushed to
// the proxy for a VLESS+REALITY endpoint: the manually configured list, or
// the cluster-wide EffectiveServerNames projection when the endpoint opts
// into server_names_source=global. Non-VLESS endpoints return nil.
func resolveServerNames(ep *types.Endpoint, domains []*types.RealityDomain) []string {
	if ep.VLESSReality == nil {
		return nil
	}
	if ep.VLESSReality.ServerNamesSource == types.ServerNamesSourceGlobal {
		return types.EffectiveServerNames(domains, ep.NodeID)
	}
	return ep.VLESSReality.ServerNames
}

// endpointWithResolvedNames returns a shallow copy of ep with its
// VLESSReality.ServerNames replaced by the already-resolved list, so
// xrayclient never has to know about RealityDomain resolution itself.
func endpointWithResolvedNames(ep *types.Endpoint, resolved []string) *types.Endpoint {
	if ep.VLESSReality == nil {
		return ep
	}
	cp := *ep
	metaCopy := *ep.VLESSReality
	metaCopy.ServerNames = resolved
	cp.VLESSReality = &metaCopy
	return &cp
}

// inboundHash covers exactly the config fields spec.md §4.E names as
// rebuild-triggering: kind, port, REALITY keys, effective server_names,
// active short-id, and the SS2022 PSK. Anything else about an Endpoint
// (its node_id, its tag) either can't change without the entity being
// deleted and recreated, or doesn't affect the proxy's wire config.
func inboundHash(ep *types.Endpoint, resolvedServerNames []string) string {
	h := sha256.New()
	fmt.Fprintf(h, "kind=%s|port=%d|", ep.Kind, ep.Port)

	if m := ep.VLESSReality; m != nil {
		names := append([]string(nil), resolvedServerNames...)
		sort.Strings(names)
		fmt.Fprintf(h, "dest=%s|fp=%s|priv=%s|pub=%s|active_sid=%s|names=%s|",
			m.Dest, m.Fingerprint, m.RealityPrivateKey, m.RealityPublicKey,
			m.ActiveShortID, strings.Join(names, ","))
	}
	if m := ep.SS2022; m != nil {
		fmt.Fprintf(h, "method=%s|psk=%s|", m.Method, m.ServerPSKB64)
	}
	return hex.EncodeToString(h.Sum(nil))
}
