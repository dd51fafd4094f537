// Package quota meters per-grant traffic against StatsService, persists the
// running counters to usage.json, and enforces cutoffs: an immediate local
// ban the instant a grant crosses its limit, mirrored onto the replicated
// log so every other node converges on the same view once the proposal
// commits (§4.F).
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nodeplane/xpd/pkg/alerts"
	"github.com/nodeplane/xpd/pkg/events"
	"github.com/nodeplane/xpd/pkg/log"
	"github.com/nodeplane/xpd/pkg/metrics"
	"github.com/nodeplane/xpd/pkg/storage"
	"github.com/nodeplane/xpd/pkg/types"
	"github.com/nodeplane/xpd/pkg/usage"
	"github.com/nodeplane/xpd/pkg/xrayclient"
)

// quotaSafetyMargin is added to used_bytes before comparing against the
// limit, so the ban fires slightly before the hard ceiling rather than
// exactly on it (§4.F step 5, property E3).
const quotaSafetyMargin = 10 * 1024 * 1024

// Proposer is the one thing the engine needs from consensus: propose a
// command and block until it's either committed or definitively failed.
// Satisfied by *consensus.Node.
type Proposer interface {
	Apply(op types.CommandOp, payload interface{}) error
}

// Engine is the per-node quota tick loop.
type Engine struct {
	store     storage.Store
	usage     *usage.Store
	proxy     xrayclient.ProxyClient
	proposer  Proposer
	nodeID    string
	autoUnban bool
	interval  time.Duration
	logger    zerolog.Logger
	broker    *events.Broker
	alerter   *alerts.Notifier

	stopC chan struct{}
}

// SetBroker attaches a broker that ban/unban transitions are also published
// to, for a live operator-facing stream. Optional: nil leaves the engine
// logging and proposing without publishing.
func (e *Engine) SetBroker(b *events.Broker) {
	e.broker = b
}

// SetAlerter attaches a Notifier that fires when a quota ban or auto-unban
// proposal fails to commit, leaving this node's local enforcement diverged
// from the replicated desired state. Optional: a nil or disabled Notifier
// leaves the engine logging only.
func (e *Engine) SetAlerter(a *alerts.Notifier) {
	e.alerter = a
}

func (e *Engine) publish(typ events.EventType, grantID, message string) {
	if e.broker == nil {
		return
	}
	e.broker.Publish(&events.Event{
		Type:     typ,
		Message:  message,
		Metadata: map[string]string{"grant_id": grantID},
	})
}

// NewEngine wires the stores, the proxy client, and the consensus proposer
// for a single node's quota enforcement.
func NewEngine(store storage.Store, usageStore *usage.Store, proxy xrayclient.ProxyClient, proposer Proposer, nodeID string, interval time.Duration, autoUnban bool) *Engine {
	return &Engine{
		store:     store,
		usage:     usageStore,
		proxy:     proxy,
		proposer:  proposer,
		nodeID:    nodeID,
		autoUnban: autoUnban,
		interval:  interval,
		logger:    log.WithComponent("quota"),
		stopC:     make(chan struct{}),
	}
}

// Start begins the tick loop in a background goroutine.
func (e *Engine) Start() {
	go e.run()
}

// Stop stops the tick loop.
func (e *Engine) Stop() {
	close(e.stopC)
}

func (e *Engine) run() {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.tick(context.Background())
		case <-e.stopC:
			return
		}
	}
}

// tick walks every owned grant once. Per-grant failures are logged and
// skipped, never aborting the whole pass (§7 propagation policy).
func (e *Engine) tick(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.QuotaTickDuration)

	grants, err := e.store.ListGrants()
	if err != nil {
		e.logger.Error().Err(err).Msg("listing grants for quota tick")
		return
	}

	var divergent int
	for _, g := range grants {
		ep, err := e.store.GetEndpoint(g.EndpointID)
		if err != nil || ep == nil || ep.NodeID != e.nodeID {
			continue // ownership filter: this node doesn't run this grant's proxy
		}
		if err := e.tickGrant(ctx, g, ep); err != nil {
			metrics.ReconciliationErrorsTotal.WithLabelValues("quota").Inc()
			e.logger.Warn().Err(err).Str("grant_id", g.GrantID).Msg("quota tick failed for grant")
			continue
		}
		if g.Enabled && e.usage.IsBanned(g.GrantID) {
			divergent++
		}
	}
	metrics.QuotaDivergenceGauge.Set(float64(divergent))
}

func (e *Engine) tickGrant(ctx context.Context, g *types.Grant, ep *types.Endpoint) error {
	uplink, downlink, err := e.proxy.QueryStats(ctx, g.Email(), false)
	if err != nil {
		return fmt.Errorf("querying stats for %s: %w", g.Email(), err)
	}

	limit := e.effectiveQuotaLimit(g, ep.NodeID)
	cfg := e.resolveReset(g, ep.NodeID)
	now := time.Now().UTC()

	var justBanned, justRolledOver bool
	err = e.usage.Update(g.GrantID, func(u *usage.GrantUsage) {
		if u.CycleStart.IsZero() {
			// First observation of this grant: establish a cycle and a
			// traffic baseline, but charge nothing yet — there is no prior
			// reading to diff against.
			u.CycleStart, u.CycleEnd = computeCycleBounds(now, cfg)
			u.LastUplinkTotal, u.LastDownlinkTotal = uplink, downlink
			return
		}

		deltaUp := uplink - u.LastUplinkTotal
		deltaDown := downlink - u.LastDownlinkTotal
		u.LastUplinkTotal, u.LastDownlinkTotal = uplink, downlink
		if deltaUp < 0 || deltaDown < 0 {
			// Proxy restart or counter reset: re-baseline, never subtract.
			metrics.QuotaRebaselinesTotal.Inc()
		} else {
			u.UsedBytes += deltaUp + deltaDown
		}

		if !now.Before(u.CycleEnd) {
			u.CycleStart, u.CycleEnd = computeCycleBounds(now, cfg)
			u.UsedBytes = 0
			if u.QuotaBanned && e.autoUnban {
				u.QuotaBanned = false
				justRolledOver = true
			}
		}

		if limit > 0 && !u.QuotaBanned && u.UsedBytes+quotaSafetyMargin >= limit {
			u.QuotaBanned = true
			justBanned = true
		}
	})
	if err != nil {
		return fmt.Errorf("persisting usage for grant %s: %w", g.GrantID, err)
	}

	if justBanned {
		if err := e.proxy.RemoveUser(ctx, ep.Tag, g.Email()); err != nil {
			e.logger.Warn().Err(err).Str("grant_id", g.GrantID).Msg("removing quota-banned user from proxy")
		}
		metrics.QuotaBansTotal.Inc()
		e.publish(events.EventQuotaBanned, g.GrantID, "quota exceeded, banning")
		payload := types.OpSetGrantEnabledData{GrantID: g.GrantID, Enabled: false, Source: types.GrantSourceQuota}
		if err := e.proposer.Apply(types.OpSetGrantEnabled, payload); err != nil {
			// Strict-enforcement policy: the local ban above already holds
			// regardless of whether the cluster accepts this proposal.
			e.logger.Warn().Err(err).Str("grant_id", g.GrantID).Msg("proposing quota ban, local enforcement holds")
			if e.alerter != nil {
				if aerr := e.alerter.PostQuotaDivergence(ctx, e.nodeID, g.GrantID, "ban proposal did not commit"); aerr != nil {
					e.logger.Warn().Err(aerr).Str("grant_id", g.GrantID).Msg("posting quota divergence alert")
				}
			}
		}
	}

	if justRolledOver {
		payload := types.OpSetGrantEnabledData{GrantID: g.GrantID, Enabled: true, Source: types.GrantSourceQuota}
		if err := e.proposer.Apply(types.OpSetGrantEnabled, payload); err != nil {
			e.logger.Warn().Err(err).Str("grant_id", g.GrantID).Msg("proposing quota auto-unban")
		} else {
			metrics.QuotaUnbansTotal.Inc()
			e.publish(events.EventQuotaUnbanned, g.GrantID, "cycle rolled over, auto-unbanned")
		}
	}

	return nil
}

// effectiveQuotaLimit resolves the byte ceiling for a grant: the per-node
// UserNodeQuota overrides the grant's own limit when one is configured,
// since the quota is shared across every protocol the user holds on that
// node (§3).
func (e *Engine) effectiveQuotaLimit(g *types.Grant, nodeID string) int64 {
	unq, err := e.store.GetUserNodeQuota(g.UserID, nodeID)
	if err == nil && unq != nil && unq.QuotaLimitBytes > 0 {
		return unq.QuotaLimitBytes
	}
	return g.QuotaLimitBytes
}

func (e *Engine) resolveReset(g *types.Grant, nodeID string) *types.ResetConfig {
	user, _ := e.store.GetUser(g.UserID)
	node, _ := e.store.GetNode(nodeID)
	unq, _ := e.store.GetUserNodeQuota(g.UserID, nodeID)
	return resolveEffectiveReset(user, node, unq)
}
