package metrics

import (
	"strconv"
	"time"

	"github.com/nodeplane/xpd/pkg/storage"
)

// ClusterNode is the slice of *consensus.Node the collector needs for Raft
// gauges. Narrower than apiserver.ClusterNode: the collector only ever
// reads, never proposes or verifies peers.
type ClusterNode interface {
	IsLeader() bool
	RaftStats() map[string]interface{}
}

// Collector periodically samples the desired-state store and Raft stats
// into the package's Prometheus gauges.
type Collector struct {
	store storage.Store
	node  ClusterNode

	stopCh chan struct{}
}

// NewCollector returns a Collector that samples store and node every 15s
// once Start is called.
func NewCollector(store storage.Store, node ClusterNode) *Collector {
	return &Collector{
		store:  store,
		node:   node,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics in a background goroutine.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts the collector. Not safe to call twice.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectFleetMetrics()
	c.collectRaftMetrics()
}

func (c *Collector) collectFleetMetrics() {
	if nodes, err := c.store.ListNodes(); err == nil {
		NodesTotal.Set(float64(len(nodes)))
	}

	if endpoints, err := c.store.ListEndpoints(); err == nil {
		kindCounts := make(map[string]int)
		for _, ep := range endpoints {
			kindCounts[string(ep.Kind)]++
		}
		for kind, count := range kindCounts {
			EndpointsTotal.WithLabelValues(kind).Set(float64(count))
		}
	}

	if grants, err := c.store.ListGrants(); err == nil {
		enabledCounts := make(map[bool]int)
		for _, g := range grants {
			enabledCounts[g.Enabled]++
		}
		for enabled, count := range enabledCounts {
			GrantsTotal.WithLabelValues(strconv.FormatBool(enabled)).Set(float64(count))
		}
	}

	if users, err := c.store.ListUsers(); err == nil {
		UsersTotal.Set(float64(len(users)))
	}
}

func (c *Collector) collectRaftMetrics() {
	if c.node.IsLeader() {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}

	stats := c.node.RaftStats()
	if stats == nil {
		return
	}
	if lastIndex, ok := parseRaftStat(stats, "last_log_index"); ok {
		RaftLogIndex.Set(lastIndex)
	}
	if appliedIndex, ok := parseRaftStat(stats, "applied_index"); ok {
		RaftAppliedIndex.Set(appliedIndex)
	}
	if voters, ok := parseRaftStat(stats, "voters"); ok {
		RaftPeers.Set(voters)
	}
}

// parseRaftStat reads a Node.RaftStats() value, coping with either the
// uint64 Node.RaftStats reports directly or a string (hashicorp/raft's own
// Stats() encodes everything as a string).
func parseRaftStat(stats map[string]interface{}, key string) (float64, bool) {
	switch v := stats[key].(type) {
	case uint64:
		return float64(v), true
	case string:
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
