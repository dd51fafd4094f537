// Package alerts delivers operator-facing notifications for conditions a
// log line alone won't surface fast enough: a grant quota-banned locally
// while the replicated desired state still says it's enabled (§4.F, §7).
// Delivery is optional — a node with no XP_SLACK_BOT_TOKEN configured runs
// with alerting disabled and every call below becomes a no-op.
package alerts

import (
	"context"
	"fmt"

	goslack "github.com/slack-go/slack"

	"github.com/nodeplane/xpd/pkg/log"
)

// Notifier posts quota-divergence alerts to a single Slack channel.
type Notifier struct {
	client  *goslack.Client
	channel string
}

// NewNotifier builds a Notifier. If botToken is empty, the Notifier is a
// noop: IsEnabled returns false and every Post* call returns nil.
func NewNotifier(botToken, channel string) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{client: client, channel: channel}
}

// IsEnabled reports whether this Notifier has a client and a destination.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// PostQuotaDivergence alerts that grantID is locally quota-banned on nodeID
// while the replicated desired state still marks it enabled, because the
// unban/ban proposal that should have reconciled the two failed to commit.
func (n *Notifier) PostQuotaDivergence(ctx context.Context, nodeID, grantID, reason string) error {
	if !n.IsEnabled() {
		log.WithComponent("alerts").Debug().
			Str("grant_id", grantID).Str("node_id", nodeID).
			Msg("slack alerting disabled, skipping quota divergence alert")
		return nil
	}

	text := fmt.Sprintf(":warning: quota divergence on node `%s`: grant `%s` is locally banned but desired state is enabled (%s)", nodeID, grantID, reason)
	_, _, err := n.client.PostMessageContext(ctx, n.channel, goslack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("posting quota divergence alert to slack: %w", err)
	}
	return nil
}
