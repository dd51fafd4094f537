// Package xrayclient talks to a local Xray-core process over its gRPC
// management API: app/proxyman/command's HandlerService for inbound/user
// mutation, and app/stats/command's StatsService for traffic counters. It is
// the only package that imports xray-core's command protobufs; everything
// above it (the reconciler, the quota engine) depends on the ProxyClient
// interface instead.
package xrayclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	pbcmd "github.com/xtls/xray-core/app/proxyman/command"
	statscmd "github.com/xtls/xray-core/app/stats/command"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/nodeplane/xpd/pkg/types"
)

// ProxyClient is the subset of Xray's management surface the reconciler and
// quota engine need. A single implementation (Client) talks gRPC; tests use
// an in-memory fake.
type ProxyClient interface {
	AddInbound(ctx context.Context, ep *types.Endpoint) error
	RemoveInbound(ctx context.Context, tag string) error
	AddUser(ctx context.Context, tag string, grant *types.Grant, ep *types.Endpoint) error
	RemoveUser(ctx context.Context, tag, email string) error
	QueryStats(ctx context.Context, email string, reset bool) (uplink, downlink int64, err error)
	Close() error
}

// Client is a ProxyClient backed by a local Xray API listener, always
// 127.0.0.1 and never covered by the cluster's mTLS certificates: Xray's own
// management API has no authentication of its own and must never be exposed
// off-loopback.
type Client struct {
	conn    *grpc.ClientConn
	handler pbcmd.HandlerServiceClient
	stats   statscmd.StatsServiceClient

	tagLocks sync.Map // tag string -> *sync.Mutex
}

// Dial connects to the Xray API listener at addr (e.g. "127.0.0.1:10085").
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dialing xray api at %s: %w", addr, err)
	}
	return &Client{
		conn:    conn,
		handler: pbcmd.NewHandlerServiceClient(conn),
		stats:   statscmd.NewStatsServiceClient(conn),
	}, nil
}

// lockTag serializes every mutating call against a single inbound tag, so
// the reconciler and the quota engine never race an AddUser against a
// RemoveUser for the same (tag, email) pair.
func (c *Client) lockTag(tag string) func() {
	v, _ := c.tagLocks.LoadOrStore(tag, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// AddInbound builds an inbound handler config from ep and adds it under
// ep.Tag. "already exists" is treated as the caller's concern, per the
// reconciler's idempotency rule; the proxy itself returns an error for a
// duplicate tag and the reconciler logs-and-continues rather than failing
// the whole cycle on it.
func (c *Client) AddInbound(ctx context.Context, ep *types.Endpoint) error {
	defer c.lockTag(ep.Tag)()
	cfg, err := buildInboundConfig(ep)
	if err != nil {
		return fmt.Errorf("building inbound config for %s: %w", ep.Tag, err)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = c.handler.AddInbound(ctx, &pbcmd.AddInboundRequest{Inbound: cfg})
	if err != nil {
		return fmt.Errorf("AddInbound(%s): %w", ep.Tag, err)
	}
	return nil
}

func (c *Client) RemoveInbound(ctx context.Context, tag string) error {
	defer c.lockTag(tag)()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := c.handler.RemoveInbound(ctx, &pbcmd.RemoveInboundRequest{Tag: tag})
	if err != nil {
		return fmt.Errorf("RemoveInbound(%s): %w", tag, err)
	}
	return nil
}

func (c *Client) AddUser(ctx context.Context, tag string, grant *types.Grant, ep *types.Endpoint) error {
	defer c.lockTag(tag)()
	op, err := buildAddUserOperation(grant, ep)
	if err != nil {
		return fmt.Errorf("building user for grant %s: %w", grant.GrantID, err)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = c.handler.AlterInbound(ctx, &pbcmd.AlterInboundRequest{Tag: tag, Operation: op})
	if err != nil {
		return fmt.Errorf("AlterInbound AddUser(%s, %s): %w", tag, grant.Email(), err)
	}
	return nil
}

func (c *Client) RemoveUser(ctx context.Context, tag, email string) error {
	defer c.lockTag(tag)()
	op, err := serializeOperation(&pbcmd.RemoveUserOperation{Email: email})
	if err != nil {
		return fmt.Errorf("serializing RemoveUserOperation: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = c.handler.AlterInbound(ctx, &pbcmd.AlterInboundRequest{Tag: tag, Operation: op})
	if err != nil {
		return fmt.Errorf("AlterInbound RemoveUser(%s, %s): %w", tag, email, err)
	}
	return nil
}

// QueryStats reads the cumulative uplink/downlink counters for an email,
// without resetting them unless reset is true. Missing counters (a grant
// with no traffic yet) read back as zero, not an error.
func (c *Client) QueryStats(ctx context.Context, email string, reset bool) (uplink, downlink int64, err error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	uplink, err = c.queryOne(ctx, fmt.Sprintf("user>>>%s>>>traffic>>>uplink", email), reset)
	if err != nil {
		return 0, 0, err
	}
	downlink, err = c.queryOne(ctx, fmt.Sprintf("user>>>%s>>>traffic>>>downlink", email), reset)
	if err != nil {
		return 0, 0, err
	}
	return uplink, downlink, nil
}

func (c *Client) queryOne(ctx context.Context, name string, reset bool) (int64, error) {
	resp, err := c.stats.GetStats(ctx, &statscmd.GetStatsRequest{Name: name, Reset_: reset})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			// A counter that has never been written is reported not-found
			// by the stats service; that reads as zero traffic, not a
			// failure to reach the proxy at all.
			return 0, nil
		}
		return 0, fmt.Errorf("GetStats(%s): %w", name, err)
	}
	if resp.Stat == nil {
		return 0, nil
	}
	return resp.Stat.Value, nil
}
