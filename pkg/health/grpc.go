package health

import (
	"context"
	"fmt"
	"time"

	"github.com/nodeplane/xpd/pkg/xrayclient"
)

// CheckTypeGRPC probes a local Xray process's management API.
const CheckTypeGRPC CheckType = "grpc"

// GRPCChecker performs a lightweight call against the local Xray
// StatsService to decide whether the proxy process is still answering its
// management API. A failed dial or a failed call both count as unhealthy —
// this checker doesn't distinguish "process is gone" from "process is
// wedged", since the supervisor's response (restart) is the same either way.
type GRPCChecker struct {
	proxy xrayclient.ProxyClient
}

// NewGRPCChecker wraps an already-dialed proxy client.
func NewGRPCChecker(proxy xrayclient.ProxyClient) *GRPCChecker {
	return &GRPCChecker{proxy: proxy}
}

// Check queries a well-known, harmless stats key; the proxy answering at
// all (even with a zero/not-found value) is what "healthy" means here.
func (g *GRPCChecker) Check(ctx context.Context) Result {
	start := time.Now()
	_, _, err := g.proxy.QueryStats(ctx, "health-probe", false)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("xray management api unreachable: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	return Result{
		Healthy:   true,
		Message:   "xray management api responding",
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type.
func (g *GRPCChecker) Type() CheckType {
	return CheckTypeGRPC
}
