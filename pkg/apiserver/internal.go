package apiserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nodeplane/xpd/pkg/events"
	"github.com/nodeplane/xpd/pkg/types"
	"github.com/nodeplane/xpd/pkg/usage"
	"github.com/nodeplane/xpd/pkg/xerrors"
)

type clientWriteRequest struct {
	Op   types.CommandOp `json:"op" validate:"required"`
	Data json.RawMessage `json:"data" validate:"required"`
}

// handleClientWrite serves POST /admin/_internal/client-write: the single
// proxy point every command the desired-state API accepts funnels through
// before reaching consensus.Node.Apply. requireLeader has already rejected
// this request if it arrived at a follower.
func (s *Server) handleClientWrite(w http.ResponseWriter, r *http.Request) {
	var req clientWriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.KindInvalidRequest, err.Error())
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.KindInvalidRequest, err.Error())
		return
	}

	if err := s.node.Apply(req.Op, req.Data); err != nil {
		writeError(w, http.StatusConflict, xerrors.KindInvalidRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// quotaAlert is the structured alert §7 requires whenever a grant is
// enabled by desired state but currently held down by local quota
// enforcement.
type quotaAlert struct {
	Type        string    `json:"type"`
	GrantID     string    `json:"grant_id"`
	OwnerNodeID string    `json:"owner_node_id"`
	Since       time.Time `json:"since"`
	ActionHint  string    `json:"action_hint"`
}

func (s *Server) divergenceAlerts() []quotaAlert {
	grants, err := s.node.Store().ListGrants()
	if err != nil {
		return nil
	}

	var alerts []quotaAlert
	for _, g := range grants {
		ep, err := s.node.Store().GetEndpoint(g.EndpointID)
		if err != nil || ep == nil || ep.NodeID != s.node.NodeID() {
			continue
		}
		if !g.Enabled || !s.usage.IsBanned(g.GrantID) {
			continue
		}
		u := s.usage.Get(g.GrantID)
		alerts = append(alerts, quotaAlert{
			Type:        "quota_enforced_but_desired_enabled",
			GrantID:     g.GrantID,
			OwnerNodeID: ep.NodeID,
			Since:       u.CycleStart,
			ActionHint:  "raise the grant's quota_limit_bytes, or clear quota_banned by waiting for cycle rollover",
		})
	}
	return alerts
}

type runtimeLocalResponse struct {
	usage.RuntimeDocument
	Alerts []quotaAlert `json:"alerts,omitempty"`
}

// handleRuntimeLocal serves GET /admin/_internal/nodes/runtime/local: this
// node's own health-window snapshot, for another node (or an aggregator
// polling every node) to assemble a cluster-wide view.
func (s *Server) handleRuntimeLocal(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, runtimeLocalResponse{
		RuntimeDocument: s.runtime.Snapshot(),
		Alerts:          s.divergenceAlerts(),
	})
}

// handleRuntimeStream is the SSE sibling of handleRuntimeLocal. When a
// broker is wired in, it subscribes and pushes the full snapshot the moment
// a health transition or quota ban/unban is published; a slower heartbeat
// poll covers the gap before the first event (and any broker-less setup),
// so an aggregator can hold one long-lived connection per peer instead of
// tight-polling every one of them.
func (s *Server) handleRuntimeStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, xerrors.KindInternal, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var sub events.Subscriber
	if s.broker != nil {
		sub = s.broker.Subscribe()
		defer s.broker.Unsubscribe(sub)
	}

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	send := func() bool {
		payload := runtimeLocalResponse{RuntimeDocument: s.runtime.Snapshot(), Alerts: s.divergenceAlerts()}
		encoded, err := json.Marshal(payload)
		if err != nil {
			return true
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", encoded); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !send() {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if !send() {
				return
			}
		case _, ok := <-sub:
			if !ok {
				sub = nil
				continue
			}
			if !send() {
				return
			}
		}
	}
}
