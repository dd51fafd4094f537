package consensus

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodeplane/xpd/pkg/storage"
	"github.com/nodeplane/xpd/pkg/types"
)

var errSnapshotCancelled = errors.New("snapshot cancelled")

func newTestFSM(t *testing.T) (*FSM, storage.Store, func()) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "xpd-fsm-test-*")
	require.NoError(t, err)
	store, err := storage.NewBoltStore(tmpDir)
	require.NoError(t, err)
	return NewFSM(store), store, func() {
		store.Close()
		os.RemoveAll(tmpDir)
	}
}

func applyCommand(t *testing.T, fsm *FSM, op types.CommandOp, payload interface{}) interface{} {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	cmd := types.Command{Op: op, Data: data, Timestamp: time.Now().UTC()}
	encoded, err := json.Marshal(cmd)
	require.NoError(t, err)
	return fsm.Apply(&raft.Log{Data: encoded})
}

func mustApply(t *testing.T, fsm *FSM, op types.CommandOp, payload interface{}) {
	t.Helper()
	resp := applyCommand(t, fsm, op, payload)
	require.Nil(t, resp, "Apply(%s) returned error: %v", op, resp)
}

func TestApplyUpsertNodeCreatesThenUpdates(t *testing.T) {
	fsm, store, cleanup := newTestFSM(t)
	defer cleanup()

	mustApply(t, fsm, types.OpUpsertNode, types.OpUpsertNodeData{
		Node: &types.Node{NodeID: "node-1", NodeName: "edge-1"},
	})
	n, err := store.GetNode("node-1")
	require.NoError(t, err)
	assert.Equal(t, "edge-1", n.NodeName)
	firstCreated := n.CreatedAt

	mustApply(t, fsm, types.OpUpsertNode, types.OpUpsertNodeData{
		Node: &types.Node{NodeID: "node-1", NodeName: "edge-1-renamed"},
	})
	n, err = store.GetNode("node-1")
	require.NoError(t, err)
	assert.Equal(t, "edge-1-renamed", n.NodeName)
	assert.True(t, n.CreatedAt.Equal(firstCreated), "CreatedAt changed on update: got %v, want %v", n.CreatedAt, firstCreated)
}

func TestApplyUpsertNodeRejectsInvalidResetConfig(t *testing.T) {
	fsm, _, cleanup := newTestFSM(t)
	defer cleanup()

	resp := applyCommand(t, fsm, types.OpUpsertNode, types.OpUpsertNodeData{
		Node: &types.Node{NodeID: "node-1", Reset: &types.ResetConfig{Policy: types.ResetPolicyMonthly, DayOfMonth: 32}},
	})
	assert.NotNil(t, resp, "expected upsert with day_of_month=32 to be rejected")

	resp = applyCommand(t, fsm, types.OpUpsertNode, types.OpUpsertNodeData{
		Node: &types.Node{NodeID: "node-1", Reset: &types.ResetConfig{Policy: types.ResetPolicyUnlimited}},
	})
	assert.Nil(t, resp, "unlimited policy carries no day_of_month to validate")
}

func TestApplyPatchNodeMetaRejectsInvalidResetConfig(t *testing.T) {
	fsm, store, cleanup := newTestFSM(t)
	defer cleanup()

	mustApply(t, fsm, types.OpUpsertNode, types.OpUpsertNodeData{Node: &types.Node{NodeID: "node-1"}})

	zero := 0
	resp := applyCommand(t, fsm, types.OpPatchNodeMeta, types.OpPatchNodeMetaData{
		NodeID: "node-1",
		Reset:  &types.ResetConfig{Policy: types.ResetPolicyMonthly, DayOfMonth: zero},
	})
	assert.NotNil(t, resp, "expected patch with day_of_month=0 to be rejected")

	n, err := store.GetNode("node-1")
	require.NoError(t, err)
	assert.Nil(t, n.Reset, "rejected patch must not have been applied")
}

func TestApplyDeleteNodeRejectedWhileEndpointsOwned(t *testing.T) {
	fsm, store, cleanup := newTestFSM(t)
	defer cleanup()

	mustApply(t, fsm, types.OpUpsertNode, types.OpUpsertNodeData{Node: &types.Node{NodeID: "node-1"}})
	mustApply(t, fsm, types.OpUpsertEndpoint, types.OpUpsertEndpointData{
		Endpoint: &types.Endpoint{EndpointID: "ep-1", NodeID: "node-1", Tag: "ep-1", Kind: types.EndpointKindSS2022Blake3Aes128Gcm},
	})

	resp := applyCommand(t, fsm, types.OpDeleteNode, types.OpDeleteNodeData{NodeID: "node-1"})
	require.NotNil(t, resp, "expected DeleteNode to be rejected while endpoints are owned")

	mustApply(t, fsm, types.OpDeleteEndpoint, types.OpDeleteEndpointData{EndpointID: "ep-1"})
	mustApply(t, fsm, types.OpDeleteNode, types.OpDeleteNodeData{NodeID: "node-1"})

	_, err := store.GetNode("node-1")
	assert.Error(t, err, "expected node-1 to be deleted after its endpoints were removed")
}

func TestApplyUpsertEndpointRejectsDuplicateTag(t *testing.T) {
	fsm, _, cleanup := newTestFSM(t)
	defer cleanup()

	mustApply(t, fsm, types.OpUpsertNode, types.OpUpsertNodeData{Node: &types.Node{NodeID: "node-1"}})
	mustApply(t, fsm, types.OpUpsertEndpoint, types.OpUpsertEndpointData{
		Endpoint: &types.Endpoint{EndpointID: "ep-1", NodeID: "node-1", Tag: "shared-tag", Kind: types.EndpointKindSS2022Blake3Aes128Gcm},
	})

	resp := applyCommand(t, fsm, types.OpUpsertEndpoint, types.OpUpsertEndpointData{
		Endpoint: &types.Endpoint{EndpointID: "ep-2", NodeID: "node-1", Tag: "shared-tag", Kind: types.EndpointKindSS2022Blake3Aes128Gcm},
	})
	assert.NotNil(t, resp, "expected a second endpoint with the same tag to be rejected")

	// Re-upserting ep-1 under its own tag must still succeed.
	mustApply(t, fsm, types.OpUpsertEndpoint, types.OpUpsertEndpointData{
		Endpoint: &types.Endpoint{EndpointID: "ep-1", NodeID: "node-1", Tag: "shared-tag", Kind: types.EndpointKindSS2022Blake3Aes128Gcm},
	})
}

func TestApplyUpsertEndpointDerivesDestFromServerNames(t *testing.T) {
	fsm, store, cleanup := newTestFSM(t)
	defer cleanup()

	mustApply(t, fsm, types.OpUpsertNode, types.OpUpsertNodeData{Node: &types.Node{NodeID: "node-1"}})
	mustApply(t, fsm, types.OpUpsertEndpoint, types.OpUpsertEndpointData{
		Endpoint: &types.Endpoint{
			EndpointID: "ep-1",
			NodeID:     "node-1",
			Tag:        "ep-1",
			Kind:       types.EndpointKindVLESSRealityVisionTCP,
			VLESSReality: &types.VLESSRealityMeta{
				ServerNames: []string{"one.example", "two.example"},
			},
		},
	})

	ep, err := store.GetEndpoint("ep-1")
	require.NoError(t, err)
	assert.Equal(t, "one.example:443", ep.VLESSReality.Dest)

	// Re-upserting with a reordered server_names list re-derives dest.
	mustApply(t, fsm, types.OpUpsertEndpoint, types.OpUpsertEndpointData{
		Endpoint: &types.Endpoint{
			EndpointID: "ep-1",
			NodeID:     "node-1",
			Tag:        "ep-1",
			Kind:       types.EndpointKindVLESSRealityVisionTCP,
			VLESSReality: &types.VLESSRealityMeta{
				ServerNames: []string{"two.example", "one.example"},
			},
		},
	})
	ep, err = store.GetEndpoint("ep-1")
	require.NoError(t, err)
	assert.Equal(t, "two.example:443", ep.VLESSReality.Dest)
}

func TestApplySetUserAccessHardCut(t *testing.T) {
	fsm, store, cleanup := newTestFSM(t)
	defer cleanup()

	mustApply(t, fsm, types.OpUpsertNode, types.OpUpsertNodeData{Node: &types.Node{NodeID: "node-1"}})
	mustApply(t, fsm, types.OpUpsertEndpoint, types.OpUpsertEndpointData{
		Endpoint: &types.Endpoint{EndpointID: "ep-1", NodeID: "node-1", Tag: "ep-1", Kind: types.EndpointKindVLESSRealityVisionTCP},
	})
	mustApply(t, fsm, types.OpUpsertEndpoint, types.OpUpsertEndpointData{
		Endpoint: &types.Endpoint{EndpointID: "ep-2", NodeID: "node-1", Tag: "ep-2", Kind: types.EndpointKindVLESSRealityVisionTCP},
	})
	mustApply(t, fsm, types.OpUpsertUser, types.OpUpsertUserData{User: &types.User{UserID: "user-1"}})

	mustApply(t, fsm, types.OpSetUserAccess, types.OpSetUserAccessData{
		UserID:      "user-1",
		EndpointIDs: []string{"ep-1", "ep-2"},
	})
	grants, err := store.ListGrantsByUser("user-1")
	require.NoError(t, err)
	require.Len(t, grants, 2)

	mustApply(t, fsm, types.OpSetUserAccess, types.OpSetUserAccessData{
		UserID:      "user-1",
		EndpointIDs: []string{"ep-1"},
	})
	grants, err = store.ListGrantsByUser("user-1")
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, "ep-1", grants[0].EndpointID)

	memberships, err := store.ListMemberships()
	require.NoError(t, err)
	require.Len(t, memberships, 1)
	assert.Equal(t, "ep-1", memberships[0].EndpointID)
}

func TestApplySetUserAccessIsIdempotentOnCredentials(t *testing.T) {
	fsm, store, cleanup := newTestFSM(t)
	defer cleanup()

	mustApply(t, fsm, types.OpUpsertNode, types.OpUpsertNodeData{Node: &types.Node{NodeID: "node-1"}})
	mustApply(t, fsm, types.OpUpsertEndpoint, types.OpUpsertEndpointData{
		Endpoint: &types.Endpoint{EndpointID: "ep-1", NodeID: "node-1", Tag: "ep-1", Kind: types.EndpointKindVLESSRealityVisionTCP},
	})
	mustApply(t, fsm, types.OpUpsertUser, types.OpUpsertUserData{User: &types.User{UserID: "user-1"}})

	mustApply(t, fsm, types.OpSetUserAccess, types.OpSetUserAccessData{UserID: "user-1", EndpointIDs: []string{"ep-1"}})
	grant, err := store.GetGrantByUserEndpoint("user-1", "ep-1")
	require.NoError(t, err)
	firstUUID := grant.VLESSCredentials.UUID
	assert.Equal(t, "grant:"+grant.GrantID, grant.Email())
	assert.Len(t, grant.GrantID, 26, "grant_id must be a 26-char ULID, matching every other entity id")

	mustApply(t, fsm, types.OpSetUserAccess, types.OpSetUserAccessData{UserID: "user-1", EndpointIDs: []string{}})
	mustApply(t, fsm, types.OpSetUserAccess, types.OpSetUserAccessData{UserID: "user-1", EndpointIDs: []string{"ep-1"}})

	grant, err = store.GetGrantByUserEndpoint("user-1", "ep-1")
	require.NoError(t, err)
	assert.Equal(t, firstUUID, grant.VLESSCredentials.UUID, "credentials must be deterministic across re-grant")
}

func TestApplyRotateShortIDEvictsOldestBeyondEight(t *testing.T) {
	fsm, store, cleanup := newTestFSM(t)
	defer cleanup()

	mustApply(t, fsm, types.OpUpsertNode, types.OpUpsertNodeData{Node: &types.Node{NodeID: "node-1"}})
	mustApply(t, fsm, types.OpUpsertEndpoint, types.OpUpsertEndpointData{
		Endpoint: &types.Endpoint{
			EndpointID:   "ep-1",
			NodeID:       "node-1",
			Tag:          "ep-1",
			Kind:         types.EndpointKindVLESSRealityVisionTCP,
			VLESSReality: &types.VLESSRealityMeta{ShortIDs: []string{"ab"}, ActiveShortID: "ab"},
		},
	})

	var lastID string
	for i := 0; i < 10; i++ {
		lastID = hexShortID(i)
		mustApply(t, fsm, types.OpRotateShortID, types.OpRotateShortIDData{EndpointID: "ep-1", NewShortID: lastID})
	}

	ep, err := store.GetEndpoint("ep-1")
	require.NoError(t, err)
	require.Len(t, ep.VLESSReality.ShortIDs, 8)
	assert.Equal(t, lastID, ep.VLESSReality.ActiveShortID)
	assert.NotEqual(t, "ab", ep.VLESSReality.ShortIDs[0], "oldest short-id should have been evicted")
}

// hexShortID returns a distinct, well-formed (hex, even length, <=16 chars)
// short-id for test iteration i.
func hexShortID(i int) string {
	const digits = "0123456789abcdef"
	return string([]byte{digits[i%16], digits[(i/16)%16], 'a', 'a'})
}

func TestApplyRotateShortIDRequiresValue(t *testing.T) {
	fsm, _, cleanup := newTestFSM(t)
	defer cleanup()

	mustApply(t, fsm, types.OpUpsertNode, types.OpUpsertNodeData{Node: &types.Node{NodeID: "node-1"}})
	mustApply(t, fsm, types.OpUpsertEndpoint, types.OpUpsertEndpointData{
		Endpoint: &types.Endpoint{EndpointID: "ep-1", NodeID: "node-1", Tag: "ep-1", Kind: types.EndpointKindVLESSRealityVisionTCP, VLESSReality: &types.VLESSRealityMeta{}},
	})

	resp := applyCommand(t, fsm, types.OpRotateShortID, types.OpRotateShortIDData{EndpointID: "ep-1"})
	assert.NotNil(t, resp, "expected rotating with an empty new_short_id to be rejected")
}

func TestApplyRotateShortIDRejectsMalformedValue(t *testing.T) {
	fsm, _, cleanup := newTestFSM(t)
	defer cleanup()

	mustApply(t, fsm, types.OpUpsertNode, types.OpUpsertNodeData{Node: &types.Node{NodeID: "node-1"}})
	mustApply(t, fsm, types.OpUpsertEndpoint, types.OpUpsertEndpointData{
		Endpoint: &types.Endpoint{EndpointID: "ep-1", NodeID: "node-1", Tag: "ep-1", Kind: types.EndpointKindVLESSRealityVisionTCP, VLESSReality: &types.VLESSRealityMeta{}},
	})

	cases := []struct {
		name string
		id   string
	}{
		{"not hex", "zzzz"},
		{"odd length", "abc"},
		{"too long", "0123456789abcdef0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := applyCommand(t, fsm, types.OpRotateShortID, types.OpRotateShortIDData{EndpointID: "ep-1", NewShortID: tc.id})
			assert.NotNil(t, resp, "expected short-id %q to be rejected", tc.id)
		})
	}
}

func TestApplyDeleteEndpointCascadesGrantsAndMemberships(t *testing.T) {
	fsm, store, cleanup := newTestFSM(t)
	defer cleanup()

	mustApply(t, fsm, types.OpUpsertNode, types.OpUpsertNodeData{Node: &types.Node{NodeID: "node-1"}})
	mustApply(t, fsm, types.OpUpsertEndpoint, types.OpUpsertEndpointData{
		Endpoint: &types.Endpoint{EndpointID: "ep-1", NodeID: "node-1", Tag: "ep-1", Kind: types.EndpointKindSS2022Blake3Aes128Gcm},
	})
	mustApply(t, fsm, types.OpUpsertUser, types.OpUpsertUserData{User: &types.User{UserID: "user-1"}})
	mustApply(t, fsm, types.OpSetUserAccess, types.OpSetUserAccessData{UserID: "user-1", EndpointIDs: []string{"ep-1"}})

	mustApply(t, fsm, types.OpDeleteEndpoint, types.OpDeleteEndpointData{EndpointID: "ep-1"})

	grants, err := store.ListGrantsByUser("user-1")
	require.NoError(t, err)
	assert.Len(t, grants, 0)
	memberships, err := store.ListMemberships()
	require.NoError(t, err)
	assert.Len(t, memberships, 0)
}

func TestApplyPatchUserRejectsInvalidResetConfig(t *testing.T) {
	fsm, store, cleanup := newTestFSM(t)
	defer cleanup()

	mustApply(t, fsm, types.OpUpsertUser, types.OpUpsertUserData{User: &types.User{UserID: "user-1"}})

	resp := applyCommand(t, fsm, types.OpPatchUser, types.OpPatchUserData{
		UserID: "user-1",
		Reset:  &types.ResetConfig{Policy: types.ResetPolicyMonthly, DayOfMonth: 0},
	})
	assert.NotNil(t, resp, "expected patch with day_of_month=0 to be rejected")

	u, err := store.GetUser("user-1")
	require.NoError(t, err)
	assert.Nil(t, u.Reset, "rejected patch must not have been applied")

	mustApply(t, fsm, types.OpPatchUser, types.OpPatchUserData{
		UserID: "user-1",
		Reset:  &types.ResetConfig{Policy: types.ResetPolicyMonthly, DayOfMonth: 15},
	})
	u, err = store.GetUser("user-1")
	require.NoError(t, err)
	require.NotNil(t, u.Reset)
	assert.Equal(t, 15, u.Reset.DayOfMonth)
}

func TestApplyReorderRealityDomains(t *testing.T) {
	fsm, store, cleanup := newTestFSM(t)
	defer cleanup()

	mustApply(t, fsm, types.OpUpsertRealityDomain, types.OpUpsertRealityDomainData{Domain: &types.RealityDomain{DomainID: "d1", ServerName: "one.example"}})
	mustApply(t, fsm, types.OpUpsertRealityDomain, types.OpUpsertRealityDomainData{Domain: &types.RealityDomain{DomainID: "d2", ServerName: "two.example"}})

	mustApply(t, fsm, types.OpReorderRealityDomains, types.OpReorderRealityDomainsData{OrderedDomainIDs: []string{"d2", "d1"}})

	d1, err := store.GetRealityDomain("d1")
	require.NoError(t, err)
	d2, err := store.GetRealityDomain("d2")
	require.NoError(t, err)
	assert.Equal(t, 0, d2.Position)
	assert.Equal(t, 1, d1.Position)

	// ListRealityDomains must reflect Position, not bucket insertion order:
	// EffectiveServerNames (pkg/types) walks its result in order to build the
	// SNI list handed to the proxy.
	ordered, err := store.ListRealityDomains()
	require.NoError(t, err)
	require.Len(t, ordered, 2)
	assert.Equal(t, "d2", ordered[0].DomainID)
	assert.Equal(t, "d1", ordered[1].DomainID)

	names := types.EffectiveServerNames(ordered, "node-1")
	assert.Equal(t, []string{"two.example", "one.example"}, names)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	fsm, _, cleanup := newTestFSM(t)
	defer cleanup()

	mustApply(t, fsm, types.OpUpsertNode, types.OpUpsertNodeData{Node: &types.Node{NodeID: "node-1", NodeName: "edge-1"}})
	mustApply(t, fsm, types.OpUpsertEndpoint, types.OpUpsertEndpointData{
		Endpoint: &types.Endpoint{EndpointID: "ep-1", NodeID: "node-1", Tag: "ep-1", Kind: types.EndpointKindSS2022Blake3Aes128Gcm},
	})

	snapshot, err := fsm.Snapshot()
	require.NoError(t, err)

	restoreFSM, restoreStore, cleanupRestore := newTestFSM(t)
	defer cleanupRestore()

	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- snapshot.Persist(&fakeSnapshotSink{w: pw})
	}()
	require.NoError(t, restoreFSM.Restore(pr))
	require.NoError(t, <-done)

	n, err := restoreStore.GetNode("node-1")
	require.NoError(t, err)
	assert.Equal(t, "edge-1", n.NodeName)
}

type fakeSnapshotSink struct {
	w *io.PipeWriter
}

func (s *fakeSnapshotSink) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s *fakeSnapshotSink) Close() error                { return s.w.Close() }
func (s *fakeSnapshotSink) ID() string                  { return "test-snapshot" }
func (s *fakeSnapshotSink) Cancel() error                { return s.w.CloseWithError(errSnapshotCancelled) }
