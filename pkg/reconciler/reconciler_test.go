package reconciler

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodeplane/xpd/pkg/storage"
	"github.com/nodeplane/xpd/pkg/types"
)

type fakeProxy struct {
	inbounds map[string]*types.Endpoint // tag -> last config pushed
	users    map[string]map[string]bool // tag -> email -> present

	addInboundCalls    int
	removeInboundCalls int
	addUserCalls       int
	removeUserCalls    int
}

func newFakeProxy() *fakeProxy {
	return &fakeProxy{
		inbounds: make(map[string]*types.Endpoint),
		users:    make(map[string]map[string]bool),
	}
}

func (f *fakeProxy) AddInbound(_ context.Context, ep *types.Endpoint) error {
	f.addInboundCalls++
	cp := *ep
	f.inbounds[ep.Tag] = &cp
	if f.users[ep.Tag] == nil {
		f.users[ep.Tag] = make(map[string]bool)
	}
	return nil
}

func (f *fakeProxy) RemoveInbound(_ context.Context, tag string) error {
	f.removeInboundCalls++
	delete(f.inbounds, tag)
	delete(f.users, tag)
	return nil
}

func (f *fakeProxy) AddUser(_ context.Context, tag string, grant *types.Grant, _ *types.Endpoint) error {
	f.addUserCalls++
	if f.users[tag] == nil {
		f.users[tag] = make(map[string]bool)
	}
	f.users[tag][grant.Email()] = true
	return nil
}

func (f *fakeProxy) RemoveUser(_ context.Context, tag, email string) error {
	f.removeUserCalls++
	delete(f.users[tag], email)
	return nil
}

func (f *fakeProxy) QueryStats(_ context.Context, _ string, _ bool) (int64, int64, error) {
	return 0, 0, nil
}

func (f *fakeProxy) Close() error { return nil }

type fakeBans struct {
	banned map[string]bool
}

func (f *fakeBans) IsBanned(grantID string) bool { return f.banned[grantID] }

func newTestStore(t *testing.T) (storage.Store, func()) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "xpd-reconciler-test-*")
	require.NoError(t, err)
	store, err := storage.NewBoltStore(tmpDir)
	require.NoError(t, err)
	return store, func() {
		store.Close()
		os.RemoveAll(tmpDir)
	}
}

func seedEndpoint(t *testing.T, store storage.Store, nodeID string) *types.Endpoint {
	t.Helper()
	now := time.Now().UTC()
	ep := &types.Endpoint{
		EndpointID: "ep-1",
		NodeID:     nodeID,
		Kind:       types.EndpointKindVLESSRealityVisionTCP,
		Port:       8443,
		Tag:        "inbound-ep-1",
		VLESSReality: &types.VLESSRealityMeta{
			Dest:              "example.com:443",
			ServerNames:       []string{"example.com"},
			Fingerprint:       "chrome",
			RealityPrivateKey: "priv",
			RealityPublicKey:  "pub",
			ShortIDs:          []string{"ab12"},
			ActiveShortID:     "ab12",
			ServerNamesSource: types.ServerNamesSourceManual,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.CreateEndpoint(ep))
	return ep
}

func seedGrant(t *testing.T, store storage.Store, ep *types.Endpoint, userID string, enabled bool) *types.Grant {
	t.Helper()
	now := time.Now().UTC()
	g := &types.Grant{
		GrantID:    "grant-" + userID,
		UserID:     userID,
		EndpointID: ep.EndpointID,
		Enabled:    enabled,
		VLESSCredentials: &types.VLESSCredentials{
			UUID: "11111111-1111-5111-8111-111111111111",
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	g.VLESSCredentials.Email = g.Email()
	require.NoError(t, store.CreateGrant(g))
	return g
}

func TestReconcileCreatesInboundAndAddsEnabledUser(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	ep := seedEndpoint(t, store, "node-a")
	g := seedGrant(t, store, ep, "user-1", true)

	proxy := newFakeProxy()
	r := NewReconciler(store, proxy, &fakeBans{banned: map[string]bool{}}, "node-a")

	require.NoError(t, r.reconcile(context.Background()))

	assert.Equal(t, 1, proxy.addInboundCalls)
	assert.True(t, proxy.users[ep.Tag][g.Email()], "expected grant %s to be added", g.GrantID)

	// A second pass with nothing changed re-asserts the inbound (heals a
	// proxy restart) but must not re-add the user it already knows about.
	require.NoError(t, r.reconcile(context.Background()), "second reconcile")
	assert.Equal(t, 2, proxy.addInboundCalls, "after second pass")
	assert.Equal(t, 1, proxy.addUserCalls, "no re-add after second pass")
}

func TestReconcileDisabledGrantNeverAdded(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	ep := seedEndpoint(t, store, "node-a")
	seedGrant(t, store, ep, "user-1", false)

	proxy := newFakeProxy()
	r := NewReconciler(store, proxy, &fakeBans{banned: map[string]bool{}}, "node-a")

	require.NoError(t, r.reconcile(context.Background()))
	assert.Equal(t, 0, proxy.addUserCalls, "want 0 for a disabled grant")
}

func TestReconcileQuotaBanRemovesUserWithoutTouchingDesiredEnabled(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	ep := seedEndpoint(t, store, "node-a")
	g := seedGrant(t, store, ep, "user-1", true)

	bans := &fakeBans{banned: map[string]bool{}}
	proxy := newFakeProxy()
	r := NewReconciler(store, proxy, bans, "node-a")

	require.NoError(t, r.reconcile(context.Background()))
	require.True(t, proxy.users[ep.Tag][g.Email()], "expected user present before ban")

	bans.banned[g.GrantID] = true
	require.NoError(t, r.reconcile(context.Background()), "reconcile after ban")
	assert.False(t, proxy.users[ep.Tag][g.Email()], "expected user removed once quota-banned")

	// Grant.Enabled itself was never touched: the ban is purely local.
	got, err := store.GetGrant(g.GrantID)
	require.NoError(t, err)
	assert.True(t, got.Enabled, "desired_enabled must not be mutated by a local quota ban")
}

func TestReconcileRebuildsInboundOnConfigChangeAndReplaysUsers(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	ep := seedEndpoint(t, store, "node-a")
	g := seedGrant(t, store, ep, "user-1", true)

	proxy := newFakeProxy()
	r := NewReconciler(store, proxy, &fakeBans{banned: map[string]bool{}}, "node-a")
	require.NoError(t, r.reconcile(context.Background()))

	ep.VLESSReality.ActiveShortID = "cd34"
	ep.VLESSReality.ShortIDs = append(ep.VLESSReality.ShortIDs, "cd34")
	require.NoError(t, store.UpdateEndpoint(ep))

	require.NoError(t, r.reconcile(context.Background()), "reconcile after rotate")

	assert.Equal(t, 1, proxy.removeInboundCalls, "want a rebuild")
	assert.True(t, proxy.users[ep.Tag][g.Email()], "expected user replayed after rebuild")
}

func TestReconcileOwnershipFilterSkipsOtherNodesEndpoints(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	seedEndpoint(t, store, "node-b")

	proxy := newFakeProxy()
	r := NewReconciler(store, proxy, &fakeBans{banned: map[string]bool{}}, "node-a")

	require.NoError(t, r.reconcile(context.Background()))
	assert.Equal(t, 0, proxy.addInboundCalls, "want 0 for an endpoint owned by another node")
}

func TestReconcileRemovesInboundForDeletedEndpoint(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	ep := seedEndpoint(t, store, "node-a")
	proxy := newFakeProxy()
	r := NewReconciler(store, proxy, &fakeBans{banned: map[string]bool{}}, "node-a")

	require.NoError(t, r.reconcile(context.Background()))

	require.NoError(t, store.DeleteEndpoint(ep.EndpointID))

	require.NoError(t, r.reconcile(context.Background()), "reconcile after delete")
	assert.Equal(t, 1, proxy.removeInboundCalls, "want 1 for a deleted endpoint")
	_, ok := proxy.inbounds[ep.Tag]
	assert.False(t, ok, "expected inbound to be gone from proxy state")
}
