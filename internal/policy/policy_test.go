package policy_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"prenet/internal/peer"
	"prenet/internal/policy"
	"prenet/internal/pre"
	"prenet/internal/proto"
	"prenet/internal/stake"
	"prenet/internal/stamp"
	"prenet/internal/testutil"
	"prenet/internal/validate"
)

// fakeNet routes policy calls to in-process proxies by identity key, with
// per-proxy outage and latency injection.
type fakeNet struct {
	mu        sync.Mutex
	proxies   map[string]*policy.Proxy
	down      map[string]bool
	delay     map[string]time.Duration
	proposals int
}

func newFakeNet() *fakeNet {
	return &fakeNet{
		proxies: make(map[string]*policy.Proxy),
		down:    make(map[string]bool),
		delay:   make(map[string]time.Duration),
	}
}

func (f *fakeNet) lookup(target proto.NodeMetadata) (*policy.Proxy, error) {
	key := target.IdentityKey()
	f.mu.Lock()
	p := f.proxies[key]
	down := f.down[key]
	delay := f.delay[key]
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if down || p == nil {
		return nil, fmt.Errorf("unreachable: %s", target.NetAddr())
	}
	return p, nil
}

func (f *fakeNet) ProposeArrangement(ctx context.Context, target proto.NodeMetadata, m proto.ArrangementProposeMsg) (proto.ArrangementRespMsg, error) {
	f.mu.Lock()
	f.proposals++
	f.mu.Unlock()
	p, err := f.lookup(target)
	if err != nil {
		return proto.ArrangementRespMsg{}, err
	}
	if ctx.Err() != nil {
		return proto.ArrangementRespMsg{}, ctx.Err()
	}
	return p.AcceptArrangement(ctx, m), nil
}

func (f *fakeNet) RevokeArrangement(ctx context.Context, target proto.NodeMetadata, m proto.RevokeMsg) (proto.RevokeRespMsg, error) {
	p, err := f.lookup(target)
	if err != nil {
		return proto.RevokeRespMsg{}, err
	}
	return p.Revoke(ctx, m), nil
}

func (f *fakeNet) Reencrypt(ctx context.Context, target proto.NodeMetadata, m proto.ReencryptReqMsg) (proto.ReencryptRespMsg, error) {
	p, err := f.lookup(target)
	if err != nil {
		return proto.ReencryptRespMsg{}, err
	}
	if ctx.Err() != nil {
		return proto.ReencryptRespMsg{}, ctx.Err()
	}
	return p.ReEncrypt(ctx, m), nil
}

func (f *fakeNet) proposalCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.proposals
}

type harness struct {
	sv       *stake.StaticVerifier
	net      *fakeNet
	dir      *peer.Directory
	peers    []*testutil.TestPeer
	granter  *policy.Granter
	receiver *testutil.TestPeer
	recvPriv *pre.PrivateKey
	recvPub  *pre.PublicKey
}

func newHarness(t *testing.T, proxyCount int) *harness {
	t.Helper()
	sv := stake.NewStaticVerifier()
	v := &validate.Validator{Stake: sv}
	dir, err := peer.NewDirectory(filepath.Join(t.TempDir(), "peers.jsonl"), v, peer.Options{})
	if err != nil {
		t.Fatalf("new directory failed: %v", err)
	}
	net := newFakeNet()

	h := &harness{sv: sv, net: net, dir: dir}
	for i := 0; i < proxyCount; i++ {
		tp := testutil.NewTestPeer(t, fmt.Sprintf("203.0.113.%d", 100+i), 9151)
		sv.Bond(tp.Identity.Account, tp.Identity.Worker, true)
		arrStore, err := policy.NewArrangementStore(filepath.Join(t.TempDir(), fmt.Sprintf("arr-%d.jsonl", i)), 0)
		if err != nil {
			t.Fatalf("arrangement store failed: %v", err)
		}
		net.proxies[tp.Meta.IdentityKey()] = &policy.Proxy{
			Stamp:   tp.Identity.Stamp,
			Account: tp.Identity.Account,
			Worker:  tp.Identity.Worker,
			Stake:   sv,
			Store:   arrStore,
		}
		if _, err := dir.Remember(context.Background(), tp.Meta); err != nil {
			t.Fatalf("remember proxy %d failed: %v", i, err)
		}
		h.peers = append(h.peers, tp)
	}

	granterStamp, err := stamp.Generate()
	if err != nil {
		t.Fatalf("granter stamp failed: %v", err)
	}
	h.granter = &policy.Granter{
		Stamp:     granterStamp,
		Directory: dir,
		Client:    net,
	}

	h.receiver = testutil.NewTestPeer(t, "203.0.113.250", 9151)
	h.recvPriv, h.recvPub, err = pre.GenerateKeyPair()
	if err != nil {
		t.Fatalf("recipient keys failed: %v", err)
	}
	return h
}

func (h *harness) grantRequest(label string, m, n int) policy.GrantRequest {
	return policy.GrantRequest{
		Label:             label,
		RecipientKey:      h.recvPub,
		RecipientStampPub: h.receiver.Identity.Stamp.PublicKeyBytes(),
		Threshold:         m,
		Shares:            n,
		Expiry:            time.Now().Add(time.Hour),
	}
}

func (h *harness) retriever() *policy.Retriever {
	return &policy.Retriever{
		Stamp:  h.receiver.Identity.Stamp,
		Client: h.net,
	}
}

func TestGrantEncryptRetrieveRoundTrip(t *testing.T) {
	h := newHarness(t, 7)
	p, err := h.granter.Grant(context.Background(), h.grantRequest("medical-records", 3, 5))
	if err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	if len(p.Arrangements) != 5 {
		t.Fatalf("expected 5 arrangements, got %d", len(p.Arrangements))
	}

	sender, _ := stamp.Generate()
	plaintexts := [][]byte{
		nil,
		[]byte("x"),
		bytes.Repeat([]byte("threshold re-encryption "), 512),
	}
	for _, want := range plaintexts {
		kit, err := policy.Encrypt(p.PolicyPub, sender, want)
		if err != nil {
			t.Fatalf("encrypt failed: %v", err)
		}
		got, err := h.retriever().Retrieve(context.Background(), p.AccessGrant(), kit, h.recvPriv)
		if err != nil {
			t.Fatalf("retrieve failed for %d bytes: %v", len(want), err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("plaintext mismatch: got %d bytes, want %d", len(got), len(want))
		}
	}
}

func TestGranterCanDecryptOwnKits(t *testing.T) {
	h := newHarness(t, 5)
	p, err := h.granter.Grant(context.Background(), h.grantRequest("notes", 2, 3))
	if err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	sender, _ := stamp.Generate()
	kit, err := policy.Encrypt(p.PolicyPub, sender, []byte("draft"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	got, err := p.Decrypt(kit)
	if err != nil || string(got) != "draft" {
		t.Fatalf("own decrypt failed: %v (%q)", err, got)
	}
}

func TestGrantFailsBeforeNetworkWhenPoolTooSmall(t *testing.T) {
	h := newHarness(t, 2)
	_, err := h.granter.Grant(context.Background(), h.grantRequest("big-policy", 3, 5))
	if !errors.Is(err, peer.ErrInsufficientCandidates) {
		t.Fatalf("expected ErrInsufficientCandidates, got %v", err)
	}
	if h.net.proposalCount() != 0 {
		t.Fatalf("proposals were sent despite candidate shortfall")
	}
}

func TestGrantUsesFullPoolWhenThresholdEqualsShares(t *testing.T) {
	h := newHarness(t, 6)
	p, err := h.granter.Grant(context.Background(), h.grantRequest("all-hands", 6, 6))
	if err != nil {
		t.Fatalf("grant m=n=6 failed: %v", err)
	}
	if len(p.Arrangements) != 6 {
		t.Fatalf("expected 6 arrangements, got %d", len(p.Arrangements))
	}
	seen := make(map[string]bool)
	for _, arr := range p.Arrangements {
		if seen[arr.Proxy.IdentityKey()] {
			t.Fatalf("proxy %s holds two fragments", arr.Proxy.NetAddr())
		}
		seen[arr.Proxy.IdentityKey()] = true
	}
}

func TestGrantReplacesUnreachableProxy(t *testing.T) {
	h := newHarness(t, 6)
	h.net.down[h.peers[0].Meta.IdentityKey()] = true

	p, err := h.granter.Grant(context.Background(), h.grantRequest("resilient", 2, 4))
	if err != nil {
		t.Fatalf("grant with one dead proxy failed: %v", err)
	}
	for _, arr := range p.Arrangements {
		if arr.Proxy.IdentityKey() == h.peers[0].Meta.IdentityKey() {
			t.Fatalf("dead proxy holds a fragment")
		}
	}
}

func TestGrantTimeoutCountsAsRejection(t *testing.T) {
	h := newHarness(t, 6)
	h.net.delay[h.peers[1].Meta.IdentityKey()] = 500 * time.Millisecond
	h.granter.AttemptTimeout = 100 * time.Millisecond

	p, err := h.granter.Grant(context.Background(), h.grantRequest("impatient", 2, 4))
	if err != nil {
		t.Fatalf("grant with one slow proxy failed: %v", err)
	}
	for _, arr := range p.Arrangements {
		if arr.Proxy.IdentityKey() == h.peers[1].Meta.IdentityKey() {
			t.Fatalf("slow proxy holds a fragment")
		}
	}
}

func TestGrantFailsWhenTooManyProxiesDown(t *testing.T) {
	h := newHarness(t, 4)
	for _, tp := range h.peers[:3] {
		h.net.down[tp.Meta.IdentityKey()] = true
	}
	_, err := h.granter.Grant(context.Background(), h.grantRequest("doomed", 2, 3))
	if !errors.Is(err, policy.ErrGrantFailed) {
		t.Fatalf("expected ErrGrantFailed, got %v", err)
	}
}

func TestRetrieveSurvivesMinorityOutage(t *testing.T) {
	h := newHarness(t, 6)
	p, err := h.granter.Grant(context.Background(), h.grantRequest("outage", 2, 4))
	if err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	// Two of four proxies go dark after the grant; threshold 2 still holds.
	h.net.down[p.Arrangements[0].Proxy.IdentityKey()] = true
	h.net.down[p.Arrangements[1].Proxy.IdentityKey()] = true

	sender, _ := stamp.Generate()
	kit, _ := policy.Encrypt(p.PolicyPub, sender, []byte("still here"))
	r := h.retriever()
	r.Deadline = 3 * time.Second
	got, err := r.Retrieve(context.Background(), p.AccessGrant(), kit, h.recvPriv)
	if err != nil || string(got) != "still here" {
		t.Fatalf("retrieve under outage failed: %v (%q)", err, got)
	}
}

func TestRevocationStopsRetrievalBelowThreshold(t *testing.T) {
	h := newHarness(t, 5)
	p, err := h.granter.Grant(context.Background(), h.grantRequest("revoked", 3, 3))
	if err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	if err := h.granter.Revoke(context.Background(), p); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}

	sender, _ := stamp.Generate()
	kit, _ := policy.Encrypt(p.PolicyPub, sender, []byte("secret"))
	_, err = h.retriever().Retrieve(context.Background(), p.AccessGrant(), kit, h.recvPriv)
	if !errors.Is(err, policy.ErrInsufficientFragments) {
		t.Fatalf("expected ErrInsufficientFragments after revocation, got %v", err)
	}
}

func TestRetrieveToleratesPartialRevocation(t *testing.T) {
	h := newHarness(t, 6)
	p, err := h.granter.Grant(context.Background(), h.grantRequest("partial", 2, 4))
	if err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	// Revoke a single arrangement directly on its proxy.
	arr := p.Arrangements[0]
	if err := h.net.proxies[arr.Proxy.IdentityKey()].Store.Revoke(arr.ID); err != nil {
		t.Fatalf("local revoke failed: %v", err)
	}

	sender, _ := stamp.Generate()
	kit, _ := policy.Encrypt(p.PolicyPub, sender, []byte("enough left"))
	got, err := h.retriever().Retrieve(context.Background(), p.AccessGrant(), kit, h.recvPriv)
	if err != nil || string(got) != "enough left" {
		t.Fatalf("retrieve after partial revocation failed: %v", err)
	}
}

func TestWrongRecipientIsRefused(t *testing.T) {
	h := newHarness(t, 5)
	p, err := h.granter.Grant(context.Background(), h.grantRequest("private", 2, 3))
	if err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	sender, _ := stamp.Generate()
	kit, _ := policy.Encrypt(p.PolicyPub, sender, []byte("not yours"))

	thief, _ := stamp.Generate()
	r := &policy.Retriever{Stamp: thief, Client: h.net, Deadline: 2 * time.Second}
	_, err = r.Retrieve(context.Background(), p.AccessGrant(), kit, h.recvPriv)
	if !errors.Is(err, policy.ErrInsufficientFragments) {
		t.Fatalf("expected refusals to starve the thief, got %v", err)
	}
}

func TestSenderSignatureMismatchDetected(t *testing.T) {
	h := newHarness(t, 5)
	p, err := h.granter.Grant(context.Background(), h.grantRequest("forged", 2, 3))
	if err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	sender, _ := stamp.Generate()
	kit, _ := policy.Encrypt(p.PolicyPub, sender, []byte("signed words"))
	imposter, _ := stamp.Generate()
	kit.SenderStampPub = imposter.PublicKeyBytes()

	_, err = h.retriever().Retrieve(context.Background(), p.AccessGrant(), kit, h.recvPriv)
	if !errors.Is(err, policy.ErrSignatureMismatch) {
		t.Fatalf("expected ErrSignatureMismatch, got %v", err)
	}
}

func TestUnstakedProxyRefusesWork(t *testing.T) {
	h := newHarness(t, 4)
	p, err := h.granter.Grant(context.Background(), h.grantRequest("stake-gate", 3, 3))
	if err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	for _, tp := range h.peers {
		h.sv.SetStaking(tp.Identity.Worker, false)
	}

	sender, _ := stamp.Generate()
	kit, _ := policy.Encrypt(p.PolicyPub, sender, []byte("no stake no work"))
	_, err = h.retriever().Retrieve(context.Background(), p.AccessGrant(), kit, h.recvPriv)
	if !errors.Is(err, policy.ErrInsufficientFragments) {
		t.Fatalf("expected unstaked proxies to refuse, got %v", err)
	}
}

func TestUnbondedProxyRefusesWorkEvenWhileStaking(t *testing.T) {
	h := newHarness(t, 3)
	p, err := h.granter.Grant(context.Background(), h.grantRequest("bond-gate", 2, 3))
	if err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	// The operators walk away but their workers still show as staking.
	for _, tp := range h.peers {
		h.sv.Unbond(tp.Identity.Account)
		h.sv.SetStaking(tp.Identity.Worker, true)
	}

	sender, _ := stamp.Generate()
	kit, _ := policy.Encrypt(p.PolicyPub, sender, []byte("no bond no work"))
	_, err = h.retriever().Retrieve(context.Background(), p.AccessGrant(), kit, h.recvPriv)
	if !errors.Is(err, policy.ErrInsufficientFragments) {
		t.Fatalf("expected unbonded proxies to refuse, got %v", err)
	}
}

func TestExpiredArrangementRefused(t *testing.T) {
	sv := stake.NewStaticVerifier()
	tp := testutil.NewTestPeer(t, "203.0.113.200", 9151)
	sv.Bond(tp.Identity.Account, tp.Identity.Worker, true)
	arrStore, err := policy.NewArrangementStore(filepath.Join(t.TempDir(), "arr.jsonl"), 0)
	if err != nil {
		t.Fatalf("store failed: %v", err)
	}
	px := &policy.Proxy{
		Stamp:   tp.Identity.Stamp,
		Account: tp.Identity.Account,
		Worker:  tp.Identity.Worker,
		Stake:   sv,
		Store:   arrStore,
	}
	if err := arrStore.Put(policy.StoredArrangement{
		ID:     "feedfeed",
		Label:  "stale",
		Expiry: time.Now().Add(-time.Minute).Unix(),
	}); err != nil {
		t.Fatalf("seed store failed: %v", err)
	}

	resp := px.ReEncrypt(context.Background(), proto.ReencryptReqMsg{Label: "stale", ArrangementID: "feedfeed"})
	if resp.Refusal != proto.RefusalExpired {
		t.Fatalf("expected expired refusal, got %+v", resp)
	}
}

func TestArrangementStoreSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arr.jsonl")
	s, err := policy.NewArrangementStore(path, 0)
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	if err := s.Put(policy.StoredArrangement{ID: "aa", Label: "one", Expiry: time.Now().Add(time.Hour).Unix()}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := s.Put(policy.StoredArrangement{ID: "bb", Label: "two", Expiry: time.Now().Add(time.Hour).Unix()}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := s.Revoke("aa"); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}

	reloaded, err := policy.NewArrangementStore(path, 0)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if reloaded.Len() != 2 {
		t.Fatalf("expected 2 records after reload, got %d", reloaded.Len())
	}
	a, ok := reloaded.Get("aa")
	if !ok || !a.Revoked {
		t.Fatalf("revocation lost across restart: %+v (ok %v)", a, ok)
	}
	b, ok := reloaded.Get("bb")
	if !ok || b.Revoked {
		t.Fatalf("unrevoked record corrupted: %+v", b)
	}
}

func TestRevokedArrangementCannotBeReproposed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arr.jsonl")
	s, err := policy.NewArrangementStore(path, 0)
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	if err := s.Put(policy.StoredArrangement{ID: "aa", Label: "one"}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := s.Revoke("aa"); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if err := s.Put(policy.StoredArrangement{ID: "aa", Label: "one"}); err != nil {
		t.Fatalf("re-put failed: %v", err)
	}
	if a, _ := s.Get("aa"); !a.Revoked {
		t.Fatalf("duplicate proposal revived a revoked arrangement")
	}

	// The same holds when the tombstone is replayed before the proposal.
	reloaded, err := policy.NewArrangementStore(path, 0)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if a, ok := reloaded.Get("aa"); !ok || !a.Revoked || a.Label != "one" {
		t.Fatalf("replay lost stickiness or record body: %+v (ok %v)", a, ok)
	}
}

func TestArrangementStoreCapacity(t *testing.T) {
	s, err := policy.NewArrangementStore(filepath.Join(t.TempDir(), "arr.jsonl"), 1)
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	if err := s.Put(policy.StoredArrangement{ID: "aa"}); err != nil {
		t.Fatalf("first put failed: %v", err)
	}
	if err := s.Put(policy.StoredArrangement{ID: "bb"}); !errors.Is(err, policy.ErrAtCapacity) {
		t.Fatalf("expected ErrAtCapacity, got %v", err)
	}
	// Updating an existing arrangement is not a capacity event.
	if err := s.Put(policy.StoredArrangement{ID: "aa", Label: "updated"}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
}
