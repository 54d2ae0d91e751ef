package node

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"prenet/internal/config"
	"prenet/internal/debuglog"
	"prenet/internal/metrics"
	"prenet/internal/network"
	"prenet/internal/peer"
	"prenet/internal/policy"
	"prenet/internal/proto"
	"prenet/internal/stake"
	"prenet/internal/validate"
)

// Node wires the full stack together: identity, directory, transport, proxy
// duties and policy operations, all sharing one configuration.
type Node struct {
	cfg       config.Config
	identity  *Identity
	tlsID     *network.NodeTLS
	dir       *peer.Directory
	client    *network.Client
	server    *network.Server
	proxy     *policy.Proxy
	granter   *policy.Granter
	retriever *policy.Retriever
	metrics   *metrics.Metrics

	mu   sync.Mutex
	meta proto.NodeMetadata

	ready      chan struct{}
	closeStake func()
}

func New(ctx context.Context, cfg config.Config) (*Node, error) {
	var worker common.Address
	if cfg.Stake.Worker != "" {
		if !common.IsHexAddress(cfg.Stake.Worker) {
			return nil, fmt.Errorf("bad worker address: %q", cfg.Stake.Worker)
		}
		worker = common.HexToAddress(cfg.Stake.Worker)
	}
	identity, err := LoadIdentity(cfg.Home, worker)
	if err != nil {
		return nil, err
	}
	tlsID, err := network.NewNodeTLS(cfg.Network.AdvertiseAddress)
	if err != nil {
		return nil, err
	}

	var verifier stake.Verifier
	closeStake := func() {}
	if cfg.Stake.Federated {
		sv := stake.NewStaticVerifier()
		sv.Bond(identity.Account, identity.Worker, true)
		verifier = sv
	} else {
		rpcVerifier, err := stake.DialRPC(ctx, cfg.Stake.RPCURL)
		if err != nil {
			return nil, err
		}
		verifier = rpcVerifier
		closeStake = rpcVerifier.Close
	}
	validator := &validate.Validator{Stake: verifier, Federated: cfg.Stake.Federated}

	selfKey := proto.NodeMetadata{StampPub: fmt.Sprintf("%x", identity.Stamp.PublicKeyBytes())}.IdentityKey()
	dir, err := peer.NewDirectory(cfg.Home+"/peers.jsonl", validator, peer.Options{
		Cap:  cfg.Network.DirectoryCap,
		TTL:  cfg.Network.DirectoryTTL,
		Self: selfKey,
	})
	if err != nil {
		closeStake()
		return nil, err
	}
	arrStore, err := policy.NewArrangementStore(cfg.Home+"/arrangements.jsonl", cfg.Policy.ArrangementCap)
	if err != nil {
		closeStake()
		return nil, err
	}

	client := network.NewClient()
	n := &Node{
		cfg:      cfg,
		identity: identity,
		tlsID:    tlsID,
		dir:      dir,
		client:   client,
		metrics:  metrics.New(),
		proxy: &policy.Proxy{
			Stamp:     identity.Stamp,
			Account:   identity.Account,
			Worker:    identity.Worker,
			Stake:     verifier,
			Federated: cfg.Stake.Federated,
			Store:     arrStore,
		},
		granter: &policy.Granter{
			Stamp:          identity.Stamp,
			Directory:      dir,
			Client:         client,
			AttemptTimeout: cfg.Policy.AttemptTimeout,
		},
		retriever: &policy.Retriever{
			Stamp:    identity.Stamp,
			Client:   client,
			Deadline: cfg.Policy.RetrieveWindow,
		},
		ready:      make(chan struct{}),
		closeStake: closeStake,
	}
	n.server = network.NewServer(tlsID, n.handle)
	return n, nil
}

func (n *Node) Identity() *Identity          { return n.identity }
func (n *Node) Directory() *peer.Directory   { return n.dir }
func (n *Node) Metrics() *metrics.Metrics    { return n.metrics }
func (n *Node) Retriever() *policy.Retriever { return n.retriever }

// Grant places a policy through the node's granter and counts the outcome.
func (n *Node) Grant(ctx context.Context, req policy.GrantRequest) (*policy.Policy, error) {
	pol, err := n.granter.Grant(ctx, req)
	if err != nil {
		n.metrics.GrantFailures.Inc()
		n.writeMetricsSnapshot()
		return nil, err
	}
	n.metrics.GrantsPlaced.Inc()
	n.writeMetricsSnapshot()
	return pol, nil
}

// Ready is closed once the node is listening and its metadata is issued.
func (n *Node) Ready() <-chan struct{} { return n.ready }

// Addr is the bound listen address; valid after Ready.
func (n *Node) Addr() net.Addr { return n.server.Addr() }

func (n *Node) currentMeta() proto.NodeMetadata {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.meta
}

// Run serves until ctx is cancelled: bind, issue metadata for the bound
// port, bootstrap from seeds, then keep learning.
func (n *Node) Run(ctx context.Context) error {
	defer n.closeStake()
	defer n.client.Close()

	listenAddr := net.JoinHostPort(n.cfg.Network.ListenAddress, strconv.Itoa(n.cfg.Network.Port))
	ready := make(chan struct{})
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- n.server.ListenAndServe(ctx, listenAddr, ready)
	}()
	select {
	case <-ready:
	case err := <-serveErr:
		return err
	}

	port := n.cfg.Network.Port
	if addr, ok := n.server.Addr().(*net.UDPAddr); ok {
		port = addr.Port
	}
	meta, err := n.identity.IssueMetadata(n.cfg.Network.AdvertiseAddress, port, n.tlsID.Fingerprint(), time.Now())
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.meta = meta
	n.mu.Unlock()
	close(n.ready)
	debuglog.Logf("node up: %s account=%s", meta.NetAddr(), meta.Account)

	n.bootstrap(ctx)
	n.dir.RevalidateStale(ctx)
	n.updateGauges()

	interval := n.cfg.Network.LearnInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return <-serveErr
		case err := <-serveErr:
			return err
		case <-ticker.C:
			n.learnOnce(ctx)
		}
	}
}

// bootstrap announces to the configured seeds. Seeds are bare addresses; we
// have no certificate fingerprint for them yet, so the first exchange is
// unpinned and everything it returns goes through full validation.
func (n *Node) bootstrap(ctx context.Context) {
	self := n.currentMeta()
	for _, seed := range n.cfg.Network.SeedNodes {
		payload, err := proto.EncodeMetadataAnnounce(proto.MetadataAnnounceMsg{Metadata: self})
		if err != nil {
			return
		}
		raw, err := n.client.Exchange(ctx, seed, nil, payload)
		if err != nil {
			debuglog.Logf("seed %s unreachable: %v", seed, err)
			continue
		}
		resp, err := proto.DecodeMetadataAnnounce(raw)
		if err != nil {
			debuglog.Logf("seed %s bad announce: %v", seed, err)
			continue
		}
		if _, err := n.dir.Remember(ctx, resp.Metadata); err != nil {
			debuglog.Logf("seed %s rejected: %v", seed, err)
		}
	}
}

func (n *Node) updateGauges() {
	records := n.dir.List()
	verified := 0
	for _, rec := range records {
		if rec.State == validate.WorkerVerified {
			verified++
		}
	}
	n.metrics.PeersKnown.Set(float64(len(records)))
	n.metrics.PeersVerified.Set(float64(verified))
	n.metrics.ArrangementsStored.Set(float64(n.proxy.Store.Len()))
	n.writeMetricsSnapshot()
}

// writeMetricsSnapshot dumps the registry to home/metrics.json so the status
// command can report on a running daemon without a control socket.
func (n *Node) writeMetricsSnapshot() {
	snap, err := n.metrics.Snapshot()
	if err != nil {
		debuglog.Debugf("metrics snapshot: %v", err)
		return
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(n.cfg.Home, "metrics.json")
	if err := os.WriteFile(path, append(data, '\n'), 0600); err != nil {
		debuglog.Debugf("write %s: %v", path, err)
	}
}
