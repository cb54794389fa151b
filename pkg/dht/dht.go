// Package dht implements DhtNode: Kademlia overlay publish/lookup of
// FileManifest content, provider-record bookkeeping, peer connect with
// backoff, and the PeerConnected/PeerDisconnected/ProviderFound/
// ManifestFound/RouteUpdate event stream. Grounded on the teacher's
// ManifestManager and ManifestReplicator (Network Core/pkg/network/
// manifest.go) and NetworkEngine.Connect (Network Core/pkg/network/
// engine.go), generalized from JSON-over-string-key records to the
// CBOR/merkle-root wire format named in the external interfaces.
package dht

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	kaddht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	mh "github.com/multiformats/go-multihash"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"github.com/chiral-network/p2p-core/internal/p2pnode"
	"github.com/chiral-network/p2p-core/pkg/coretypes"
	"github.com/chiral-network/p2p-core/pkg/eventbus"
	"github.com/chiral-network/p2p-core/pkg/wire"
	"github.com/chiral-network/p2p-core/pkg/xerrors"
)

const manifestTopic = "chiral-manifests"

// Timeout hierarchy per the component design: caller >= 40s >= backend 35s
// >= Kademlia 30s >= provider grace 3-5s, strictly outer-greater-than-inner.
const (
	CallerTimeout   = 40 * time.Second
	BackendTimeout  = 35 * time.Second
	KademliaTimeout = 30 * time.Second
	ProviderGrace   = 4 * time.Second
)

// Node is DhtNode.
type Node struct {
	p2p    *p2pnode.Node
	bus    *eventbus.Bus
	log    *zap.Logger

	mu              sync.Mutex
	providers       map[coretypes.MerkleRoot][]coretypes.ProviderRecord
	publishSeq      map[coretypes.MerkleRoot]uint64
	connectAttempts map[peer.ID]*backoff.Backoff
	cancelRefresh   map[coretypes.MerkleRoot]context.CancelFunc

	topic *pubsub.Topic
}

// New wraps an already-constructed p2pnode.Node (built with the manifest
// validator registered under dht.Namespace) as a DhtNode.
func New(ctx context.Context, p2p *p2pnode.Node, bus *eventbus.Bus, log *zap.Logger) (*Node, error) {
	if log == nil {
		log = zap.NewNop()
	}
	n := &Node{
		p2p:             p2p,
		bus:             bus,
		log:             log.With(zap.String("component", "dht")),
		providers:       make(map[coretypes.MerkleRoot][]coretypes.ProviderRecord),
		publishSeq:      make(map[coretypes.MerkleRoot]uint64),
		connectAttempts: make(map[peer.ID]*backoff.Backoff),
		cancelRefresh:   make(map[coretypes.MerkleRoot]context.CancelFunc),
	}

	topic, err := p2p.PubSub.Join(manifestTopic)
	if err != nil {
		n.log.Warn("failed to join manifest topic, continuing without pubsub sync", zap.Error(err))
	} else {
		n.topic = topic
		go n.subscribeUpdates(ctx)
	}

	return n, nil
}

func manifestKey(root coretypes.MerkleRoot) string {
	return fmt.Sprintf("/%s/%x", Namespace, root[:])
}

func manifestCID(root coretypes.MerkleRoot) (cid.Cid, error) {
	hash, err := mh.Sum(root[:], mh.SHA2_256, -1)
	if err != nil {
		return cid.Cid{}, err
	}
	return cid.NewCidV1(cid.Raw, hash), nil
}

// PublishManifest writes a provider record under key=merkle_root and
// refreshes it every ProviderRecordTTL/2 until ctx is canceled.
func (n *Node) PublishManifest(ctx context.Context, manifest coretypes.FileManifest, sourcesAdvertised coretypes.ProviderRecord) error {
	enc, err := wire.EncodeManifest(manifest)
	if err != nil {
		return xerrors.Wrapf(xerrors.KindBadFrame, err, "encode manifest")
	}

	putCtx, cancel := context.WithTimeout(ctx, BackendTimeout)
	defer cancel()
	if err := n.p2p.DHT.PutValue(putCtx, manifestKey(manifest.MerkleRoot), enc); err != nil {
		return xerrors.Wrapf(xerrors.KindIoError, err, "put manifest value")
	}

	mcid, err := manifestCID(manifest.MerkleRoot)
	if err != nil {
		return xerrors.Wrapf(xerrors.KindBadFrame, err, "derive manifest cid")
	}
	provCtx, provCancel := context.WithTimeout(ctx, BackendTimeout)
	defer provCancel()
	if err := n.p2p.DHT.Provide(provCtx, mcid, true); err != nil {
		return xerrors.Wrapf(xerrors.KindIoError, err, "announce provider record")
	}

	if n.topic != nil {
		n.topic.Publish(ctx, enc)
	}

	n.mu.Lock()
	n.publishSeq[manifest.MerkleRoot]++
	sourcesAdvertised.Sequence = n.publishSeq[manifest.MerkleRoot]
	sourcesAdvertised.MerkleRoot = manifest.MerkleRoot
	sourcesAdvertised.ObservedAt = time.Now()
	n.providers[manifest.MerkleRoot] = appendOrReplaceProvider(n.providers[manifest.MerkleRoot], sourcesAdvertised)
	if cancelPrev, ok := n.cancelRefresh[manifest.MerkleRoot]; ok {
		cancelPrev()
	}
	refreshCtx, refreshCancel := context.WithCancel(ctx)
	n.cancelRefresh[manifest.MerkleRoot] = refreshCancel
	n.mu.Unlock()

	go n.refreshLoop(refreshCtx, manifest, sourcesAdvertised)
	return nil
}

func (n *Node) refreshLoop(ctx context.Context, manifest coretypes.FileManifest, self coretypes.ProviderRecord) {
	ticker := time.NewTicker(coretypes.ProviderRecordTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			enc, err := wire.EncodeManifest(manifest)
			if err != nil {
				continue
			}
			putCtx, cancel := context.WithTimeout(ctx, BackendTimeout)
			_ = n.p2p.DHT.PutValue(putCtx, manifestKey(manifest.MerkleRoot), enc)
			cancel()
			if mcid, err := manifestCID(manifest.MerkleRoot); err == nil {
				provCtx, provCancel := context.WithTimeout(ctx, BackendTimeout)
				_ = n.p2p.DHT.Provide(provCtx, mcid, true)
				provCancel()
			}
		}
	}
}

// SearchManifest performs a Kademlia GET for merkle_root, respecting the
// caller-provided timeout (never less than the inner backend timeout, per
// the outer-greater-than-inner rule). It returns the manifest and merges
// any provider records discovered alongside it.
func (n *Node) SearchManifest(ctx context.Context, root coretypes.MerkleRoot, timeout time.Duration) (coretypes.FileManifest, error) {
	if timeout < BackendTimeout {
		timeout = CallerTimeout
	}
	searchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	inner, innerCancel := context.WithTimeout(searchCtx, BackendTimeout)
	defer innerCancel()

	data, err := n.p2p.DHT.GetValue(inner, manifestKey(root))
	if err != nil {
		return coretypes.FileManifest{}, xerrors.New(xerrors.KindNoProviders, "manifest lookup found no convergent value", err)
	}
	manifest, err := wire.DecodeManifest(data)
	if err != nil {
		return coretypes.FileManifest{}, xerrors.Wrapf(xerrors.KindBadFrame, err, "decode manifest value")
	}

	mcid, err := manifestCID(root)
	if err == nil {
		provCtx, provCancel := context.WithTimeout(searchCtx, ProviderGrace+KademliaTimeout)
		defer provCancel()
		for p := range n.p2p.DHT.FindProvidersAsync(provCtx, mcid, 20) {
			n.recordProvider(root, coretypes.ProviderRecord{
				MerkleRoot: root,
				PeerID:     p.ID.String(),
				ObservedAt: time.Now(),
			})
			n.bus.Publish(ProviderFoundEvent{MerkleRoot: root, PeerID: p.ID.String()})
		}
	}

	n.bus.Publish(manifestFoundEvent{root})
	return manifest, nil
}

// manifestFoundEvent is the ManifestFound event named in the external
// interfaces' event vocabulary.
type manifestFoundEvent struct {
	eventbus.Base
	MerkleRoot coretypes.MerkleRoot
}

// ProviderFoundEvent is the ProviderFound event named in the external
// interfaces' event vocabulary.
type ProviderFoundEvent struct {
	eventbus.Base
	MerkleRoot coretypes.MerkleRoot
	PeerID     string
}

// RouteUpdateEvent is the RouteUpdate event named in the external
// interfaces' event vocabulary, emitted when the routing table gains a
// new peer via Connect.
type RouteUpdateEvent struct {
	eventbus.Base
	PeerID string
}

func (n *Node) recordProvider(root coretypes.MerkleRoot, rec coretypes.ProviderRecord) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.providers[root] = appendOrReplaceProvider(n.providers[root], rec)
}

func appendOrReplaceProvider(existing []coretypes.ProviderRecord, rec coretypes.ProviderRecord) []coretypes.ProviderRecord {
	for i, e := range existing {
		if e.PeerID == rec.PeerID {
			existing[i] = rec
			return existing
		}
	}
	return append(existing, rec)
}

// GetSeeders returns the fresh (observed within FreshWindow) provider list
// for merkle_root.
func (n *Node) GetSeeders(root coretypes.MerkleRoot) []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	cutoff := time.Now().Add(-coretypes.FreshWindow)
	var fresh []string
	for _, p := range n.providers[root] {
		if p.ObservedAt.After(cutoff) {
			fresh = append(fresh, p.PeerID)
		}
	}
	return fresh
}

// Connect dials peerAddr via the underlying host. On success the peer is
// added to the routing table implicitly by libp2p's connection manager;
// on failure a per-peer attempt counter backs off exponentially (base 2s,
// cap 60s), per the component design.
func (n *Node) Connect(ctx context.Context, addr peer.AddrInfo) error {
	n.mu.Lock()
	b, ok := n.connectAttempts[addr.ID]
	if !ok {
		b = &backoff.Backoff{Min: 2 * time.Second, Max: 60 * time.Second, Factor: 2}
		n.connectAttempts[addr.ID] = b
	}
	n.mu.Unlock()

	n.p2p.Host.Peerstore().AddAddrs(addr.ID, addr.Addrs, peerstore.PermanentAddrTTL)
	if err := n.p2p.Host.Connect(ctx, addr); err != nil {
		n.mu.Lock()
		wait := b.Duration()
		n.mu.Unlock()
		n.bus.Publish(eventbus.PeerDisconnected{PeerID: addr.ID.String()})
		return xerrors.Wrapf(xerrors.KindUnreachable, err, "connect to %s (retry in %s)", addr.ID, wait)
	}

	n.mu.Lock()
	b.Reset()
	n.mu.Unlock()
	n.bus.Publish(eventbus.PeerConnected{PeerID: addr.ID.String()})
	n.bus.Publish(RouteUpdateEvent{PeerID: addr.ID.String()})
	return nil
}

func (n *Node) subscribeUpdates(ctx context.Context) {
	sub, err := n.topic.Subscribe()
	if err != nil {
		n.log.Warn("failed to subscribe to manifest updates", zap.Error(err))
		return
	}
	defer sub.Cancel()

	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		if msg.ReceivedFrom == n.p2p.Host.ID() {
			continue
		}
		manifest, err := wire.DecodeManifest(msg.Data)
		if err != nil {
			continue
		}
		n.bus.Publish(manifestFoundEvent{manifest.MerkleRoot})
	}
}

// Close cancels every active publish-refresh loop. The underlying
// p2pnode.Node is owned by the caller and closed separately.
func (n *Node) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, cancel := range n.cancelRefresh {
		cancel()
	}
}
