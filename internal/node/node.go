// Package node wires the graphmesh subsystems together and runs them.
package node

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/rs/zerolog/log"

	"github.com/graphmesh/graphmesh/internal/admin"
	"github.com/graphmesh/graphmesh/internal/config"
	"github.com/graphmesh/graphmesh/internal/deals"
	"github.com/graphmesh/graphmesh/internal/graph"
	"github.com/graphmesh/graphmesh/internal/instance"
	"github.com/graphmesh/graphmesh/internal/metrics"
	"github.com/graphmesh/graphmesh/internal/replication"
	"github.com/graphmesh/graphmesh/internal/reputation"
	"github.com/graphmesh/graphmesh/internal/wire"
	"github.com/graphmesh/graphmesh/pkg/proto"
)

// Node is a running graphmesh relay node.
type Node struct {
	cfg     *config.NodeConfig
	version string

	rootStore   *graph.Store
	registry    *instance.Registry
	tracker     *reputation.Tracker
	coordinator *replication.Coordinator
	reconciler  *deals.Reconciler
	chainReader *deals.EthChainReader
	adminSrv    *admin.Server
	wireSrv     *wire.Server
	nm          *metrics.NodeMetrics
}

// New builds a node from configuration: identity, durable storage, the
// instance registry and all the background subsystems.
func New(ctx context.Context, cfg *config.NodeConfig, version string) (*Node, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	priv, err := config.EnsureKeyPairExists(filepath.Join(cfg.DataDir, cfg.Name+".key"))
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	signer := graph.NewSigner(cfg.Name, priv)

	backend, err := graph.NewDurableBackend(filepath.Join(cfg.DataDir, "graph"))
	if err != nil {
		return nil, fmt.Errorf("open durable backend: %w", err)
	}
	rootStore := graph.NewStore(backend, signer)

	nm := metrics.InitMetrics(cfg.Name)
	nm.EphemeralCapacity.Set(float64(cfg.Ephemeral.Capacity))

	factory := func() *graph.Store {
		var s *graph.Signer
		if cfg.Ephemeral.AllowSigning {
			s = signer
		}
		return graph.NewStore(graph.NewMemoryBackend(), s)
	}
	registry := instance.NewRegistry(cfg.RootPath, rootStore, cfg.Ephemeral.Capacity, factory, nm)

	tracker := reputation.NewTracker(cfg.Name, rootStore,
		reputation.ParamsFromConfig(cfg.Reputation), nm)

	pinner, err := replication.NewStorePinner(rootStore, fetchFromPeers(cfg))
	if err != nil {
		return nil, fmt.Errorf("create pinner: %w", err)
	}
	coordinator := replication.NewCoordinator(cfg.Name, rootStore, pinner, tracker, nm,
		cfg.Replication.Concurrency, cfg.Replication.QueueDepth,
		config.Duration(cfg.Replication.PinTimeout, 60*time.Second))

	n := &Node{
		cfg:         cfg,
		version:     version,
		rootStore:   rootStore,
		registry:    registry,
		tracker:     tracker,
		coordinator: coordinator,
		nm:          nm,
	}

	var mirror *deals.Mirror
	if cfg.Deals.Enabled {
		reader, err := deals.NewEthChainReader(ctx, cfg.Deals.ChainRPC, cfg.Deals.Contract, cfg.Deals.NodeAddress)
		if err != nil {
			return nil, fmt.Errorf("connect chain: %w", err)
		}
		n.chainReader = reader
		chain := &timeoutChain{
			inner:   reader,
			timeout: config.Duration(cfg.Deals.ChainTimeout, 30*time.Second),
		}
		mirror = deals.NewMirror(rootStore)
		n.reconciler = deals.NewReconciler(chain, mirror, coordinator, nm)
	}

	if cfg.Admin.Enabled {
		adminSrv, err := admin.NewServer(cfg.Name, version, cfg.Admin.Listen, cfg.Admin.Token,
			registry, tracker, n.reconciler, mirror)
		if err != nil {
			return nil, fmt.Errorf("create admin server: %w", err)
		}
		n.adminSrv = adminSrv
	}

	n.wireSrv = wire.NewServer(cfg.Listen, registry, pinner, nm)
	return n, nil
}

// Run starts all subsystems and blocks until the context is cancelled.
func (n *Node) Run(ctx context.Context) error {
	log.Info().Str("name", n.cfg.Name).Str("version", n.version).Msg("starting graphmesh node")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	start := func(f func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f()
		}()
	}

	start(func() {
		n.tracker.RunPulse(runCtx, config.Duration(n.cfg.Reputation.PulseInterval, 30*time.Second))
	})
	start(func() {
		n.tracker.RunPublisher(runCtx, config.Duration(n.cfg.Reputation.PublishInterval, 30*time.Second))
	})
	start(func() { n.tracker.RunIngest(runCtx) })
	start(func() { n.coordinator.Run(runCtx) })

	if n.reconciler != nil {
		start(func() {
			n.reconciler.Run(runCtx, config.Duration(n.cfg.Deals.Interval, 6*time.Hour))
		})
	}

	for _, peer := range n.cfg.Peers {
		link := wire.NewPeerLink(n.cfg.Name, peer, n.rootStore)
		start(func() { link.Run(runCtx) })
	}

	errCh := make(chan error, 2)
	go func() { errCh <- n.wireSrv.ListenAndServe() }()
	if n.adminSrv != nil {
		go func() { errCh <- n.adminSrv.ListenAndServe() }()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		runErr = err
	}

	cancel()
	n.shutdown()
	wg.Wait()
	log.Info().Msg("graphmesh node stopped")
	return runErr
}

func (n *Node) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = n.wireSrv.Shutdown(shutdownCtx)
	if n.adminSrv != nil {
		_ = n.adminSrv.Shutdown(shutdownCtx)
	}
	n.registry.Shutdown()
	if n.chainReader != nil {
		n.chainReader.Close()
	}
	if err := n.rootStore.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close root store")
	}
}

// timeoutChain bounds every chain read with the configured timeout.
type timeoutChain struct {
	inner   deals.ChainReader
	timeout time.Duration
}

func (t *timeoutChain) FetchDeals(ctx context.Context) ([]proto.Deal, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.inner.FetchDeals(ctx)
}

// fetchFromPeers returns the content fetcher used by the pinner. Content
// is requested from configured peers over their wire endpoints.
func fetchFromPeers(cfg *config.NodeConfig) replication.FetchFunc {
	peers := append([]string(nil), cfg.Peers...)
	return func(ctx context.Context, c cid.Cid) ([]byte, error) {
		for _, peer := range peers {
			data, err := fetchFromPeer(ctx, peer, c)
			if err == nil {
				return data, nil
			}
			log.Debug().Err(err).Str("peer", peer).Str("cid", c.String()).
				Msg("peer content fetch failed")
		}
		return nil, fmt.Errorf("content %s not available from any peer", c)
	}
}

// fetchFromPeer retrieves content from a peer's HTTP content endpoint.
// Peers are configured with ws:// or wss:// wire URLs; the content
// endpoint lives on the same listener over plain HTTP.
func fetchFromPeer(ctx context.Context, peer string, c cid.Cid) ([]byte, error) {
	u, err := url.Parse(peer)
	if err != nil {
		return nil, fmt.Errorf("parse peer url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = "/content/" + c.String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("peer returned %s", resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxContentSize))
}

// maxContentSize caps a single fetched content block.
const maxContentSize = 256 << 20
