// Package main runs a mesh node with its HTTP control API
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"

	"github.com/ZentaChain/zentalk-mesh/pkg/api"
	"github.com/ZentaChain/zentalk-mesh/pkg/config"
	"github.com/ZentaChain/zentalk-mesh/pkg/crypto"
	"github.com/ZentaChain/zentalk-mesh/pkg/network"
	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
	"github.com/ZentaChain/zentalk-mesh/pkg/storage"
	"github.com/ZentaChain/zentalk-mesh/pkg/transport"
)

var log = logging.Logger("mesh/cmd")

// stringList collects a repeatable flag
type stringList []string

func (s *stringList) String() string     { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error { *s = append(*s, v); return nil }

var (
	configPath  = flag.String("config", "", "Path to YAML config file")
	apiPort     = flag.Int("api-port", 0, "HTTP API port (overrides config)")
	listenAddr  = flag.String("listen", "", "libp2p listen multiaddr (overrides config)")
	relayURL    = flag.String("relay", "", "WebSocket relay URL (overrides config)")
	nickname    = flag.String("nickname", "", "Nickname announced to the mesh (overrides config)")
	generateKey = flag.Bool("genkey", false, "Generate a new identity, replacing the existing one")
	peers       stringList
)

func main() {
	flag.Var(&peers, "peer", "Peer multiaddr to dial (repeatable)")
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	lvl, _ := logging.Parse(cfg.LogLevel)
	logging.SetAllLoggers(lvl)

	printBanner()

	identity, err := loadIdentity(cfg.Node.IdentityPath, *generateKey)
	if err != nil {
		log.Fatalf("Failed to load identity: %v", err)
	}
	self := identity.PeerID()
	fmt.Printf("  Peer ID:     %s\n", self)
	fmt.Printf("  Fingerprint: %s\n", identity.Fingerprint())

	if err := os.MkdirAll(cfg.Node.DataDir, 0o700); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}
	keyStore, err := storage.Open(filepath.Join(cfg.Node.DataDir, "peers.db"))
	if err != nil {
		log.Fatalf("Failed to open key store: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr, p2p, err := buildTransport(ctx, self, cfg.Transport)
	if err != nil {
		_ = keyStore.Close()
		log.Fatalf("Failed to start transport: %v", err)
	}
	for _, a := range p2p.Addrs() {
		fmt.Printf("  Listening:   %s\n", a)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	nodeCfg := cfg.Network()
	nodeCfg.Identity = identity
	nodeCfg.Transport = tr
	nodeCfg.Peers = keyStore
	nodeCfg.Registry = registry

	node, err := network.New(nodeCfg)
	if err != nil {
		log.Fatalf("Failed to create node: %v", err)
	}
	for _, addr := range cfg.Transport.Peers {
		dialCtx, dialCancel := context.WithTimeout(ctx, 15*time.Second)
		id, err := p2p.Connect(dialCtx, addr)
		dialCancel()
		if err != nil {
			log.Warnw("peer dial failed", "addr", addr, "error", err)
			continue
		}
		fmt.Printf("  Connected:   %s (%s)\n", id, addr)
	}

	// neighbours are dialled first so the start-up announce reaches them
	if err := node.Start(ctx); err != nil {
		log.Fatalf("Failed to start node: %v", err)
	}

	var server *api.Server
	if cfg.API.Enabled {
		server = api.NewServer(node, &api.Config{
			Addr:        cfg.API.Addr,
			EnableCORS:  cfg.API.EnableCORS,
			RateLimit:   cfg.API.RateLimit,
			APIKeys:     cfg.API.APIKeys,
			ReadTimeout: 30 * time.Second,
			Gatherer:    registry,
		})
		go func() {
			if err := server.Start(ctx); err != nil {
				log.Errorw("API server error", "error", err)
			}
		}()
		fmt.Printf("  API:         http://%s/api/v1\n", cfg.API.Addr)
	} else {
		go logEvents(ctx, node.Events())
	}
	fmt.Println()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down...")
	cancel()

	var closeErr error
	if server != nil {
		closeErr = multierr.Append(closeErr, server.Stop())
	}
	closeErr = multierr.Append(closeErr, node.Close())
	closeErr = multierr.Append(closeErr, tr.Close())
	closeErr = multierr.Append(closeErr, keyStore.Close())
	if closeErr != nil {
		log.Errorw("shutdown", "error", closeErr)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if *apiPort != 0 {
		cfg.API.Addr = fmt.Sprintf(":%d", *apiPort)
	}
	if *listenAddr != "" {
		cfg.Transport.Listen = []string{*listenAddr}
	}
	if *relayURL != "" {
		cfg.Transport.Relay = *relayURL
	}
	if *nickname != "" {
		cfg.Node.Nickname = *nickname
	}
	cfg.Transport.Peers = append(cfg.Transport.Peers, peers...)
	return cfg, cfg.Validate()
}

func loadIdentity(path string, regenerate bool) (*crypto.Identity, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if !regenerate {
		id, created, err := crypto.LoadOrGenerateIdentity(path)
		if err == nil && created {
			log.Infow("generated new identity", "path", path)
		}
		return id, err
	}

	id, err := crypto.GenerateIdentity()
	if err != nil {
		return nil, err
	}
	pemData, err := crypto.ExportIdentityPEM(id)
	if err != nil {
		return nil, err
	}
	if err := crypto.SaveKeyToFile(path, pemData); err != nil {
		return nil, err
	}
	log.Infow("replaced identity", "path", path)
	return id, nil
}

// buildTransport starts libp2p and, when configured, the websocket relay
// client, fanned into one Transport
func buildTransport(ctx context.Context, self protocol.PeerID, cfg config.TransportConfig) (transport.Transport, *transport.Libp2p, error) {
	p2p, err := transport.NewLibp2p(self, transport.Libp2pConfig{
		ListenAddrs: cfg.Listen,
		EnableNAT:   cfg.EnableNAT,
	})
	if err != nil {
		return nil, nil, err
	}
	if cfg.Relay == "" {
		return transport.NewMulti(p2p), p2p, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	ws, err := transport.DialWebSocket(dialCtx, self, cfg.Relay)
	if err != nil {
		return nil, nil, multierr.Append(err, p2p.Close())
	}
	return transport.NewMulti(p2p, ws), p2p, nil
}

func logEvents(ctx context.Context, events <-chan network.Event) {
	for {
		select {
		case ev := <-events:
			log.Infow("event", "kind", ev.Kind, "peer", ev.Peer, "text", ev.Text, "reason", ev.Reason)
		case <-ctx.Done():
			return
		}
	}
}

func printBanner() {
	fmt.Println("zentalk-mesh node")
	fmt.Println("=================")
	fmt.Println()
}
