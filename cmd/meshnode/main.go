// SPDX-License-Identifier: AGPL-3.0-only

// Command meshnode runs a single unstructured mesh peer: it binds a
// listener, dials any configured seed peers, and writes the received
// application messages to stdout, one line per packet (the sender id,
// a space, then the packet in hex), so it can be piped into other
// tooling while exercising the mesh package directly.
package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/katzenmesh/meshsocket/audit"
	"github.com/katzenmesh/meshsocket/internal/config"
	"github.com/katzenmesh/meshsocket/internal/corelog"
	"github.com/katzenmesh/meshsocket/internal/metrics"
	"github.com/katzenmesh/meshsocket/mesh"
	"github.com/katzenmesh/meshsocket/peer"
	"github.com/katzenmesh/meshsocket/peerstore"
	"github.com/katzenmesh/meshsocket/protocol"
	"github.com/katzenmesh/meshsocket/transport"
)

func main() {
	var configPath string
	versioninfo.AddFlag(flag.CommandLine)
	flag.StringVar(&configPath, "config", "meshnode.toml", "Mesh node configuration file")
	flag.Parse()

	cfg := config.Default()
	if _, err := os.Stat(configPath); err == nil {
		loaded, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "meshnode: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	log := corelog.New(os.Stderr, corelog.VerbosityToLevel(cfg.Logging.Verbosity)).GetLogger("meshnode")

	var trans transport.StreamFactory
	switch cfg.Node.Transport {
	case "quic":
		q, err := transport.NewQUIC()
		if err != nil {
			log.Fatalf("constructing quic transport: %v", err)
		}
		trans = q
	default:
		trans = transport.NewPlaintext()
	}

	var outAddr *peer.Addr
	if cfg.Node.OutAddr != "" {
		port := cfg.Node.OutPort
		if port == 0 {
			port = cfg.Node.Port
		}
		outAddr = &peer.Addr{Host: cfg.Node.OutAddr, Port: port}
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.New(prometheus.DefaultRegisterer)
		addr := cfg.Metrics.Addr
		if addr == "" {
			addr = "127.0.0.1:9644"
		}
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Warningf("metrics listener stopped: %v", err)
			}
		}()
	}

	var metricsIface mesh.Metrics
	if collector != nil {
		metricsIface = collector
	}

	var store *peerstore.Store
	if cfg.Storage.PeerstorePath != "" {
		var err error
		store, err = peerstore.Open(cfg.Storage.PeerstorePath)
		if err != nil {
			log.Fatalf("opening peerstore: %v", err)
		}
		defer store.Close()
	}
	var peerStoreIface mesh.PeerStore
	if store != nil {
		peerStoreIface = store
	}

	socket, err := mesh.New(mesh.Config{
		Addr:      cfg.Node.Addr,
		Port:      cfg.Node.Port,
		OutAddr:   outAddr,
		Protocol:  protocol.Protocol{Subnet: cfg.Protocol.Subnet, Encryption: cfg.Protocol.Encryption},
		Transport: trans,
		Log:       log,
		Metrics:   metricsIface,
		PeerStore: peerStoreIface,
	})
	if err != nil {
		log.Fatalf("constructing mesh socket: %v", err)
	}
	if err := socket.Start(); err != nil {
		log.Fatalf("starting mesh socket: %v", err)
	}
	defer socket.Close()
	log.Noticef("listening on %s as %s", socket.Addr(), socket.ID())

	if cfg.Storage.AuditDSN != "" {
		sink, err := audit.Open(cfg.Storage.AuditDSN)
		if err != nil {
			log.Fatalf("opening audit sink: %v", err)
		}
		defer sink.Close()
		socket.RegisterHandler(sink.Handler())
	}

	dialCtx, dialCancel := context.WithCancel(context.Background())
	defer dialCancel()
	for _, seed := range cfg.Peers {
		seed := seed
		go func() {
			if err := socket.Connect(dialCtx, seed.Addr, seed.Port, ""); err != nil {
				log.Warningf("dialing seed %s:%d: %v", seed.Addr, seed.Port, err)
			}
		}()
	}

	if store != nil {
		remembered, err := store.All()
		if err != nil {
			log.Warningf("reading peerstore: %v", err)
		}
		for _, rec := range remembered {
			rec := rec
			go func() {
				if err := socket.Connect(dialCtx, rec.Host, rec.Port, rec.ID); err != nil {
					log.Debugf("redialing remembered peer %s: %v", rec.ID, err)
				}
			}()
		}
	}

	go printReceivedLoop(socket)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Notice("shutting down")
}

func printReceivedLoop(socket *mesh.MeshSocket) {
	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()
	for {
		msg, err := socket.Recv(context.Background())
		if err != nil {
			return
		}
		for _, packet := range msg.Packets {
			fmt.Fprintf(w, "%s %s\n", msg.Sender, hex.EncodeToString(packet))
		}
		w.Flush()
	}
}
