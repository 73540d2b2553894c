// Command relayd is the peerlink relay server: cluster coordination,
// session/share management, and chunked file-transfer relaying over a
// WebSocket event channel, fronted by a small HTTP admission and
// observability surface.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	"go.etcd.io/etcd/clientv3"

	"go.peerlink.dev/core/internal/mbp"
	"go.peerlink.dev/core/internal/task"
	"go.peerlink.dev/core/pkg/cluster"
	"go.peerlink.dev/core/pkg/gateway"
	"go.peerlink.dev/core/pkg/model"
	"go.peerlink.dev/core/pkg/pubsub"
	"go.peerlink.dev/core/pkg/session"
	"go.peerlink.dev/core/pkg/store"
	"go.peerlink.dev/core/pkg/transfer"
)

const drainTimeout = 30 * time.Second

var config = new(struct {
	Log      mbp.LogConfig      `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Server   mbp.ServerConfig   `group:"Server" namespace:"server"`
	Cluster  mbp.ClusterConfig  `group:"Cluster" namespace:"cluster"`
	Transfer mbp.TransferConfig `group:"Transfer" namespace:"transfer"`
	TTL      mbp.TTLConfig      `group:"TTL" namespace:"ttl"`
})

func main() {
	mbp.MustParseArgs(flags.NewParser(config, flags.Default))
	config.Log.ApplyLevel()

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	backend, err := newBackend(ctx)
	mbp.Must(err, "failed to initialize storage/pubsub backend")
	defer backend.Store.Close()
	defer backend.PubSub.Close()

	hostname := config.Server.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}

	registry := cluster.NewRegistry(backend.Store, hostname, config.Server.Port, heartbeatInterval())
	node, err := registry.Register(ctx)
	mbp.Must(err, "failed to register node")

	coord := cluster.NewCoordinator(backend.Store, backend.PubSub, node.ID)

	gw := gateway.New(nil, nil, coord, backend.Store, node.ID, config.Server.CorsOrigin)

	sessions := session.NewManager(backend.Store, backend.PubSub, gw, coord, node.ID, coord.IsMaster, currentMasterID(backend.Store))

	transferCfg := transfer.Config{
		MaxFileSize:            config.Transfer.MaxFileSize,
		MaxConcurrentUploads:   config.Transfer.MaxConcurrentUploads,
		MaxConcurrentDownloads: config.Transfer.MaxConcurrentDownloads,
		MaxConcurrentTransfers: config.Transfer.MaxConcurrentTransfers,
		AckTimeout:             time.Duration(config.Transfer.AckTimeoutMS) * time.Millisecond,
		MaxRetries:             config.Transfer.MaxRetries,
	}
	engine := transfer.NewEngine(backend.Store, coord, transferCfg)

	gw.Bind(sessions, engine)

	mux := http.NewServeMux()
	gw.Routes(mux)
	server := &http.Server{Addr: fmt.Sprintf(":%d", config.Server.Port), Handler: mux}

	tasks := task.NewGroup(ctx)
	tasks.Queue("registry.heartbeat", func() error { return registry.RunHeartbeat(tasks.Context()) })
	tasks.Queue("registry.deadSweep", func() error { return registry.RunDeadSweep(tasks.Context()) })
	tasks.Queue("coordinator.election", func() error { return coord.RunElection(tasks.Context()) })
	tasks.Queue("coordinator.routeSubscription", func() error { return coord.RunRouteSubscription(tasks.Context()) })
	tasks.Queue("coordinator.routingRequestSubscription", func() error { return coord.RunRoutingRequestSubscription(tasks.Context()) })
	tasks.Queue("transfer.ackScanner", func() error { return engine.RunAckScanner(tasks.Context()) })
	tasks.Queue("store.sweeper", func() error {
		return store.NewSweeper(backend.Store, time.Minute).Run(tasks.Context())
	})
	tasks.Queue("http.serve", func() error {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	log.WithFields(log.Fields{"nodeId": node.ID, "port": config.Server.Port}).Info("relayd: started")

	waitForShutdownSignal()
	gracefulShutdown(server, registry, cancel, tasks)
}

type backend struct {
	Store  store.Store
	PubSub pubsub.PubSub
}

func newBackend(ctx context.Context) (*backend, error) {
	if !config.Cluster.UseCluster || !config.Cluster.UseEtcd {
		return &backend{Store: store.NewMemory(), PubSub: pubsub.NewLocal()}, nil
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{config.Cluster.Endpoint()},
		DialTimeout: 5 * time.Second,
		Username:    "",
		Password:    config.Cluster.Password,
	})
	if err != nil {
		return nil, err
	}
	return &backend{Store: store.NewEtcd(cli), PubSub: pubsub.NewEtcd(cli)}, nil
}

func heartbeatInterval() time.Duration {
	if config.TTL.Heartbeat <= 0 {
		return 10 * time.Second
	}
	return time.Duration(config.TTL.Heartbeat) * time.Second
}

func currentMasterID(s store.Store) func() string {
	return func() string {
		nodes, err := s.ListNodes(context.Background())
		if err != nil {
			return ""
		}
		for _, n := range nodes {
			if n.Role == model.RoleMaster {
				return n.ID
			}
		}
		return ""
	}
}

func waitForShutdownSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}

func gracefulShutdown(server *http.Server, registry *cluster.Registry, cancel context.CancelFunc, tasks *task.Group) {
	log.Info("relayd: shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), drainTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("relayd: http shutdown did not complete cleanly")
	}

	if err := registry.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("relayd: failed to mark node inactive")
	}

	cancel()
	if err := tasks.Wait(); err != nil {
		log.WithError(err).Warn("relayd: a background task exited with an error")
	}
}

