package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/labkit/monitoring"
	"gitlab.com/gitlab-org/shardkv/internal/replication"
	"gitlab.com/gitlab-org/shardkv/internal/replication/backfill"
	"gitlab.com/gitlab-org/shardkv/internal/replication/broadcaster"
	"gitlab.com/gitlab-org/shardkv/internal/replication/config"
	"gitlab.com/gitlab-org/shardkv/internal/replication/datastore"
	"gitlab.com/gitlab-org/shardkv/internal/replication/datastore/glsql"
	"gitlab.com/gitlab-org/shardkv/internal/replication/listener"
	"gitlab.com/gitlab-org/shardkv/internal/replication/region"
	"gitlab.com/gitlab-org/shardkv/internal/replication/store"
	"gitlab.com/gitlab-org/shardkv/internal/replication/transport"
	"gitlab.com/gitlab-org/shardkv/internal/replication/version"
	buildversion "gitlab.com/gitlab-org/shardkv/internal/version"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var errOutdated = errors.New("replica is outdated and has to rejoin")

func run(conf config.Config, promreg prometheus.Registerer) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	history, closeHistory, err := openHistory(ctx, conf)
	if err != nil {
		return err
	}
	defer closeHistory()

	cached, err := version.NewCachingHistory(history, conf.Replication.BranchCacheSize)
	if err != nil {
		return fmt.Errorf("branch cache: %w", err)
	}
	promreg.MustRegister(cached)

	lis, err := net.Listen("tcp", conf.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	logger.WithField("address", conf.ListenAddr).Info("listening")

	if conf.PrometheusListenAddr != "" {
		logger.WithField("address", conf.PrometheusListenAddr).Info("Starting prometheus listener")

		promLis, err := net.Listen("tcp", conf.PrometheusListenAddr)
		if err != nil {
			return fmt.Errorf("listen for prometheus: %w", err)
		}

		go func() {
			if err := monitoring.Start(
				monitoring.WithListener(promLis),
				monitoring.WithBuildInformation(buildversion.GetVersion(), buildversion.GetBuildTime())); err != nil {
				logger.WithError(err).Errorf("Unable to start prometheus listener: %v", conf.PrometheusListenAddr)
			}
		}()
	}

	n, err := startNode(ctx, conf, lis, store.NewMemoryStore(shardRegion(conf.Region)), cached, promreg, logger)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		logger.Warn("received signal, shutting down")
	case err := <-n.serveErr:
		n.stop(conf.GracefulStopTimeout.Duration())
		return fmt.Errorf("serve: %w", err)
	}

	n.stop(conf.GracefulStopTimeout.Duration())
	return nil
}

func openHistory(ctx context.Context, conf config.Config) (version.History, func(), error) {
	if !conf.NeedsSQL() {
		logger.Info("branch history is kept in memory")
		return version.NewMemoryHistory(), func() {}, nil
	}

	logger.Infof("establishing database connection to %s:%d ...", conf.DB.Host, conf.DB.Port)
	db, closedb, err := initDatabase(ctx, logger, conf)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("database connection established")

	return datastore.NewPostgresBranchHistory(db), closedb, nil
}

func initDatabase(ctx context.Context, logger logrus.FieldLogger, conf config.Config) (*sql.DB, func(), error) {
	openDBCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	db, err := glsql.OpenDB(openDBCtx, conf.DB)
	if err != nil {
		logger.WithError(err).Error("SQL connection open failed")
		return nil, nil, err
	}

	closedb := func() {
		if err := db.Close(); err != nil {
			logger.WithError(err).Error("SQL connection close failed")
		}
	}

	return db, closedb, nil
}

func shardRegion(r config.Region) region.Region {
	if r.End == "" {
		return region.From(r.Start)
	}
	return region.New(r.Start, r.End)
}

// dialAddress adds the tcp scheme to plain host:port addresses.
func dialAddress(address string) string {
	if strings.Contains(address, "://") {
		return address
	}
	return "tcp://" + address
}

func listenerConfig(conf config.Config, logger logrus.FieldLogger) listener.Config {
	return listener.Config{
		WriteQueueDir:         conf.Replication.WriteQueueDir,
		WriteQueueMemoryBytes: conf.Replication.WriteQueueMemoryBytes,
		DrainWorkers:          conf.Replication.DrainWorkers,
		BackfillParallelism:   conf.Replication.BackfillParallelism,
		BackfillBudget: backfill.Budget{
			MaxItems: conf.Replication.BackfillMaxItems,
			MaxBytes: conf.Replication.BackfillMaxBytes,
		},
		Logger: logger,
	}
}

// node is a serving primary or replica.
type node struct {
	server   *grpc.Server
	health   *health.Server
	serveErr chan error
	logger   logrus.FieldLogger
	closers  []func()
}

func (n *node) onStop(fn func()) {
	n.closers = append(n.closers, fn)
}

// stop drains the server and releases the node's resources in reverse
// order of their acquisition.
func (n *node) stop(timeout time.Duration) {
	n.health.Shutdown()

	done := make(chan struct{})
	go func() {
		n.server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		n.logger.Warn("graceful stop timed out, stopping")
		n.server.Stop()
		<-done
	}

	for i := len(n.closers) - 1; i >= 0; i-- {
		n.closers[i]()
	}
}

// startNode serves the role configured in conf on lis. A replica only
// returns once it caught up with its primary.
func startNode(ctx context.Context, conf config.Config, lis net.Listener, st store.Store, history version.History, promreg prometheus.Registerer, logger logrus.FieldLogger) (_ *node, returnedErr error) {
	n := &node{
		server:   transport.NewServer(logger.WithField("role", conf.Role)),
		health:   health.NewServer(),
		serveErr: make(chan error, 1),
		logger:   logger,
	}
	// A replica serves before it has caught up with its primary.
	n.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(n.server, n.health)
	defer func() {
		if returnedErr != nil {
			n.stop(0)
		}
	}()

	backfillServer := transport.NewBackfillServer()
	backfillServer.Register(n.server)

	var err error
	switch conf.Role {
	case config.RolePrimary:
		err = n.startPrimary(ctx, conf, lis, st, history, backfillServer, promreg)
	case config.RoleReplica:
		err = n.startReplica(ctx, conf, lis, st, history, backfillServer, promreg)
	default:
		err = fmt.Errorf("invalid role %q", conf.Role)
	}
	if err != nil {
		return nil, err
	}

	n.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return n, nil
}

func (n *node) serve(lis net.Listener) {
	go func() { n.serveErr <- n.server.Serve(lis) }()
}

func (n *node) startPrimary(ctx context.Context, conf config.Config, lis net.Listener, st store.Store, history version.History, backfillServer *transport.BackfillServer, promreg prometheus.Registerer) error {
	b, err := broadcaster.New(ctx, st, history,
		broadcaster.WithLogger(n.logger),
		broadcaster.WithSelector(broadcaster.SelectorByName(string(conf.Replication.ReadSelector))),
	)
	if err != nil {
		return fmt.Errorf("create branch: %w", err)
	}
	n.onStop(b.Close)
	n.logger.WithField("branch", b.Branch()).Info("created branch")

	local, err := listener.NewForBranch(ctx, st, history, b, listenerConfig(conf, n.logger))
	if err != nil {
		return fmt.Errorf("attach local store: %w", err)
	}
	n.onStop(func() {
		if err := local.Close(); err != nil {
			n.logger.WithError(err).Error("close local listener")
		}
	})
	backfillServer.Attach(local.Replier())

	registrar := transport.NewRegistrarServer(b, nil, n.logger)
	n.onStop(registrar.Close)
	registrar.Register(n.server)
	transport.NewTableServer(b, broadcaster.Majority()).Register(n.server)

	promreg.MustRegister(b, local)
	n.onStop(func() {
		promreg.Unregister(b)
		promreg.Unregister(local)
	})

	n.serve(lis)
	return nil
}

func (n *node) startReplica(ctx context.Context, conf config.Config, lis net.Listener, st store.Store, history version.History, backfillServer *transport.BackfillServer, promreg prometheus.Registerer) error {
	primaryConn, err := transport.Dial(ctx, dialAddress(conf.PrimaryAddr))
	if err != nil {
		return fmt.Errorf("dial primary: %w", err)
	}
	n.onStop(func() { primaryConn.Close() })

	backfillConn := primaryConn
	if conf.BackfillAddr != conf.PrimaryAddr {
		if backfillConn, err = transport.Dial(ctx, dialAddress(conf.BackfillAddr)); err != nil {
			return fmt.Errorf("dial backfill source: %w", err)
		}
		n.onStop(func() { backfillConn.Close() })
	}

	listenerServer := transport.NewListenerServer()
	listenerServer.Register(n.server)

	// The primary dials back as soon as the replica registers.
	n.serve(lis)

	registrar := transport.NewRegistrarClient(primaryConn, dialAddress(conf.AdvertiseAddr), listenerServer)
	l, err := listener.Join(ctx, st, history, registrar, transport.NewBackfillClient(backfillConn), listenerConfig(conf, n.logger))
	if err != nil {
		return fmt.Errorf("join: %w", err)
	}
	n.onStop(func() {
		if err := l.Close(); err != nil {
			n.logger.WithError(err).Error("close listener")
		}
	})
	if l.State() == listener.StateOutdated {
		return errOutdated
	}
	n.onStop(func() { deregister(registrar, l.ID(), n.logger) })

	backfillServer.Attach(l.Replier())

	promreg.MustRegister(l)
	n.onStop(func() { promreg.Unregister(l) })

	return nil
}

func deregister(registrar replication.Registrar, id uuid.UUID, logger logrus.FieldLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := registrar.Deregister(ctx, id); err != nil {
		logger.WithError(err).Warn("deregister from primary")
	}
}
