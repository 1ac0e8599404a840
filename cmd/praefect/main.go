// Command praefect keeps the replication metadata of the repositories of its virtual storages
// consistent. It applies the health of the storages to the replicas, elects the primaries of
// repositories that lost theirs and exposes the state of the cluster as Prometheus metrics.
//
// Additionally, praefect has subcommands for common tasks:
//
// SQL Ping
//
// The subcommand "sql-ping" checks if the database configured in the config
// file is reachable:
//
//     praefect -config PATH_TO_CONFIG sql-ping
//
// SQL Migrate
//
// The subcommand "sql-migrate" will apply any outstanding SQL migrations.
//
//     praefect -config PATH_TO_CONFIG sql-migrate [-ignore-unknown=true|false]
//
// By default, the migration will ignore any unknown migrations that are
// not known by the Praefect binary.
//
// "-ignore-unknown=false" will disable this behavior.
//
// The subcommand "sql-migrate-status" will show which SQL migrations have
// been applied and which ones have not:
//
//     praefect -config PATH_TO_CONFIG sql-migrate-status
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/helper"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/log"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/praefect/config"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/praefect/datastore"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/praefect/datastore/glsql"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/praefect/metrics"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/praefect/nodes"
	"golang.org/x/sync/errgroup"
)

var (
	flagConfig = flag.String("config", "", "Location for the config.toml")
	logger     = log.Default()

	errNoConfigFile = errors.New("the config flag must be passed")
)

const (
	progname = "praefect"

	// repositoryStoreScrapeTimeout bounds the queries the repository store collector runs
	// on every scrape.
	repositoryStoreScrapeTimeout = 10 * time.Second
	shutdownTimeout              = 10 * time.Second
)

func main() {
	flag.Usage = func() {
		cmds := []string{}
		for k := range subcommands {
			cmds = append(cmds, k)
		}

		printfErr("Usage of %s:\n", progname)
		flag.PrintDefaults()
		printfErr("  subcommand (optional)\n")
		printfErr("\tOne of %s\n", strings.Join(cmds, ", "))
	}
	flag.Parse()

	conf, err := initConfig()
	if err != nil {
		printfErr("%s: configuration error: %v\n", progname, err)
		os.Exit(1)
	}

	if logger, err = conf.ConfigureLogger(); err != nil {
		printfErr("%s: configure logger: %v\n", progname, err)
		os.Exit(1)
	}

	if args := flag.Args(); len(args) > 0 {
		os.Exit(subCommand(conf, args[0], args[1:]))
	}

	logger.Info("Starting " + progname)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, conf, prometheus.DefaultRegisterer, prometheus.DefaultGatherer); err != nil {
		logger.Fatalf("%v", err)
	}
}

func initConfig() (config.Config, error) {
	var conf config.Config

	if *flagConfig == "" {
		return conf, errNoConfigFile
	}

	conf, err := config.FromFile(*flagConfig)
	if err != nil {
		return conf, fmt.Errorf("error reading config file: %v", err)
	}

	if err := conf.Validate(); err != nil {
		return config.Config{}, err
	}

	return conf, nil
}

// run wires the components together and blocks until the context is canceled or one of the
// background tasks fails.
func run(ctx context.Context, conf config.Config, promreg prometheus.Registerer, gatherer prometheus.Gatherer) error {
	rs, closeStore, err := initRepositoryStore(ctx, logger, conf)
	if err != nil {
		return err
	}
	defer closeStore()

	clusterMetrics := metrics.NewClusterMetrics()
	if err := promreg.Register(clusterMetrics); err != nil {
		return fmt.Errorf("register cluster metrics: %w", err)
	}
	defer promreg.Unregister(clusterMetrics)

	storeCollector := datastore.NewRepositoryStoreCollector(logger, conf.VirtualStorageNames(), rs, repositoryStoreScrapeTimeout)
	if err := promreg.Register(storeCollector); err != nil {
		return fmt.Errorf("register repository store collector: %w", err)
	}
	defer promreg.Unregister(storeCollector)

	// Without a liveness source every configured storage is considered healthy. A deployment
	// which probes its storages provides its own nodes.HealthConsensus.
	pool := nodes.NewPoolFromConfig(conf, nodes.StaticHealthConsensus(conf.StorageNames()))
	elector := nodes.NewPerRepositoryElector(rs, clusterMetrics)
	applier := nodes.NewHealthApplier(logger, rs, pool, elector, conf.VirtualStorageNames())

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("background started: replica health application")
		err := applier.Run(ctx, helper.NewTimerTicker(conf.Failover.MonitorInterval.Duration()))
		if errors.Is(err, context.Canceled) {
			return nil
		}

		return err
	})

	if conf.PrometheusListenAddr != "" {
		l, err := net.Listen("tcp", conf.PrometheusListenAddr)
		if err != nil {
			return fmt.Errorf("prometheus listener: %w", err)
		}

		logger.WithField("address", l.Addr().String()).Info("Starting prometheus listener")

		g.Go(func() error {
			return serveMetrics(ctx, l, gatherer)
		})
	}

	return g.Wait()
}

// serveMetrics serves the metrics on the listener until the context is canceled.
func serveMetrics(ctx context.Context, l net.Listener, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(l) }()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve metrics: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}

	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve metrics: %w", err)
	}

	return nil
}

func initRepositoryStore(ctx context.Context, logger logrus.FieldLogger, conf config.Config) (datastore.RepositoryStore, func(), error) {
	if !conf.NeedsSQL() {
		logger.Warn("no database configured, the repository metadata is kept in memory and lost on restart")
		return datastore.NewMemoryRepositoryStore(), func() {}, nil
	}

	logger.Infof("establishing database connection to %s:%d ...", conf.DB.Host, conf.DB.Port)
	db, closedb, err := initDatabase(ctx, logger, conf)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("database connection established")

	return datastore.NewPostgresRepositoryStore(db), closedb, nil
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

	n, err := glsql.Migrate(db, true)
	if err != nil {
		closedb()
		return nil, nil, fmt.Errorf("apply migrations: %w", err)
	}

	if n > 0 {
		logger.WithField("migrations", n).Info("applied database migrations")
	}

	return db, closedb, nil
}
