// Command shardkv runs a node replicating one shard of a table.
//
// A node is either the primary of its shard, which owns the shard's branch
// and accepts writes, or a replica, which backfills from a peer and then
// follows the primary's writes. The role is set in the configuration file:
//
//	shardkv -config PATH_TO_CONFIG
//
// Additionally, shardkv has subcommands for common tasks:
//
// # SQL Migrate
//
// The subcommand "sql-migrate" applies any outstanding SQL migrations to the
// database holding the branch history.
//
//	shardkv -config PATH_TO_CONFIG sql-migrate [-ignore-unknown=true|false]
//
// # Branches
//
// The subcommand "branches" lists the branches of the history together with
// their birth certificates.
//
//	shardkv -config PATH_TO_CONFIG branches
//
// # GC
//
// The subcommand "gc" deletes branches no node refers to anymore. Every node
// whose store may still reference a branch must be listed.
//
//	shardkv -config PATH_TO_CONFIG gc -nodes tcp://a:2305,tcp://b:2305 [-dry-run]
//
// # Put and Get
//
// The subcommands "put" and "get" write and read keys through a primary.
//
//	shardkv -config PATH_TO_CONFIG put KEY VALUE
//	shardkv -config PATH_TO_CONFIG get [-ordered] KEY...
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"gitlab.com/gitlab-org/labkit/tracing"
	"gitlab.com/gitlab-org/shardkv/internal/log"
	"gitlab.com/gitlab-org/shardkv/internal/middleware/panichandler"
	"gitlab.com/gitlab-org/shardkv/internal/middleware/sentryhandler"
	"gitlab.com/gitlab-org/shardkv/internal/replication/config"
	buildversion "gitlab.com/gitlab-org/shardkv/internal/version"
)

var (
	flagConfig  = flag.String("config", "", "Location for the config.toml")
	flagVersion = flag.Bool("version", false, "Print version and exit")
	logger      = log.Default()

	errNoConfigFile = errors.New("the config flag must be passed")
)

const progname = "shardkv"

func main() {
	flag.Usage = func() {
		cmds := []string{}
		for k := range subcommands {
			cmds = append(cmds, k)
		}
		sort.Strings(cmds)

		printfErr("Usage of %s:\n", progname)
		flag.PrintDefaults()
		printfErr("  subcommand (optional)\n")
		printfErr("\tOne of %s\n", strings.Join(cmds, ", "))
	}
	flag.Parse()

	// If invoked with -version
	if *flagVersion {
		fmt.Println(buildversion.GetVersionString())
		os.Exit(0)
	}

	conf, err := initConfig()
	if err != nil {
		printfErr("%s: configuration error: %v\n", progname, err)
		os.Exit(1)
	}

	if err := log.Configure(log.Loggers, conf.Logging.Format, conf.Logging.Level); err != nil {
		printfErr("%s: configuration error: %v\n", progname, err)
		os.Exit(1)
	}

	if args := flag.Args(); len(args) > 0 {
		os.Exit(subCommand(conf, args[0], args[1:]))
	}

	if conf.Logging.Dir != "" {
		closeLog, err := log.RedirectToDir(log.Loggers, conf.Logging.Dir, progname+".log")
		if err != nil {
			logger.Fatalf("redirect logs: %v", err)
		}
		defer closeLog()
	}

	configure(conf)

	logger.WithField("version", buildversion.GetVersionString()).Info("Starting " + progname)

	if err := run(conf, prometheus.DefaultRegisterer); err != nil {
		logger.Fatalf("%v", err)
	}
}

func initConfig() (config.Config, error) {
	if *flagConfig == "" {
		return config.Config{}, errNoConfigFile
	}

	conf, err := config.FromFile(*flagConfig)
	if err != nil {
		return config.Config{}, fmt.Errorf("error reading config file: %v", err)
	}

	if err := conf.Validate(); err != nil {
		return config.Config{}, err
	}

	return conf, nil
}

func configure(conf config.Config) {
	tracing.Initialize(tracing.WithServiceName(progname))

	if conf.PrometheusListenAddr != "" {
		grpc_prometheus.EnableHandlingTimeHistogram(
			grpc_prometheus.WithHistogramBuckets(conf.Prometheus.GRPCLatencyBuckets),
		)
	}

	config.ConfigureSentry(buildversion.GetVersion(), conf.Sentry)
	panichandler.InstallPanicHandler(sentryhandler.ReportPanic)
}
