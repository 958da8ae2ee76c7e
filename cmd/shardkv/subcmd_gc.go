package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gitlab.com/gitlab-org/shardkv/internal/replication/backfill"
	"gitlab.com/gitlab-org/shardkv/internal/replication/config"
	"gitlab.com/gitlab-org/shardkv/internal/replication/datastore"
	"gitlab.com/gitlab-org/shardkv/internal/replication/transport"
	"gitlab.com/gitlab-org/shardkv/internal/replication/version"
)

const gcCmdName = "gc"

var errNoNodes = errors.New("at least one node has to be listed with -nodes")

// metadataSource describes the metadata of a node's store.
type metadataSource interface {
	Handshake(ctx context.Context) (backfill.Handshake, error)
}

type gcSubcommand struct {
	stdout io.Writer
	nodes  string
	dryRun bool
}

func newGCSubcommand(stdout io.Writer) *gcSubcommand {
	return &gcSubcommand{stdout: stdout}
}

func (cmd *gcSubcommand) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(gcCmdName, flag.ContinueOnError)
	fs.StringVar(&cmd.nodes, "nodes", "", "comma separated addresses of every node of the table")
	fs.BoolVar(&cmd.dryRun, "dry-run", false, "only print the branches which would be deleted")
	return fs
}

func (cmd *gcSubcommand) Exec(flags *flag.FlagSet, conf config.Config) error {
	if flags.NArg() > 0 {
		return unexpectedPositionalArgsError{Command: flags.Name()}
	}

	var addresses []string
	for _, address := range strings.Split(cmd.nodes, ",") {
		if address = strings.TrimSpace(address); address != "" {
			addresses = append(addresses, dialAddress(address))
		}
	}
	if len(addresses) == 0 {
		return errNoNodes
	}

	if !conf.NeedsSQL() {
		return fmt.Errorf("%s: the branch history is only persisted in a database", gcCmdName)
	}

	db, clean, err := openDB(conf.DB)
	if err != nil {
		return err
	}
	defer clean()

	ctx := context.Background()

	nodes := make(map[string]metadataSource, len(addresses))
	for _, address := range addresses {
		conn, err := subCmdDial(ctx, address, defaultDialTimeout)
		if err != nil {
			return fmt.Errorf("dial %s: %w", address, err)
		}
		defer conn.Close()

		nodes[address] = transport.NewBackfillClient(conn)
	}

	return cmd.collect(ctx, datastore.NewPostgresBranchHistory(db), nodes)
}

// collect deletes the branches of history none of the nodes refers to. The
// candidates are listed before any node is asked for its metadata, so
// branches created while the nodes are visited survive.
func (cmd *gcSubcommand) collect(ctx context.Context, history version.History, nodes map[string]metadataSource) error {
	candidates, err := version.PrepareGC(ctx, history)
	if err != nil {
		return err
	}

	addresses := make([]string, 0, len(nodes))
	for address := range nodes {
		addresses = append(addresses, address)
	}
	sort.Strings(addresses)

	for _, address := range addresses {
		handshake, err := nodes[address].Handshake(ctx)
		if err != nil {
			return fmt.Errorf("metadata of %s: %w", address, err)
		}

		if err := version.MarkReachable(ctx, history, candidates, handshake.Versions); err != nil {
			return fmt.Errorf("mark branches of %s: %w", address, err)
		}
	}

	ids := make([]uuid.UUID, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	for _, id := range ids {
		fmt.Fprintf(cmd.stdout, "unreachable branch %s\n", id)
	}

	if cmd.dryRun {
		fmt.Fprintf(cmd.stdout, "%d branches would be deleted\n", len(ids))
		return nil
	}

	if err := version.PerformGC(ctx, history, candidates); err != nil {
		return err
	}

	fmt.Fprintf(cmd.stdout, "%d branches deleted\n", len(ids))
	return nil
}
