package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"gitlab.com/gitlab-org/shardkv/internal/replication/config"
	"gitlab.com/gitlab-org/shardkv/internal/replication/transport"
)

const (
	putCmdName = "put"
	getCmdName = "get"
)

var (
	errPutArgs = errors.New("put expects a key and a value")
	errGetArgs = errors.New("get expects at least one key")
)

type putSubcommand struct {
	stdout  io.Writer
	address string
}

func newPutSubcommand(stdout io.Writer) *putSubcommand {
	return &putSubcommand{stdout: stdout}
}

func (cmd *putSubcommand) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(putCmdName, flag.ContinueOnError)
	fs.StringVar(&cmd.address, "address", "", "address of the primary, defaults to the configured one")
	return fs
}

func (cmd *putSubcommand) Exec(flags *flag.FlagSet, conf config.Config) error {
	if flags.NArg() != 2 {
		return errPutArgs
	}

	ctx := context.Background()
	table, closeConn, err := dialTable(ctx, cmd.address, conf)
	if err != nil {
		return err
	}
	defer closeConn()

	resp, err := table.Put(ctx, flags.Arg(0), []byte(flags.Arg(1)))
	if err != nil {
		return fmt.Errorf("put: %w", err)
	}

	fmt.Fprintf(cmd.stdout, "inserted %d, replaced %d\n", resp.Inserted, resp.Replaced)
	return nil
}

type getSubcommand struct {
	stdout  io.Writer
	address string
	ordered bool
}

func newGetSubcommand(stdout io.Writer) *getSubcommand {
	return &getSubcommand{stdout: stdout}
}

func (cmd *getSubcommand) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(getCmdName, flag.ContinueOnError)
	fs.StringVar(&cmd.address, "address", "", "address of the primary, defaults to the configured one")
	fs.BoolVar(&cmd.ordered, "ordered", false, "order the read after every write acknowledged before")
	return fs
}

func (cmd *getSubcommand) Exec(flags *flag.FlagSet, conf config.Config) error {
	if flags.NArg() == 0 {
		return errGetArgs
	}

	ctx := context.Background()
	table, closeConn, err := dialTable(ctx, cmd.address, conf)
	if err != nil {
		return err
	}
	defer closeConn()

	pairs, err := table.Get(ctx, cmd.ordered, flags.Args()...)
	if err != nil {
		return fmt.Errorf("get: %w", err)
	}

	for _, pair := range pairs {
		fmt.Fprintf(cmd.stdout, "%s\t%s\n", pair.Key, pair.Value)
	}
	return nil
}

func dialTable(ctx context.Context, address string, conf config.Config) (*transport.TableClient, func(), error) {
	if address == "" {
		address = getNodeAddress(conf)
	}

	conn, err := subCmdDial(ctx, dialAddress(address), defaultDialTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("dial: %w", err)
	}

	return transport.NewTableClient(conn), func() { conn.Close() }, nil
}
