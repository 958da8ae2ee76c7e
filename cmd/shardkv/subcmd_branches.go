package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"gitlab.com/gitlab-org/shardkv/internal/replication/config"
	"gitlab.com/gitlab-org/shardkv/internal/replication/datastore"
)

const branchesCmdName = "branches"

type branchesSubcommand struct {
	stdout io.Writer
}

func newBranchesSubcommand(stdout io.Writer) *branchesSubcommand {
	return &branchesSubcommand{stdout: stdout}
}

func (cmd *branchesSubcommand) FlagSet() *flag.FlagSet {
	return flag.NewFlagSet(branchesCmdName, flag.ContinueOnError)
}

func (cmd *branchesSubcommand) Exec(flags *flag.FlagSet, conf config.Config) error {
	if flags.NArg() > 0 {
		return unexpectedPositionalArgsError{Command: flags.Name()}
	}

	if !conf.NeedsSQL() {
		return fmt.Errorf("%s: the branch history is only persisted in a database", branchesCmdName)
	}

	db, clean, err := openDB(conf.DB)
	if err != nil {
		return err
	}
	defer clean()

	branches, err := datastore.NewPostgresBranchHistory(db).ListBranches(context.Background())
	if err != nil {
		return fmt.Errorf("list branches: %w", err)
	}

	renderBranches(cmd.stdout, branches)
	return nil
}

func renderBranches(w io.Writer, branches []datastore.ListedBranch) {
	table := tablewriter.NewWriter(w)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Branch", "Region", "Initial Timestamp", "Origin"})

	for _, branch := range branches {
		table.Append([]string{
			branch.ID.String(),
			branch.Certificate.Region.String(),
			strconv.FormatUint(uint64(branch.Certificate.InitialTimestamp), 10),
			branch.Certificate.Origin.String(),
		})
	}

	table.Render()
	fmt.Fprintf(w, "(%d branches)\n", len(branches))
}
