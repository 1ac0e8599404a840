package main

import (
	"flag"
	"fmt"
	"io"

	"gitlab.com/gitlab-org/gitaly-cluster/internal/praefect/config"
)

const (
	sqlPingCmdName = "sql-ping"
)

type sqlPingSubcommand struct {
	w io.Writer
}

func (s *sqlPingSubcommand) FlagSet() *flag.FlagSet {
	return flag.NewFlagSet(sqlPingCmdName, flag.ExitOnError)
}

func (s *sqlPingSubcommand) Exec(flags *flag.FlagSet, conf config.Config) error {
	const subCmd = progname + " " + sqlPingCmdName

	// Opening the database pings it.
	_, clean, err := openDB(conf.DB)
	if err != nil {
		return fmt.Errorf("%s: fail: %v", subCmd, err)
	}
	defer clean()

	fmt.Fprintf(s.w, "%s: OK\n", subCmd)
	return nil
}
