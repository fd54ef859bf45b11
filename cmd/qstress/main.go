// Command qstress runs contention scenarios against the qsync primitives
// and reports throughput and any broken invariants.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/llxisdsh/qsync/cmd/qstress/commands"
)

const (
	cmdName   = "qstress"
	shortDesc = "Stress the qsync locks, queue and executor."
	longDesc  = `qstress drives the qsync synchronizers under contention.

Each scenario starts its goroutines together, checks the invariants of the
primitive it exercises while it runs, and prints one report line. The exit
status is non-zero if any invariant was broken.`
)

func main() {
	cmd := commands.NewRootCmd(cmdName, shortDesc, longDesc)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, strings.TrimLeft(err.Error(), "\n"))
		os.Exit(1)
	}
}
