// Binary xinuvm boots the simulated paged kernel and runs threads on it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
)

// forEachCmd invokes the passed callback for each command supported by xinuvm.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	cb(new(Run), "")
	cb(new(MemTest), "")
	cb(new(Layout), "")
}

// fatalf prints a formatted error to stderr and returns a failure status.
func fatalf(format string, args ...interface{}) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	return subcommands.ExitFailure
}

func main() {
	forEachCmd(subcommands.Register)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	os.Exit(int(subcommands.Execute(context.Background())))
}
