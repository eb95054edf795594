// Command seapi runs the secure element CLI.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/seapi/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "seapi:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
