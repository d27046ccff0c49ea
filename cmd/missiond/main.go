// Command missiond completes mission instances and reconciles failed
// completions.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rbaliyan/mission-saga/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
