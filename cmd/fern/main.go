package main

import (
	"context"
	"fmt"
	"os"

	"github.com/Ramsey-B/fern/internal/cli"
)

var version = "dev"

func main() {
	cli.Version = version
	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
