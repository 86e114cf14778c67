// Command cloudbridge validates and inspects CloudBridge schemas, previews
// cloud object transformation and lists offline changes.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/cloudbridge/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
