// Command medchain is the operator CLI and HTTP server for the patient
// record integrity ledger.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/medchain/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "medchain:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
