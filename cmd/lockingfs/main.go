// Command lockingfs runs filesystem operations under reader/writer locks.
package main

import (
	"os"

	"github.com/mrchypark/lockingfs/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
