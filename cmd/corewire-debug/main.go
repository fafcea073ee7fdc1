// Command corewire-debug is a local driver for a single corewire installation:
// create an identity, create and join groups, send and sync messages, and
// seal/verify archives, all against a JSON file standing in for a real
// backend.
package main

import (
	"fmt"
	"os"

	"github.com/germtb/corewire/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
