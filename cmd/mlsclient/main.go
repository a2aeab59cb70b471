// Command mlsclient is a local client for the messaging-core MLS
// protocol: it registers an inbox identity, creates and manages
// groups, and keeps them in sync with a backend over gRPC.
package main

import (
	"fmt"
	"os"

	"github.com/xmtp-go/mlscore/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "mlsclient:", err)
		os.Exit(1)
	}
}
