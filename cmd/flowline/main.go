// Command flowline runs the process engine server and administers its
// store: jobs, dead letters, batches and process instances.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
