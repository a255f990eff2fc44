// Command wst manages work-item state in a git repository: every change to
// a feature, epic or story updates its document, the SQLite index and the
// commit history together.
package main

import (
	"context"
	"os"
)

func main() {
	if err := execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		os.Exit(1)
	}
}
