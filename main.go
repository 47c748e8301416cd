// The main package for the chatlas-ingest executable.
package main

import (
	"github.com/chatlas/ingest/cmd"
)

func main() {
	cmd.Execute()
}
