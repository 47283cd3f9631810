// Package main is the entry point for pipelined.
//
// pipelined is a streaming media pipeline runtime: it compiles a
// declarative DAG manifest into a running session, negotiates node
// capabilities across the graph, and drives data through the graph's
// nodes (in-process, subprocess, or container) over a bidirectional
// gRPC stream.
package main

import (
	"os"

	"github.com/mediarunner/pipelined/cmd/pipelined/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
