// Command neuron runs the organizational trust broker daemon: it loads
// configuration, wires every component through internal/engine, and
// serves until SIGINT/SIGTERM triggers a graceful shutdown.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/careagent/neuron/internal/engine"
)

func main() {
	ctx := context.Background()

	eng, err := engine.New(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "neuron: %v\n", err)
		os.Exit(1)
	}

	if err := eng.Init(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "neuron: %v\n", err)
		os.Exit(1)
	}

	if err := eng.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "neuron: %v\n", err)
		os.Exit(1)
	}
}
