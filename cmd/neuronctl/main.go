// Command neuronctl is the operator CLI for the neuron daemon's IPC
// control plane, grounded on the teacher's cmd/cli dispatch structure
// (a flat command-name switch over os.Args, with a fatal() helper for
// uniform error reporting) but talking to a local Unix socket instead
// of an HTTP hub.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/careagent/neuron/internal/ipc"
)

// Exit codes (spec §6): 0 success, 1 usage/argument error, 2 not found /
// rejected by the daemon, 3 daemon unreachable.
const (
	exitOK                 = 0
	exitUsage              = 1
	exitNotFoundOrRejected = 2
	exitUnreachable        = 3
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitUsage)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "provider":
		cmdProvider(args)
	case "status":
		cmdStatus(args)
	case "version":
		fmt.Printf("neuronctl v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(exitUsage)
	}
}

func printUsage() {
	fmt.Println(`Usage: neuronctl <command> [arguments]

Commands:
  provider add <npi> <reachable-addr>   Register a provider locally
  provider remove <npi>                 Remove a provider
  provider list                         List registered providers
  status                                Show module health
  version                                Print version

Reads the control socket path from NEURON__IPC__SOCKET_PATH, defaulting
to ./data/neuron.sock.`)
}

func socketPath() string {
	if p := os.Getenv("NEURON__IPC__SOCKET_PATH"); p != "" {
		return p
	}
	return "./data/neuron.sock"
}

func newClient() *ipc.Client {
	return ipc.NewClient(socketPath())
}

func fatal(code int, format string, a ...any) {
	fmt.Fprintf(os.Stderr, "neuronctl: "+format+"\n", a...)
	os.Exit(code)
}

func call(command string, args any, out any) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := newClient().Call(ctx, command, args, out)
	if err == nil {
		return
	}
	if errors.Is(err, ipc.ErrDaemonUnreachable) {
		fatal(exitUnreachable, "daemon is not running (%s)", socketPath())
	}
	fatal(exitNotFoundOrRejected, "%v", err)
}

func cmdProvider(args []string) {
	if len(args) == 0 {
		fatal(exitUsage, "usage: neuronctl provider <add|remove|list> [arguments]")
	}

	switch args[0] {
	case "add":
		if len(args) != 3 {
			fatal(exitUsage, "usage: neuronctl provider add <npi> <reachable-addr>")
		}
		var out any
		call("provider.add", ipc.ProviderAddArgs{ProviderNPI: args[1], ReachableAddr: args[2]}, &out)
		printJSON(out)
	case "remove":
		if len(args) != 2 {
			fatal(exitUsage, "usage: neuronctl provider remove <npi>")
		}
		var out any
		call("provider.remove", ipc.ProviderRemoveArgs{ProviderNPI: args[1]}, &out)
		printJSON(out)
	case "list":
		var out any
		call("provider.list", nil, &out)
		printJSON(out)
	default:
		fatal(exitUsage, "unknown provider subcommand: %s", args[0])
	}
}

func cmdStatus(args []string) {
	var out ipc.StatusResult
	call("status", nil, &out)
	printJSON(out)
	if !out.Healthy {
		os.Exit(exitNotFoundOrRejected)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
