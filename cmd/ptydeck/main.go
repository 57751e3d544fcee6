package main

import (
	"fmt"
	"os"
)

const Version = "0.3.0"

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printHelp()
		os.Exit(1)
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Printf("ptydeck v%s\n", Version)
	case "help", "--help", "-h":
		printHelp()
	case "serve":
		handleServe(args[1:])
	case "attach":
		handleAttach(args[1:])
	case "list", "ls":
		handleList(args[1:])
	case "new", "create":
		handleCreate(args[1:])
	case "kill", "rm":
		handleKill(args[1:])
	case "hook-activity":
		handleHookActivity(args[1:])
	case "hook-notify":
		handleHookNotify(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		printHelp()
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Print(`ptydeck - terminal session manager for agent CLIs

Usage:
  ptydeck serve [-addr HOST:PORT] [-config PATH]
  ptydeck attach <session-id> [-addr HOST:PORT]
  ptydeck list [-addr HOST:PORT] [--json]
  ptydeck new [-addr HOST:PORT] [-cwd DIR] [-workspace ID] [-command CMD] [-text TEXT]
  ptydeck kill <session-id> [-addr HOST:PORT]
  ptydeck hook-activity <start|stop> [-workspace ID]
  ptydeck hook-notify [-workspace ID]
  ptydeck version

Commands:
  serve          Run the session daemon (HTTP API + websocket terminals)
  attach         Attach this terminal to a session (Ctrl+Q detaches)
  list           List live sessions
  new            Create a session
  kill           Destroy a session
  hook-activity  Set or clear a workspace activity marker (agent hooks)
  hook-notify    Emit a workspace notification (agent hooks)

The hook commands read PTYDECK_WORKSPACE_ID from the environment when
-workspace is not given; sessions spawned by the daemon export it.
`)
}
