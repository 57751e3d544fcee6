package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tchow/ptydeck/internal/marker"
	"github.com/tchow/ptydeck/internal/term"
)

// hookWorkspace resolves the workspace id for a hook invocation: the
// -workspace flag wins, then the environment variable the daemon exports
// into every session.
func hookWorkspace(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(term.EnvWorkspaceID)
}

// handleHookActivity is invoked by agent lifecycle hooks. "start" marks the
// workspace running from the hook source; "stop" removes the mark. Both are
// idempotent, so repeated hook firings are harmless.
func handleHookActivity(args []string) {
	fs := flag.NewFlagSet("hook-activity", flag.ExitOnError)
	workspace := fs.String("workspace", "", "workspace id (default: $"+term.EnvWorkspaceID+")")
	root := fs.String("root", "", "marker root directory")
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: ptydeck hook-activity <start|stop>")
		os.Exit(1)
	}
	action := args[0]
	_ = fs.Parse(args[1:])

	ws := hookWorkspace(*workspace)
	if ws == "" {
		// Hooks fire for sessions outside any workspace too; nothing to mark.
		return
	}

	store := marker.NewStore(markerRoot(*root))
	pid := os.Getppid()

	switch action {
	case "start":
		if err := store.TouchHookActivity(ws, pid); err != nil {
			fmt.Fprintf(os.Stderr, "hook-activity failed: %v\n", err)
			os.Exit(1)
		}
	case "stop":
		store.RemoveHookActivity(ws, pid)
	default:
		fmt.Fprintf(os.Stderr, "Unknown action: %s (want start or stop)\n", action)
		os.Exit(1)
	}
}

// handleHookNotify is invoked when an agent wants the user's attention. It
// drops a one-shot notification the daemon's watcher picks up on its next
// poll.
func handleHookNotify(args []string) {
	fs := flag.NewFlagSet("hook-notify", flag.ExitOnError)
	workspace := fs.String("workspace", "", "workspace id (default: $"+term.EnvWorkspaceID+")")
	root := fs.String("root", "", "marker root directory")
	_ = fs.Parse(args)

	ws := hookWorkspace(*workspace)
	if ws == "" {
		return
	}

	store := marker.NewStore(markerRoot(*root))
	if err := store.WriteNotify(ws); err != nil {
		fmt.Fprintf(os.Stderr, "notify failed: %v\n", err)
		os.Exit(1)
	}
}

func markerRoot(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if root := os.Getenv("PTYDECK_MARKER_DIR"); root != "" {
		return root
	}
	return marker.DefaultRoot()
}
