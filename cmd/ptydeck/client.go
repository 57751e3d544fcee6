package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/tchow/ptydeck/internal/term"
)

func defaultAddr() string {
	if addr := os.Getenv("PTYDECK_ADDR"); addr != "" {
		return addr
	}
	return "127.0.0.1:7670"
}

var apiClient = &http.Client{Timeout: 10 * time.Second}

func handleList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	addr := fs.String("addr", defaultAddr(), "daemon address")
	asJSON := fs.Bool("json", false, "output JSON")
	_ = fs.Parse(args)

	resp, err := apiClient.Get(fmt.Sprintf("http://%s/api/sessions", *addr))
	if err != nil {
		fmt.Fprintf(os.Stderr, "list failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var body struct {
		Sessions []term.SessionInfo `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		fmt.Fprintf(os.Stderr, "list failed: %v\n", err)
		os.Exit(1)
	}

	if *asJSON {
		out, _ := json.MarshalIndent(body.Sessions, "", "  ")
		fmt.Println(string(out))
		return
	}

	if len(body.Sessions) == 0 {
		fmt.Println("No sessions.")
		return
	}
	fmt.Printf("%-38s %-16s %-8s %6s %8s\n", "ID", "WORKSPACE", "PHASE", "PID", "SIZE")
	for _, s := range body.Sessions {
		phase := s.Phase
		if phase == "" {
			phase = "-"
		}
		ws := s.WorkspaceID
		if ws == "" {
			ws = "-"
		}
		fmt.Printf("%-38s %-16s %-8s %6d %4dx%d\n", s.ID, ws, phase, s.PID, s.Cols, s.Rows)
	}
}

func handleCreate(args []string) {
	fs := flag.NewFlagSet("new", flag.ExitOnError)
	addr := fs.String("addr", defaultAddr(), "daemon address")
	cwd := fs.String("cwd", "", "working directory")
	workspace := fs.String("workspace", "", "workspace id")
	command := fs.String("command", "", "command to run instead of a shell")
	text := fs.String("text", "", "initial text typed into the session")
	permission := fs.String("permission", "", "permission mode exported to the session")
	_ = fs.Parse(args)

	dir := *cwd
	if dir == "" {
		dir, _ = os.Getwd()
	}

	payload, _ := json.Marshal(map[string]any{
		"cwd":             dir,
		"workspace_id":    *workspace,
		"command":         *command,
		"initial_text":    *text,
		"permission_mode": *permission,
	})
	resp, err := apiClient.Post(
		fmt.Sprintf("http://%s/api/sessions", *addr),
		"application/json", bytes.NewReader(payload),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var body struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if resp.StatusCode != http.StatusCreated {
		fmt.Fprintf(os.Stderr, "create failed: %s\n", body.Message)
		os.Exit(1)
	}
	fmt.Println(body.ID)
}

func handleKill(args []string) {
	fs := flag.NewFlagSet("kill", flag.ExitOnError)
	addr := fs.String("addr", defaultAddr(), "daemon address")
	_ = fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: ptydeck kill <session-id>")
		os.Exit(1)
	}

	req, _ := http.NewRequest(http.MethodDelete,
		fmt.Sprintf("http://%s/api/sessions/%s", *addr, fs.Arg(0)), nil)
	resp, err := apiClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kill failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "kill failed: HTTP %d\n", resp.StatusCode)
		os.Exit(1)
	}
}
