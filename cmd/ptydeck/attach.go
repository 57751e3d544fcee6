package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/gorilla/websocket"
	"golang.org/x/term"
)

type attachMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

// handleAttach connects this terminal to a session over the daemon's
// websocket endpoint. Ctrl+Q detaches; the session keeps running.
func handleAttach(args []string) {
	fs := flag.NewFlagSet("attach", flag.ExitOnError)
	addr := fs.String("addr", defaultAddr(), "daemon address")
	_ = fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: ptydeck attach <session-id>")
		os.Exit(1)
	}
	sessionID := fs.Arg(0)

	wsURL := fmt.Sprintf("ws://%s/ws/session/%s", *addr, sessionID)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "attach failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set raw mode: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = term.Restore(int(os.Stdin.Fd()), oldState) }()

	var writeMu sync.Mutex
	send := func(msg attachMessage) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(msg)
	}

	sendSize := func() {
		if ws, err := pty.GetsizeFull(os.Stdin); err == nil {
			_ = send(attachMessage{Type: "resize", Cols: int(ws.Cols), Rows: int(ws.Rows)})
		}
	}

	sigwinch := make(chan os.Signal, 1)
	signal.Notify(sigwinch, syscall.SIGWINCH)
	defer signal.Stop(sigwinch)

	done := make(chan struct{})
	var closeOnce sync.Once
	finish := func() { closeOnce.Do(func() { close(done) }) }

	go func() {
		for {
			select {
			case <-done:
				return
			case <-sigwinch:
				sendSize()
			}
		}
	}()
	sendSize()

	// Server to terminal: binary frames are raw output, text frames are
	// status messages handled quietly.
	go func() {
		defer finish()
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			switch msgType {
			case websocket.BinaryMessage:
				_, _ = os.Stdout.Write(data)
			case websocket.TextMessage:
				var status struct {
					Type  string `json:"type"`
					Event string `json:"event"`
				}
				if json.Unmarshal(data, &status) == nil && status.Event == "session_closed" {
					return
				}
			}
		}
	}()

	// Terminal to server: forward stdin, intercept Ctrl+Q (ASCII 17).
	go func() {
		defer finish()
		buf := make([]byte, 1024)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				return
			}
			if n == 1 && buf[0] == 17 {
				return
			}
			if n > 0 {
				if err := send(attachMessage{Type: "input", Data: string(buf[:n])}); err != nil {
					return
				}
			}
		}
	}()

	<-done
}
