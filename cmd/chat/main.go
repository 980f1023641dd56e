// chat – the console client for the chatd relay server.
//
// Usage:
//
//	chat [--config <file>] [--host <host>] [--port <port>] [--downloads <dir>]
//
// Commands once connected:
//
//	/n <name>        register (or change) your display name
//	/w <name> <msg>  whisper to a named user
//	/f <name> <path> send a file to a named user
//	exit             disconnect and quit
//	<anything else>  broadcast chat
//
// Received files are written to the downloads directory (default ./downloads).
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"net"
	"os"

	"golang.org/x/term"

	"github.com/ianremillard/chatrelay/internal/client"
)

func main() {
	defaultConfig := "chat.yaml"
	if env := os.Getenv("CHAT_CONFIG"); env != "" {
		defaultConfig = env
	}

	configPath := flag.String("config", defaultConfig, "config file (env: CHAT_CONFIG)")
	host := flag.String("host", "", "server host (overrides config)")
	port := flag.Int("port", 0, "server port (overrides config)")
	downloads := flag.String("downloads", "", "downloads directory (overrides config)")
	flag.Parse()

	cfg, err := client.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *downloads != "" {
		cfg.DownloadsDir = *downloads
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		log.Fatalf("connect to %s: %v", addr, err)
	}

	sess := client.New(nc, cfg, os.Stdout)
	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	if interactive {
		sess.Progress = progressLine
	}

	// Reader goroutine: the mirror state machine. When it ends the server is
	// gone and the program should exit.
	readErr := make(chan error, 1)
	go func() { readErr <- sess.Run() }()

	// Console goroutine: one parsed line at a time.
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 64*1024), 64*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case err := <-readErr:
			if err != nil {
				log.Fatalf("connection lost: %v", err)
			}
			return

		case line, ok := <-lines:
			if !ok {
				// Stdin closed (EOF); disconnect gracefully.
				sess.Disconnect()
				<-readErr
				return
			}
			exit, err := sess.HandleLine(line)
			if err != nil {
				fmt.Fprintf(os.Stderr, "chat: %v\n", err)
			}
			if exit {
				<-readErr
				return
			}
		}
	}
}

// progressLine renders in-place transfer progress, clipped to the terminal
// width so a long file name cannot wrap and stack lines.
func progressLine(fileName string, sent, total int64) {
	pct := int64(100)
	if total > 0 {
		pct = sent * 100 / total
	}
	line := fmt.Sprintf("sending %s %d%% (%d/%d bytes)", fileName, pct, sent, total)
	if width, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && len(line) > width-1 && width > 1 {
		line = line[:width-1]
	}
	fmt.Printf("\r%s", line)
	if sent >= total {
		fmt.Println()
	}
}
