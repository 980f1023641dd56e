// chatd – the chat relay server.
//
// Usage:
//
//	chatd [--config <file>] [--port <port>]
//
// The server accepts TCP connections on the configured port (default 8080),
// assigns every client an id, routes chat, whispers, and file transfers
// between clients, and never persists or inspects message or file contents.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ianremillard/chatrelay/internal/server"
)

func main() {
	defaultConfig := "chatd.yaml"
	// CHATD_CONFIG env var overrides the default so deployments can point at
	// a config file without touching the command line.
	if env := os.Getenv("CHATD_CONFIG"); env != "" {
		defaultConfig = env
	}

	configPath := flag.String("config", defaultConfig, "config file (env: CHATD_CONFIG)")
	port := flag.Int("port", 0, "listen port (overrides config)")
	flag.Parse()

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *port != 0 {
		cfg.Port = *port
	}

	srv := server.New(cfg)
	if err := srv.Listen(); err != nil {
		log.Fatalf("chatd: %v", err)
	}

	// Graceful shutdown on SIGINT / SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received %v, shutting down", sig)
		srv.Stop()
	}()

	if err := srv.Serve(); err != nil {
		log.Fatalf("chatd: %v", err)
	}
}
