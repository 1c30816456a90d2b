// Command chatd runs one node of the federated chat backbone.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/petervdpas/chatbackbone/internal/config"
	"github.com/petervdpas/chatbackbone/internal/idgen"
	"github.com/petervdpas/chatbackbone/internal/logging"
	"github.com/petervdpas/chatbackbone/internal/server"
)

var (
	configPath = flag.String("config", "", "Path to a chatd YAML config file")
	serverID   = flag.String("server-id", "", "Override the configured server id")
	udpPort    = flag.Int("udp-port", 0, "Override the configured discovery UDP port")
	tcpPort    = flag.Int("tcp-port", 0, "Override the configured mesh/client TCP port")
	showVer    = flag.Bool("version", false, "Show version")
)

var chatdVersion = "dev"

func main() {
	flag.Parse()

	if *showVer {
		fmt.Printf("chatd v%s\n", chatdVersion)
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("chatd: %v", err)
	}

	if err := logging.SetLevel(cfg.Logging.Level); err != nil {
		log.Fatalf("chatd: invalid log level %q: %v", cfg.Logging.Level, err)
	}

	srv, err := server.New(cfg)
	if err != nil {
		log.Fatalf("chatd: %v", err)
	}

	if *configPath != "" {
		watcher, err := config.Watch(*configPath, cfg, func(next config.Config) {
			if err := logging.SetLevel(next.Logging.Level); err != nil {
				logging.Server.Warnw("reloaded config has invalid log level, keeping previous", "level", next.Logging.Level, "err", err)
				return
			}
			logging.Server.Infow("config reloaded", "level", next.Logging.Level)
		})
		if err != nil {
			logging.Server.Warnw("config watch failed, continuing without hot-reload", "err", err)
		} else {
			defer watcher.Close()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("chatd: shutting down gracefully...")
		cancel()
	}()

	logging.Server.Infow("starting chatd", "serverId", cfg.Server.ServerID, "udpPort", cfg.Server.UDPPort, "tcpPort", cfg.Server.TCPPort)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("chatd: %v", err)
	}
}

func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return config.Config{}, fmt.Errorf("load config %s: %w", *configPath, err)
		}
		cfg = loaded
	}

	if *serverID != "" {
		cfg.Server.ServerID = *serverID
	}
	if *udpPort != 0 {
		cfg.Server.UDPPort = *udpPort
	}
	if *tcpPort != 0 {
		cfg.Server.TCPPort = *tcpPort
	}

	if cfg.Server.ServerID == "" {
		hostname, _ := os.Hostname()
		cfg.Server.ServerID = idgen.DefaultServerID(hostname)
	}

	return cfg, cfg.Validate()
}
