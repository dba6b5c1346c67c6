// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Command proxyd is the console session broker: an MCP stdio server that
// mediates between an MCP client and one or more long-lived PowerShell
// console peers reachable over named pipes.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/mark3labs/mcp-go/server"

	"github.com/hyper-ai-inc/consolebroker/internal/launch"
	"github.com/hyper-ai-inc/consolebroker/internal/logging"
	"github.com/hyper-ai-inc/consolebroker/internal/peer"
	"github.com/hyper-ai-inc/consolebroker/internal/pipename"
	"github.com/hyper-ai-inc/consolebroker/internal/registration"
	"github.com/hyper-ai-inc/consolebroker/internal/session"
	"github.com/hyper-ai-inc/consolebroker/internal/tools"
)

const serverVersion = "0.1.0"

type config struct {
	basePipeName string
	logLevel     string
	peerCommand  string
}

func parseConfig() config {
	cfg := config{
		basePipeName: envOr("CONSOLEBROKER_BASE_PIPE_NAME", pipename.DefaultBase),
		logLevel:     envOr("CONSOLEBROKER_LOG_LEVEL", "info"),
		peerCommand:  os.Getenv("CONSOLEBROKER_PEER_COMMAND"),
	}

	flag.StringVar(&cfg.basePipeName, "base-pipe-name", cfg.basePipeName, "pipe-name prefix this broker and its peers share")
	flag.StringVar(&cfg.logLevel, "log-level", cfg.logLevel, "debug, info, warn, or error")
	flag.StringVar(&cfg.peerCommand, "peer-command", cfg.peerCommand, "command used to launch a new peer console host")
	flag.Parse()

	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	cfg := parseConfig()
	log := logging.New(logging.ParseLevel(cfg.logLevel))
	peer.ProxyVersion = serverVersion

	mgr := session.NewManager(cfg.basePipeName)
	reg := registration.New(cfg.basePipeName, mgr, log)
	if err := reg.Start(); err != nil {
		log.Error("[proxyd] registration server failed to start", "error", err)
		os.Exit(1)
	}
	defer reg.Stop()

	peerCommand, peerArgs := splitPeerCommand(cfg.peerCommand)
	launcher := &launch.Launcher{
		Command: peerCommand,
		Args:    peerArgs,
		Base:    cfg.basePipeName,
		Mgr:     mgr,
		Reg:     reg,
		Log:     log,
	}

	handlers := &tools.Handlers{
		Mgr:    mgr,
		Log:    log,
		Launch: launcher.Launch,
	}

	mcpServer := server.NewMCPServer(
		"consolebroker",
		serverVersion,
		server.WithToolCapabilities(true),
	)
	mcpServer.AddTools(handlers.ServerTools()...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("[proxyd] starting", "basePipeName", cfg.basePipeName, "peerCommand", peerCommand)
	go func() {
		<-ctx.Done()
		log.Info("[proxyd] shutting down")
		_ = reg.Stop()
	}()

	if err := server.ServeStdio(mcpServer); err != nil {
		log.Error("[proxyd] stdio server exited with error", "error", err)
		os.Exit(1)
	}
}

func splitPeerCommand(configured string) (string, []string) {
	if configured == "" {
		return launch.DefaultCommandFor(runtime.GOOS)
	}
	return configured, nil
}
