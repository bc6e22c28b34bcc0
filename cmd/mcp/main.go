// spendgate MCP server - exposes spend authorization as MCP tools for LLM agents
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/spendgate/internal/mcpserver"
)

// Version is set by ldflags.
var Version = "dev"

func main() {
	_ = godotenv.Load()

	cfg := mcpserver.Config{
		APIURL:   envOrDefault("SPENDGATE_API_URL", "http://localhost:8080"),
		APIKey:   os.Getenv("SPENDGATE_API_KEY"),
		WalletID: os.Getenv("SPENDGATE_WALLET_ID"),
	}

	if cfg.WalletID == "" {
		fmt.Fprintln(os.Stderr, "SPENDGATE_WALLET_ID is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg, Version)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
