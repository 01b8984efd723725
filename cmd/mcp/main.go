// wallet-guard MCP server - exposes approval monitoring as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/telanks/wallet-guard/internal/mcpserver"
	"github.com/telanks/wallet-guard/internal/validation"
)

func main() {
	_ = godotenv.Load()

	cfg := mcpserver.Config{
		APIURL: envOrDefault("GUARD_API_URL", "http://localhost:8080"),
		Owner:  os.Getenv("GUARD_OWNER"),
	}

	if cfg.Owner != "" {
		owner, err := validation.NormalizeAddress(cfg.Owner)
		if err != nil {
			fmt.Fprintln(os.Stderr, "GUARD_OWNER must be a valid address")
			os.Exit(1)
		}
		cfg.Owner = owner
	}

	s := mcpserver.NewMCPServer(cfg)
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
