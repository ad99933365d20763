package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/nats-io/nats.go"
	"github.com/urfave/cli/v3"

	"github.com/flarexio/ragvault"

	mcpE "github.com/flarexio/ragvault/mcp"
	natsT "github.com/flarexio/ragvault/transport/nats"
)

func main() {
	cmd := &cli.Command{
		Name:  "ragvault_mcp_server",
		Usage: "RAGVault MCP Server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "nats",
				Usage:   "NATS server URL",
				Value:   nats.DefaultURL,
				Sources: cli.EnvVars("NATS_URL"),
			},
			&cli.StringFlag{
				Name:    "nats-creds",
				Usage:   "NATS user credentials file",
				Sources: cli.EnvVars("NATS_CREDS"),
			},
			&cli.StringFlag{
				Name:  "vault-id",
				Usage: "Vault ID of the RAGVault service",
				Value: "local",
			},
		},
		Action: run,
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		log.Fatal(err.Error())
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	vaultID := cmd.String("vault-id")
	natsURL := cmd.String("nats")

	opts := []nats.Option{
		nats.Name("RAGVault MCP Server - " + vaultID),
	}

	if creds := cmd.String("nats-creds"); creds != "" {
		opts = append(opts, nats.UserCredentials(creds))
	}

	nc, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return err
	}
	defer nc.Drain()

	topic := fmt.Sprintf("vaults.%s.ragvault", vaultID)
	endpoints := natsT.MakeEndpoints(nc, topic)

	var svc ragvault.Service
	svc = ragvault.ProxyMiddleware(endpoints)(svc)

	s := mcpE.NewStdioMCPServer(os.Stdin, os.Stdout)
	s.AddEndpoint(mcp.MethodInitialize, mcpE.InitializeEndpoint(svc))
	s.AddEndpoint(mcp.MethodPing, mcpE.PingEndpoint(svc))
	s.AddEndpoint(mcp.MethodToolsList, mcpE.ListToolsEndpoint(svc))
	s.AddEndpoint(mcp.MethodToolsCall, mcpE.CallToolEndpoint(svc))

	err = s.Listen(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}
