package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"maps"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/micro"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/flarexio/ragvault"
	"github.com/flarexio/ragvault/encryption"
	"github.com/flarexio/ragvault/rag"

	mcpE "github.com/flarexio/ragvault/mcp"
	httpT "github.com/flarexio/ragvault/transport/http"
	natsT "github.com/flarexio/ragvault/transport/nats"
)

func main() {
	err := newCommand().Run(context.Background(), os.Args)
	if err != nil {
		log.Fatal(err.Error())
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:  "ragvault",
		Usage: "Local-first encrypted knowledge vault",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "path",
				Usage:   "Path to the vault directory",
				Sources: cli.EnvVars("RAGVAULT_PATH"),
			},
			&cli.StringFlag{
				Name:    "key-path",
				Usage:   "Path to the vault key file",
				Sources: cli.EnvVars("RAGVAULT_KEY_PATH"),
			},
			&cli.BoolFlag{
				Name:  "json-log",
				Usage: "Write production JSON logs",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Serve the vault over NATS and optionally HTTP",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "nats",
						Usage:   "NATS server URL, empty disables the NATS transport",
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
						Usage: "Vault ID used in the NATS topic",
						Value: "local",
					},
					&cli.BoolFlag{
						Name:  "http",
						Usage: "Enable HTTP transport",
					},
					&cli.StringFlag{
						Name:  "http-addr",
						Usage: "HTTP server address",
						Value: ":8080",
					},
				},
				Action: serve,
			},
			{
				Name:   "mcp",
				Usage:  "Serve MCP tools over stdio against the local vault",
				Action: serveStdio,
			},
			{
				Name:      "index",
				Usage:     "Index files or a directory",
				ArgsUsage: "[file...]",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "dir",
						Usage: "Directory to index",
					},
					&cli.StringSliceFlag{
						Name:  "ext",
						Usage: "File extensions to index from the directory",
					},
					&cli.BoolFlag{
						Name:  "recursive",
						Usage: "Descend into subdirectories",
						Value: true,
					},
					&cli.BoolFlag{
						Name:  "encrypt",
						Usage: "Encrypt the indexed content",
					},
					&cli.StringFlag{
						Name:  "project",
						Usage: "Project to index under, defaults to the current project",
					},
				},
				Action: index,
			},
			{
				Name:      "search",
				Usage:     "Search the vault",
				ArgsUsage: "<query>",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "top-k",
						Usage: "Number of results",
						Value: ragvault.DefaultTopK,
					},
					&cli.IntFlag{
						Name:  "offset",
						Usage: "Number of ranked results to skip",
					},
					&cli.StringFlag{
						Name:  "file-type",
						Usage: "Restrict results to a file type",
					},
					&cli.StringFlag{
						Name:  "project",
						Usage: "Search this project instead of the current one",
					},
					&cli.BoolFlag{
						Name:  "all-projects",
						Usage: "Search across every project",
					},
				},
				Action: search,
			},
			{
				Name:      "ask",
				Usage:     "Answer a question from the vault",
				ArgsUsage: "<question>",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "max-tokens",
						Usage: "Context token budget",
					},
					&cli.StringFlag{
						Name:  "strategy",
						Usage: "Context strategy: concise, comprehensive, code-focused or doc-focused",
					},
					&cli.BoolFlag{
						Name:  "context-only",
						Usage: "Print the assembled context without generating an answer",
					},
					&cli.StringFlag{
						Name:  "project",
						Usage: "Answer from this project instead of the current one",
					},
					&cli.BoolFlag{
						Name:  "all-projects",
						Usage: "Answer from every project",
					},
				},
				Action: ask,
			},
			{
				Name:      "delete",
				Usage:     "Delete a document",
				ArgsUsage: "<document-id>",
				Action:    deleteDocument,
			},
			{
				Name:      "reindex",
				Usage:     "Reindex a document under a new id",
				ArgsUsage: "<document-id>",
				Action:    reindex,
			},
			{
				Name:   "stats",
				Usage:  "Show vault statistics and the context window recommendation",
				Action: stats,
			},
			{
				Name:  "project",
				Usage: "Manage the current project",
				Commands: []*cli.Command{
					{
						Name:      "set",
						Aliases:   []string{"create"},
						Usage:     "Set the current project",
						ArgsUsage: "<name>",
						Action:    setProject,
					},
					{
						Name:   "get",
						Usage:  "Show the current project",
						Action: getProject,
					},
					{
						Name:   "list",
						Usage:  "List indexed projects",
						Action: listProjects,
					},
				},
			},
			{
				Name:   "keygen",
				Usage:  "Generate the vault key file",
				Action: keygen,
			},
		},
	}
}

func vaultPath(cmd *cli.Command) (string, error) {
	path := cmd.String("path")
	if path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(homeDir, ".flarex", "ragvault"), nil
}

func setupLogger(cmd *cli.Command) (*zap.Logger, error) {
	var (
		log *zap.Logger
		err error
	)

	if cmd.Bool("json-log") {
		log, err = zap.NewProduction()
	} else {
		log, err = zap.NewDevelopment()
	}

	if err != nil {
		return nil, err
	}

	zap.ReplaceGlobals(log)
	return log, nil
}

func loadConfig(cmd *cli.Command) (ragvault.Config, error) {
	path, err := vaultPath(cmd)
	if err != nil {
		return ragvault.Config{}, err
	}

	cfg, err := ragvault.LoadConfig(path)
	if err != nil {
		return cfg, err
	}

	if keyPath := cmd.String("key-path"); keyPath != "" {
		cfg.Encryption.KeyPath = keyPath
	}

	return cfg, nil
}

func openService(ctx context.Context, cmd *cli.Command) (ragvault.Service, *zap.Logger, error) {
	log, err := setupLogger(cmd)
	if err != nil {
		return nil, nil, err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}

	svc, err := ragvault.Open(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	svc = ragvault.LoggingMiddleware(log)(svc)
	return svc, log, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func mcpEndpoints(svc ragvault.Service) map[mcp.MCPMethod]mcpE.MCPEndpoint {
	endpoints := make(map[mcp.MCPMethod]mcpE.MCPEndpoint)
	endpoints[mcp.MethodInitialize] = mcpE.InitializeEndpoint(svc)
	endpoints[mcp.MethodPing] = mcpE.PingEndpoint(svc)
	endpoints[mcp.MethodToolsList] = mcpE.ListToolsEndpoint(svc)
	endpoints[mcp.MethodToolsCall] = mcpE.CallToolEndpoint(svc)
	return endpoints
}

func serve(ctx context.Context, cmd *cli.Command) error {
	svc, log, err := openService(ctx, cmd)
	if err != nil {
		return err
	}
	defer log.Sync()
	defer svc.Close()

	endpoints := ragvault.NewEndpointSet(svc)

	// Add NATS Transport
	if natsURL := cmd.String("nats"); natsURL != "" {
		vaultID := cmd.String("vault-id")

		opts := []nats.Option{
			nats.Name("RAGVault Server - " + vaultID),
		}

		if creds := cmd.String("nats-creds"); creds != "" {
			opts = append(opts, nats.UserCredentials(creds))
		}

		nc, err := nats.Connect(natsURL, opts...)
		if err != nil {
			return err
		}
		defer nc.Drain()

		srv, err := micro.AddService(nc, micro.Config{
			Name:    "ragvault",
			Version: "1.0.0",
		})

		if err != nil {
			return err
		}
		defer srv.Stop()

		topic := "vaults." + vaultID + ".ragvault"

		root := srv.AddGroup(topic)
		natsT.AddEndpoints(root, endpoints)

		log.Info("nats transport ready", zap.String("topic", topic))
	}

	if cmd.Bool("http") {
		r := gin.Default()
		httpT.AddRouters(r, endpoints)
		httpT.AddStreamableRouters(r, mcpEndpoints(svc))

		httpAddr := cmd.String("http-addr")
		go r.Run(httpAddr)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sign := <-quit

	log.Info("graceful shutdown", zap.String("signal", sign.String()))
	return nil
}

func serveStdio(ctx context.Context, cmd *cli.Command) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	svc, log, err := openService(ctx, cmd)
	if err != nil {
		return err
	}
	defer log.Sync()
	defer svc.Close()

	s := mcpE.NewStdioMCPServer(os.Stdin, os.Stdout)
	for method, endpoint := range mcpEndpoints(svc) {
		if err := s.AddEndpoint(method, endpoint); err != nil {
			return err
		}
	}

	err = s.Listen(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

func index(ctx context.Context, cmd *cli.Command) error {
	svc, log, err := openService(ctx, cmd)
	if err != nil {
		return err
	}
	defer log.Sync()
	defer svc.Close()

	var resp ragvault.IndexResponse

	dir := cmd.String("dir")
	switch {
	case dir != "":
		recursive := cmd.Bool("recursive")

		resp, err = svc.IngestDirectory(ctx, ragvault.IndexDirectoryRequest{
			DirectoryPath: dir,
			Extensions:    cmd.StringSlice("ext"),
			Recursive:     &recursive,
			Encrypt:       cmd.Bool("encrypt"),
			Project:       cmd.String("project"),
		})

	case cmd.NArg() > 0:
		resp, err = svc.IngestFiles(ctx, ragvault.IndexRequest{
			FilePaths: cmd.Args().Slice(),
			Encrypt:   cmd.Bool("encrypt"),
			Project:   cmd.String("project"),
		})

	default:
		return errors.New("a directory or at least one file is required")
	}

	if err != nil {
		return err
	}

	return printJSON(&resp)
}

func search(ctx context.Context, cmd *cli.Command) error {
	query := cmd.Args().First()
	if query == "" {
		return ragvault.ErrMissingQuery
	}

	svc, log, err := openService(ctx, cmd)
	if err != nil {
		return err
	}
	defer log.Sync()
	defer svc.Close()

	offset := cmd.Int("offset")

	results, err := svc.Search(ctx, ragvault.SearchRequest{
		Query:       query,
		TopK:        cmd.Int("top-k"),
		Offset:      offset,
		FileType:    cmd.String("file-type"),
		Project:     cmd.String("project"),
		AllProjects: cmd.Bool("all-projects"),
	})

	if err != nil {
		return err
	}

	for i, r := range results {
		fmt.Printf("[%d] %s (%s) id=%s score=%.4f\n", offset+i+1, r.Source, r.FileType, r.DocumentID, r.Score)
	}

	return nil
}

func ask(ctx context.Context, cmd *cli.Command) error {
	query := cmd.Args().First()
	if query == "" {
		return ragvault.ErrMissingQuery
	}

	svc, log, err := openService(ctx, cmd)
	if err != nil {
		return err
	}
	defer log.Sync()
	defer svc.Close()

	req := ragvault.QueryRequest{
		Query:     query,
		MaxTokens:   cmd.Int("max-tokens"),
		Strategy:    rag.Strategy(cmd.String("strategy")),
		Project:     cmd.String("project"),
		AllProjects: cmd.Bool("all-projects"),
	}

	if cmd.Bool("context-only") {
		c, err := svc.BuildContext(ctx, req)
		if err != nil {
			return err
		}

		fmt.Println(c.Text)
		return nil
	}

	answer, err := svc.GenerateAnswer(ctx, req)
	if err != nil {
		return err
	}

	if !answer.Generated {
		for _, w := range answer.Warnings {
			fmt.Fprintln(os.Stderr, "warning:", w)
		}

		fmt.Println(answer.Context.Text)
		return nil
	}

	fmt.Println(answer.Answer)
	return nil
}

func deleteDocument(ctx context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return ragvault.ErrMissingDocumentID
	}

	svc, log, err := openService(ctx, cmd)
	if err != nil {
		return err
	}
	defer log.Sync()
	defer svc.Close()

	return svc.Delete(ctx, id)
}

func reindex(ctx context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return ragvault.ErrMissingDocumentID
	}

	svc, log, err := openService(ctx, cmd)
	if err != nil {
		return err
	}
	defer log.Sync()
	defer svc.Close()

	newID, err := svc.Reindex(ctx, id)
	if err != nil {
		return err
	}

	return printJSON(&ragvault.ReindexResponse{
		DocumentID: newID,
		PreviousID: id,
	})
}

func stats(ctx context.Context, cmd *cli.Command) error {
	svc, log, err := openService(ctx, cmd)
	if err != nil {
		return err
	}
	defer log.Sync()
	defer svc.Close()

	s, err := svc.Stats(ctx)
	if err != nil {
		return err
	}

	if rec := s.Recommendation; rec != nil {
		fmt.Fprintf(os.Stderr, "recommendation (%s confidence): %s\n", rec.Confidence, rec.Reason)
	}

	return printJSON(&s)
}

func setProject(ctx context.Context, cmd *cli.Command) error {
	name := cmd.Args().First()
	if name == "" {
		return ragvault.ErrMissingProject
	}

	path, err := vaultPath(cmd)
	if err != nil {
		return err
	}

	if err := ragvault.SetProject(path, name); err != nil {
		return err
	}

	fmt.Println("current project:", name)
	return nil
}

func getProject(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if cfg.Project == "" {
		fmt.Println("no current project, documents are indexed unscoped")
		return nil
	}

	fmt.Println(cfg.Project)
	return nil
}

func listProjects(ctx context.Context, cmd *cli.Command) error {
	svc, log, err := openService(ctx, cmd)
	if err != nil {
		return err
	}
	defer log.Sync()
	defer svc.Close()

	s, err := svc.Stats(ctx)
	if err != nil {
		return err
	}

	names := slices.Sorted(maps.Keys(s.Projects))
	if s.Project != "" && !slices.Contains(names, s.Project) {
		names = append(names, s.Project)
	}

	for _, name := range names {
		marker := ""
		if name == s.Project {
			marker = " (current)"
		}

		fmt.Printf("%s: %d documents%s\n", name, s.Projects[name], marker)
	}

	return nil
}

func keygen(ctx context.Context, cmd *cli.Command) error {
	log, err := setupLogger(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if _, err := encryption.WriteKeyFile(cfg.Encryption.KeyPath); err != nil {
		return err
	}

	log.Info("vault key written", zap.String("path", cfg.Encryption.KeyPath))
	return nil
}
