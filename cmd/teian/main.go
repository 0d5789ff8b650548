// Package main is the teian CLI entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/hyperjump/teian/internal/cli"
	"github.com/hyperjump/teian/internal/config"
	"github.com/hyperjump/teian/internal/embedding"
	"github.com/hyperjump/teian/internal/extract"
	"github.com/hyperjump/teian/internal/generate"
	"github.com/hyperjump/teian/internal/indexer"
	"github.com/hyperjump/teian/internal/models"
	"github.com/hyperjump/teian/internal/server"
	"github.com/hyperjump/teian/internal/storage"
	"github.com/hyperjump/teian/internal/vector"
	"github.com/hyperjump/teian/internal/watcher"
	"github.com/hyperjump/teian/pkg/utils"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/teian/config.yaml"

// loadConfig loads config from path. When path is the default and ./config.yaml exists,
// that file is used instead. Returns the config and the path actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	// Secrets such as OPENAI_API_KEY may come from a .env file.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "ingest":
		runIngest()
	case "search":
		runSearch()
	case "generate":
		runGenerate()
	case "status":
		runStatus()
	case "watch":
		runWatch()
	case "version", "--version", "-v":
		fmt.Printf("teian version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

// fail prints msg and err to stderr and exits with status 1.
func fail(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}

// setup loads config, creates the logger and opens every component.
func setup(configPath string, debugFlag bool) (*config.Config, string, *zap.Logger, *Components) {
	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		fail("Failed to load config", err)
	}
	debugMode := cfg.Debug || debugFlag
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fail("Failed to create logger", err)
	}
	components, err := initializeComponents(cfg, logger, debugMode)
	if err != nil {
		if errors.Is(err, vector.ErrCorruptIndexState) {
			fmt.Fprintf(os.Stderr, "The index at %s / %s cannot be loaded; restore or remove both files.\n",
				cfg.Storage.VectorPath, cfg.Storage.MetadataPath)
		}
		if errors.Is(err, vector.ErrEmbedderMismatch) {
			fmt.Fprintln(os.Stderr, "Configure the embedding provider the index was built with, or re-ingest into new index files.")
		}
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	return cfg, resolved, logger, components
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, logger, components := setup(*configPath, *debug)
	defer logger.Sync()
	defer components.Close()
	logger.Info("config loaded", zap.String("config_path", resolvedConfigPath))

	watchSvc := watcher.NewWatcher(
		components.Indexer,
		cfg.Watch.Directories,
		indexer.NewFileFilter(cfg.Ingest.Extensions, cfg.Ingest.Exclude),
		cfg.Watch.RecursiveOrDefault(),
		watcher.WithLogger(logger),
	)
	watchCtx, watchCancel := context.WithCancel(context.Background())
	defer watchCancel()
	if err := watchSvc.Start(watchCtx); err != nil {
		logger.Fatal("Failed to start watcher", zap.Error(err))
	}
	go watchSvc.SyncExistingFiles()

	srv := server.NewServer(components.Indexer, components.Generator, components.Catalog, cfg, logger, watchSvc, resolvedConfigPath)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	watchCancel()
	watchSvc.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(ctx)
}

func runIngest() {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	source := fs.String("source", "", "source name (single file or stdin only; default: file name)")
	noProgress := fs.Bool("no-progress", false, "disable the progress bar")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: teian ingest [flags] <file|dir|->...")
		os.Exit(1)
	}
	if *source != "" && fs.NArg() > 1 {
		fmt.Println("--source can only be used with a single input")
		os.Exit(1)
	}

	cfg, _, logger, components := setup(*configPath, false)
	defer logger.Sync()
	defer components.Close()

	ctx := context.Background()
	failed := false
	for _, path := range fs.Args() {
		if path == "-" {
			name, n, err := ingestReader(ctx, components.Indexer, os.Stdin, *source)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Ingest failed for %s: %v\n", name, err)
				failed = true
				continue
			}
			fmt.Printf("Ingested %s: %d chunk(s)\n", name, n)
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to stat %s: %v\n", path, err)
			failed = true
			continue
		}
		if info.IsDir() {
			progress := newIngestProgress(!*noProgress && progressEnabled())
			files, chunks, err := components.Indexer.IngestDirectory(ctx, path, cfg.Ingest.Extensions, cfg.Ingest.Exclude, progress.Update)
			progress.Finish()
			fmt.Printf("Ingested %d file(s), %d chunk(s) from %s\n", files, chunks, path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Some files failed:\n%v\n", err)
				failed = true
			}
			continue
		}
		n, err := components.Indexer.IngestFile(ctx, path, *source)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Ingest failed for %s: %v\n", path, err)
			failed = true
			continue
		}
		if n == 0 {
			fmt.Printf("Unchanged or empty, skipped: %s\n", path)
			continue
		}
		fmt.Printf("Ingested %s: %d chunk(s)\n", path, n)
	}
	if failed {
		os.Exit(1)
	}
}

// textIngester is the part of *indexer.Indexer used for stdin ingest.
type textIngester interface {
	Ingest(ctx context.Context, text, source string) (int, error)
}

// ingestReader reads r to the end and ingests it as one document. The source defaults to
// "stdin"; the name used is returned with the chunk count.
func ingestReader(ctx context.Context, ing textIngester, r io.Reader, source string) (string, int, error) {
	if source == "" {
		source = "stdin"
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return source, 0, fmt.Errorf("failed to read input: %w", err)
	}
	n, err := ing.Ingest(ctx, string(data), source)
	return source, n, err
}

// buildSearchQuery joins all positional args with spaces so multi-word queries
// work the same with or without shell quoting.
func buildSearchQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// argsReorder moves any flags (and their values) that appear after the positional
// arguments to the front, since flag.Parse stops at the first non-flag argument.
func argsReorder(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

func runSearch() {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", "", "server URL (empty = open the index directly; do not use while a server owns it)")
	topK := fs.Int("top-k", 0, "number of results (default from config)")
	outputFormat := fs.String("output", "text", "output format: text, compact or json")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: teian search [flags] <query>\n\n")
		fs.PrintDefaults()
	}
	_ = fs.Parse(argsReorder(os.Args[2:]))

	queryStr := buildSearchQuery(fs.Args())
	if queryStr == "" {
		fs.Usage()
		os.Exit(1)
	}
	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fail("Invalid flag", err)
	}

	var response *models.SearchResponse
	if *serverURL != "" {
		response = &models.SearchResponse{}
		err = newAPIClient(*serverURL).post("/api/v1/search", models.SearchQuery{Query: queryStr, TopK: *topK}, response)
	} else {
		_, _, logger, components := setup(*configPath, false)
		defer logger.Sync()
		defer components.Close()
		response, err = components.Indexer.Search(context.Background(), queryStr, *topK)
	}
	if err != nil {
		fail("Search failed", err)
	}
	if err := cli.WriteSearchResults(os.Stdout, response, format); err != nil {
		fail("Output failed", err)
	}
}

func runGenerate() {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", "", "server URL (empty = open the index directly)")
	templateName := fs.String("template", "", "template name (default from config)")
	topK := fs.Int("top-k", 0, "number of context chunks (default from config)")
	outputFormat := fs.String("output", "text", "output format: text, compact or json")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: teian generate [flags] <prompt>\n\n")
		fs.PrintDefaults()
	}
	_ = fs.Parse(argsReorder(os.Args[2:]))

	prompt := buildSearchQuery(fs.Args())
	if prompt == "" {
		fs.Usage()
		os.Exit(1)
	}
	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fail("Invalid flag", err)
	}
	req := models.GenerateRequest{Prompt: prompt, Template: *templateName, TopK: *topK}

	var response *models.GenerateResponse
	if *serverURL != "" {
		response = &models.GenerateResponse{}
		err = newAPIClient(*serverURL).post("/api/v1/generate", req, response)
	} else {
		_, _, logger, components := setup(*configPath, false)
		defer logger.Sync()
		defer components.Close()
		response, err = components.Generator.Generate(context.Background(), req)
	}
	if err != nil {
		fail("Generate failed", err)
	}
	if err := cli.WriteGenerateResult(os.Stdout, response, format); err != nil {
		fail("Output failed", err)
	}
}

// statusResponse is the shape of the GET /api/v1/status response.
type statusResponse struct {
	Documents       int64          `json:"documents"`
	Chunks          int64          `json:"chunks"`
	IndexRecords    int            `json:"index_records"`
	IndexDimension  int            `json:"index_dimension"`
	IndexGeneration string         `json:"index_generation"`
	IndexEmbedder   string         `json:"index_embedder,omitempty"`
	DiskUsageBytes  *int64         `json:"disk_usage_bytes,omitempty"`
	Config          map[string]any `json:"config,omitempty"`
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", "", "server URL (empty = open the index directly)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	var status statusResponse
	if *serverURL != "" {
		if err := newAPIClient(*serverURL).get("/api/v1/status", &status); err != nil {
			fail("Status failed", err)
		}
	} else {
		cfg, _, logger, components := setup(*configPath, false)
		defer logger.Sync()
		defer components.Close()
		ctx := context.Background()
		docCount, err := components.Catalog.CountDocuments(ctx)
		if err != nil {
			fail("Count documents failed", err)
		}
		chunkCount, err := components.Catalog.CountChunks(ctx)
		if err != nil {
			fail("Count chunks failed", err)
		}
		status = statusResponse{
			Documents:       docCount,
			Chunks:          chunkCount,
			IndexRecords:    components.Index.Len(),
			IndexDimension:  components.Index.Dimension(),
			IndexGeneration: components.Index.Generation(),
			IndexEmbedder:   components.Index.Embedder(),
			Config: map[string]any{
				"embedding_provider": cfg.Embedding.Provider,
				"chunk_size":         cfg.Chunking.ChunkSize,
				"chunk_overlap":      cfg.Chunking.OverlapOrDefault(),
				"vector_path":        cfg.Storage.VectorPath,
				"metadata_path":      cfg.Storage.MetadataPath,
				"database_path":      cfg.Storage.DatabasePath,
			},
		}
		if diskBytes, err := storage.DiskUsageBytes(cfg.Storage.VectorPath, cfg.Storage.MetadataPath, cfg.Storage.DatabasePath); err == nil {
			status.DiskUsageBytes = &diskBytes
		}
	}

	switch *outputFormat {
	case "json":
		if err := writeJSON(os.Stdout, status); err != nil {
			fail("Output failed", err)
		}
	case "text":
		writeStatusText(os.Stdout, &status)
	default:
		fmt.Fprintf(os.Stderr, "Unknown output format %q; use text or json\n", *outputFormat)
		os.Exit(1)
	}
}

func writeStatusText(w io.Writer, status *statusResponse) {
	fmt.Fprintf(w, "documents:          %d   # documents in the catalog\n", status.Documents)
	fmt.Fprintf(w, "chunks:             %d   # chunks recorded in the catalog\n", status.Chunks)
	fmt.Fprintf(w, "index_records:      %d   # vectors in the index\n", status.IndexRecords)
	fmt.Fprintf(w, "index_dimension:    %d\n", status.IndexDimension)
	if status.IndexGeneration != "" {
		fmt.Fprintf(w, "index_generation:   %s\n", status.IndexGeneration)
	}
	if status.IndexEmbedder != "" {
		fmt.Fprintf(w, "index_embedder:     %s\n", status.IndexEmbedder)
	}
	if status.DiskUsageBytes != nil {
		fmt.Fprintf(w, "disk_usage_bytes:   %d   # index + catalog on disk\n", *status.DiskUsageBytes)
	}
	if len(status.Config) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "# configuration")
		for _, key := range []string{"embedding_provider", "generation_provider", "chunk_size", "chunk_overlap", "vector_path", "metadata_path", "database_path", "template_dir"} {
			if v, ok := status.Config[key]; ok {
				fmt.Fprintf(w, "%-19s %v\n", key+":", v)
			}
		}
	}
}

func runWatch() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: teian watch <add|remove|list> [path]")
		os.Exit(1)
	}
	sub := os.Args[2]
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "server URL")
	_ = fs.Parse(argsReorder(os.Args[3:]))
	client := newAPIClient(*serverURL)

	switch sub {
	case "add", "remove":
		if fs.NArg() < 1 {
			fmt.Printf("Usage: teian watch %s <path>\n", sub)
			os.Exit(1)
		}
		path, err := filepath.Abs(fs.Arg(0))
		if err != nil {
			fail("Invalid path", err)
		}
		if sub == "add" {
			err = client.post("/api/v1/watch/directories", map[string]any{"path": path, "sync": true}, nil)
		} else {
			err = client.delete("/api/v1/watch/directories", path)
		}
		if err != nil {
			fail("Watch "+sub+" failed", err)
		}
		fmt.Printf("%s: %s\n", map[string]string{"add": "Added", "remove": "Removed"}[sub], path)
	case "list":
		var out struct {
			Directories []string `json:"directories"`
		}
		if err := client.get("/api/v1/watch/directories", &out); err != nil {
			fail("Watch list failed", err)
		}
		for _, d := range out.Directories {
			fmt.Println(d)
		}
	default:
		fmt.Printf("Unknown watch subcommand: %s\n", sub)
		os.Exit(1)
	}
}

// Components holds initialized services.
type Components struct {
	Catalog   *storage.SQLiteCatalog
	Embedder  embedding.Embedder
	Index     *vector.Index
	Indexer   *indexer.Indexer
	Generator *generate.Service
}

func (c *Components) Close() {
	if c.Catalog != nil {
		_ = c.Catalog.Close()
	}
	if c.Embedder != nil {
		_ = c.Embedder.Close()
	}
}

func initializeComponents(cfg *config.Config, logger *zap.Logger, debug bool) (*Components, error) {
	c := &Components{}
	catalog, err := storage.NewSQLiteCatalog(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize catalog: %w", err)
	}
	c.Catalog = catalog

	embedder, err := embedding.New(&cfg.Embedding, logger)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}
	c.Embedder = embedder

	index, err := vector.Open(embedder,
		vector.WithPaths(cfg.Storage.VectorPath, cfg.Storage.MetadataPath),
		vector.WithEmbedder(embedder.Name()),
		vector.WithLogger(logger))
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to open vector index: %w", err)
	}
	c.Index = index
	logger.Info("vector index opened",
		zap.Int("records", index.Len()),
		zap.Int("dimension", index.Dimension()),
		zap.String("generation", index.Generation()))

	var idxOpts []indexer.IndexerOption
	if debug {
		idxOpts = append(idxOpts, indexer.WithLogger(logger))
	}
	idx, err := indexer.NewIndexer(index, catalog, extract.NewExtractor(), &cfg.Chunking, &cfg.Search, idxOpts...)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize indexer: %w", err)
	}
	c.Indexer = idx

	templates, err := generate.NewTemplateStore(cfg.Storage.TemplateDir)
	if err != nil {
		c.Close()
		return nil, err
	}
	gen, err := generate.NewGenerator(&cfg.Generation, logger)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Generator = generate.NewService(idx, templates, gen, cfg.Generation.DefaultTemplate, generate.WithLogger(logger))
	return c, nil
}

func printUsage() {
	fmt.Println(`teian - proposal drafting over your own documents

Usage:
  teian server [flags]               Start the HTTP server (and directory watcher)
  teian ingest [flags] <path|->...   Ingest files, directories or stdin
  teian search [flags] <query>       Search indexed chunks
  teian generate [flags] <prompt>    Generate text from a prompt and retrieved context
  teian status [flags]               Show catalog and index status
  teian watch <add|remove|list>      Manage watched directories of a running server
  teian version                      Show version
  teian help                         Show this help

Common Flags:
  --config string    Config file path (default: /usr/local/etc/teian/config.yaml, or ./config.yaml)
  --server string    Server URL for search, generate and status. Empty opens the index
                     directly; do not do that while a server is running on the same files.
  --output string    text, compact or json

Search / Generate Flags:
  --top-k int        Number of results or context chunks (default from config)
  --template string  Template name for generate (default from config)

Ingest Flags:
  --source string    Source name for a single file or stdin
  --no-progress      Disable the progress bar for directories

Examples:
  teian ingest ./proposals
  cat notes.txt | teian ingest --source notes.txt -
  teian search "solar farm budget"
  teian search --server http://localhost:8080 --output json solar farm
  teian generate --template proposal.tmpl "Draft a proposal for a wind farm"
  teian status --output json
  teian watch add /path/to/docs`)
}
