package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/Advansoftware/whatsapp-bot-sub000/internal/expense"
	"github.com/Advansoftware/whatsapp-bot-sub000/internal/ledger"
	"github.com/Advansoftware/whatsapp-bot-sub000/internal/media"
	"github.com/Advansoftware/whatsapp-bot-sub000/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("expense-flow")
	var (
		port          = fs.IntLong("port", 8080, "HTTP server port")
		storeType     = fs.StringLong("store", "bolt", "Flow store: 'bolt', 'sqlite' or 'redis'")
		dbPath        = fs.StringLong("db", "expense-flow.db", "Database file path for the bolt and sqlite stores")
		redisAddr     = fs.StringLong("redis-addr", "localhost:6379", "Redis address for the redis store")
		redisPassword = fs.StringLong("redis-password", "", "Redis password")
		redisDB       = fs.IntLong("redis-db", 0, "Redis database number")
		flowTTL       = fs.DurationLong("flow-ttl", expense.DefaultTTL, "How long a flow survives without a message")
		purgeInterval = fs.DurationLong("purge-interval", 5*time.Minute, "How often expired flows are purged from file stores (0 disables)")
		extractorType = fs.StringLong("extractor", "gemini", "Extractor type: 'gemini' or 'ollama'")
		geminiKey     = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel   = fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		ollamaURL     = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel   = fs.StringLong("ollama-model", "qwen2.5vl", "Ollama vision model name")
		ledgerURL     = fs.StringLong("ledger-url", "", "Ledger service base URL")
		ledgerKey     = fs.StringLong("ledger-key", "", "Ledger service API key")
		mediaURL      = fs.StringLong("media-url", "", "Messaging gateway base URL for media downloads (optional)")
		mediaToken    = fs.StringLong("media-token", "", "Messaging gateway token")
		archivePath   = fs.StringLong("archive", "./receipts", "Receipt archive directory (empty disables archiving)")
		authUser      = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass      = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		_             = fs.StringLong("config", "", "Config file (optional)")
		showVersion   = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("EXPENSE_FLOW"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize flow store
	slog.Info("Initializing flow store...", "store", *storeType, "ttl", *flowTTL)
	var (
		store  expense.Store
		locker expense.Locker
		err    error
	)
	switch *storeType {
	case "bolt":
		store, err = expense.NewBoltStore(*dbPath, *flowTTL)
	case "sqlite":
		store, err = expense.NewSQLiteStore(*dbPath, *flowTTL)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     *redisAddr,
			Password: *redisPassword,
			DB:       *redisDB,
		})
		if err = client.Ping(ctx).Err(); err != nil {
			err = fmt.Errorf("connecting to redis: %w", err)
			break
		}
		store = expense.NewRedisStore(client, *flowTTL)
		// Replicas sharing Redis must also share the conversation lock
		locker = expense.NewRedisLocker(client, expense.DefaultRedisLockOptions())
	default:
		slog.Error("Invalid store type", "type", *storeType, "valid", "bolt, sqlite or redis")
		os.Exit(1)
	}
	if err != nil {
		slog.Error("Failed to initialize flow store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if purger, ok := store.(expense.Purger); ok && *purgeInterval > 0 {
		go runJanitor(ctx, purger, *purgeInterval)
	}

	// Initialize extractor based on type
	var extractor scanning.Extractor
	switch *extractorType {
	case "gemini":
		// Get Gemini API key from flag or environment
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing Gemini extractor...", "model", *geminiModel)
		extractor, err = scanning.NewGemini(apiKey, *geminiModel)
	case "ollama":
		slog.Info("Initializing Ollama extractor...", "url", *ollamaURL, "model", *ollamaModel)
		extractor, err = scanning.NewOllama(*ollamaURL, *ollamaModel)
	default:
		slog.Error("Invalid extractor type", "type", *extractorType, "valid", "gemini or ollama")
		os.Exit(1)
	}
	if err != nil {
		slog.Error("Failed to initialize extractor", "error", err)
		os.Exit(1)
	}
	defer extractor.Close()

	// Initialize ledger client
	ledgerClient, err := ledger.NewHTTPClient(*ledgerURL, *ledgerKey)
	if err != nil {
		slog.Error("Failed to initialize ledger client", "error", err)
		os.Exit(1)
	}

	// Initialize media downloader and archive
	var downloader media.Downloader
	if *mediaURL != "" {
		downloader, err = media.NewHTTPDownloader(*mediaURL, *mediaToken)
		if err != nil {
			slog.Error("Failed to initialize media downloader", "error", err)
			os.Exit(1)
		}
	}

	var storage media.Storage
	if *archivePath != "" {
		slog.Info("Initializing receipt archive...", "path", *archivePath)
		storage, err = media.NewLocalStorage(*archivePath)
		if err != nil {
			slog.Error("Failed to initialize receipt archive", "error", err)
			os.Exit(1)
		}
	}

	// Initialize service
	opts := []expense.Option{
		expense.WithMetrics(expense.NewMetricsRecorder(otel.Meter("expense-flow"))),
	}
	if locker != nil {
		opts = append(opts, expense.WithLocker(locker))
	}
	service := expense.NewService(store, extractor, ledgerClient, storage, opts...)

	// Initialize server
	basicAuth := expense.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := expense.NewServer(service, downloader, basicAuth)

	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	addr := fmt.Sprintf(":%d", *port)
	if err := server.Start(ctx, addr); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	slog.Info("Shut down", "version", version)
}

// runJanitor purges expired flows until ctx is done
func runJanitor(ctx context.Context, purger expense.Purger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := purger.Purge(ctx)
			if err != nil {
				slog.Warn("Failed to purge expired flows", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("Purged expired flows", "count", n)
			}
		}
	}
}
