// Command meridiand is the control-plane process entrypoint: it loads
// config, builds every runtime collaborator, starts the runtime, and waits
// for an OS signal to drive a graceful shutdown. It also exposes an
// operator "audit verify" subcommand. Sets up clue logging/flags and a
// cobra root plus signal-driven shutdown.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nexus-rpc/sdk-go/nexus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/log"

	"github.com/meridian-run/meridian/audit"
	"github.com/meridian-run/meridian/bridge"
	"github.com/meridian-run/meridian/config"
	"github.com/meridian-run/meridian/journal"
	journalmongo "github.com/meridian-run/meridian/journal/mongo"
	"github.com/meridian-run/meridian/planner"
	plannerAnthropic "github.com/meridian-run/meridian/planner/anthropic"
	"github.com/meridian-run/meridian/runtime"
	"github.com/meridian-run/meridian/sandbox"
	"github.com/meridian-run/meridian/secrets"
	"github.com/meridian-run/meridian/telemetry"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

var (
	configPathF string
	debugF      bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "meridiand",
	Short: "Meridian agentic task runtime control plane",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPathF, "config", "./meridian.yaml", "path to the YAML config document")
	rootCmd.PersistentFlags().BoolVar(&debugF, "debug", false, "enable debug logging")
	rootCmd.AddCommand(serveCmd, auditCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the control plane until signaled to stop",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func newContext() context.Context {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if debugF {
		ctx = log.Context(ctx, log.WithDebug())
	}
	return ctx
}

func runServe() error {
	ctx := newContext()

	cfg, err := config.Load(configPathF)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	opts := runtime.Options{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics,
	}

	if addr := os.Getenv("MERIDIAN_REDIS_ADDR"); addr != "" {
		opts.Redis = redis.NewClient(&redis.Options{Addr: addr})
	}

	if uri := os.Getenv("MERIDIAN_JOURNAL_MONGO_URI"); uri != "" {
		journalStore, err := buildJournal(ctx, uri)
		if err != nil {
			return fmt.Errorf("build journal: %w", err)
		}
		opts.Journal = journalStore
	}

	if masterKeyHex := os.Getenv("MERIDIAN_SECRETS_MASTER_KEY"); masterKeyHex != "" {
		vault, err := buildSecretsVault(cfg, masterKeyHex)
		if err != nil {
			return fmt.Errorf("build secrets vault: %w", err)
		}
		opts.Secrets = vault
	}

	gears, summaries, err := loadGears(ctx, filepath.Join(cfg.DataDir, "gears"))
	if err != nil {
		return fmt.Errorf("load gear manifests: %w", err)
	}

	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		model := os.Getenv("MERIDIAN_PLANNER_MODEL")
		if model == "" {
			model = "claude-sonnet-4-5"
		}
		client := sdk.NewClient(option.WithAPIKey(apiKey))
		opts.Planner = plannerAnthropic.New(client.Messages, model, 4096, summaries)
	}

	rt, err := runtime.New(ctx, opts)
	if err != nil {
		return fmt.Errorf("construct runtime: %w", err)
	}
	for _, manifest := range gears {
		rt.Gears.Register(manifest)
	}

	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("start runtime: %w", err)
	}
	logger.Info(ctx, "meridiand started", "workers", cfg.Workers, "sandbox_mode", string(cfg.SandboxMode))

	var httpServer *http.Server
	if rt.Bridge != nil {
		service, err := nexus.NewService(bridge.ServiceName)
		if err != nil {
			return fmt.Errorf("build bridge nexus service: %w", err)
		}
		if err := service.Register(rt.Bridge.Operations()...); err != nil {
			return fmt.Errorf("register bridge operations: %w", err)
		}
		registry := nexus.NewServiceRegistry()
		if err := registry.Register(service); err != nil {
			return fmt.Errorf("register bridge service: %w", err)
		}
		handler, err := nexus.NewHTTPHandler(nexus.HandlerOptions{Registry: registry})
		if err != nil {
			return fmt.Errorf("build bridge http handler: %w", err)
		}
		httpServer = &http.Server{Addr: ":8443", Handler: handler}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error(ctx, "bridge http server", "error", err.Error())
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info(ctx, "shutting down")

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = httpServer.Shutdown(shutdownCtx)
		cancel()
	}

	if err := rt.Stop(10 * time.Second); err != nil {
		return fmt.Errorf("stop runtime: %w", err)
	}
	logger.Info(ctx, "shutdown complete")
	return nil
}

func buildJournal(ctx context.Context, uri string) (*journal.Store, error) {
	mongoClient, err := mongodriver.Connect(mongooptions.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := mongoClient.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	client, err := journalmongo.New(journalmongo.Options{Client: mongoClient, Database: "journal"})
	if err != nil {
		return nil, err
	}
	return journal.NewStore(journal.Options{Client: client})
}

func buildSecretsVault(cfg config.Config, masterKeyHex string) (*secrets.Vault, error) {
	masterKey, err := decodeMasterKey(masterKeyHex)
	if err != nil {
		return nil, err
	}
	store, err := secrets.NewLocalStore(filepath.Join(cfg.DataDir, "secrets.enc"), masterKey)
	if err != nil {
		return nil, err
	}
	acl, err := buildACL(filepath.Join(cfg.DataDir, "gears"))
	if err != nil {
		return nil, err
	}
	return secrets.New(store, acl), nil
}

func buildACL(gearsDir string) (secrets.ACL, error) {
	entries, err := os.ReadDir(gearsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return secrets.StaticACL{}, nil
		}
		return nil, err
	}
	acl := secrets.StaticACL{}
	for _, entry := range entries {
		manifest, err := readManifest(filepath.Join(gearsDir, entry.Name()))
		if err != nil {
			continue
		}
		acl[manifest.ID] = manifest.Permissions.Secrets
	}
	return acl, nil
}

// loadGears reads every *.json manifest under dir, returning both the raw
// manifests (for registration against the runtime's gear.Registry, which
// the caller does once rt is constructed) and the narrow summaries a
// planner adapter needs for its system prompt.
func loadGears(_ context.Context, dir string) ([]*sandbox.Manifest, []planner.GearSummary, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	var manifests []*sandbox.Manifest
	var summaries []planner.GearSummary
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		manifest, err := readManifest(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, nil, fmt.Errorf("parse manifest %q: %w", entry.Name(), err)
		}
		manifests = append(manifests, manifest)

		actions := make([]planner.ActionSummary, 0, len(manifest.Actions))
		for _, a := range manifest.Actions {
			actions = append(actions, planner.ActionSummary{Name: a.Name, ParameterSchema: a.ParameterSchema})
		}
		summaries = append(summaries, planner.GearSummary{ID: manifest.ID, Actions: actions})
	}
	return manifests, summaries, nil
}

func readManifest(path string) (*sandbox.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var manifest sandbox.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, err
	}
	return &manifest, nil
}

func decodeMasterKey(hexKey string) ([]byte, error) {
	key := []byte(hexKey)
	switch len(key) {
	case 16, 24, 32:
		return key, nil
	default:
		return nil, fmt.Errorf("MERIDIAN_SECRETS_MASTER_KEY must be 16, 24, or 32 bytes, got %d", len(key))
	}
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "audit log operations",
}

var auditVerifyMonthF string

func init() {
	auditVerifyCmd.Flags().StringVar(&auditVerifyMonthF, "month", "", "partition month, YYYY-MM")
	auditVerifyCmd.MarkFlagRequired("month")
	auditCmd.AddCommand(auditVerifyCmd)
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "verify a monthly audit partition's hash chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := newContext()
		cfg, err := config.Load(configPathF)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger := telemetry.NewClueLogger()
		partitions := audit.NewPartitions(cfg.DataDir, logger)
		logPartition, err := partitions.Open(auditVerifyMonthF)
		if err != nil {
			return fmt.Errorf("open partition %q: %w", auditVerifyMonthF, err)
		}
		result, err := logPartition.Verify(ctx)
		if err != nil {
			return fmt.Errorf("verify partition %q: %w", auditVerifyMonthF, err)
		}
		if !result.OK {
			fmt.Fprintf(os.Stderr, "chain broken at entry %s: %s\n", result.DivergentID, result.Reason)
			os.Exit(1)
		}
		fmt.Printf("%s: %d entries verified\n", auditVerifyMonthF, result.Entries)
		return nil
	},
}
