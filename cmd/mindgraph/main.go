package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/mindgraph/internal/config"
	"github.com/stellarlinkco/mindgraph/internal/graph"
	"github.com/stellarlinkco/mindgraph/internal/memory"
	"github.com/stellarlinkco/mindgraph/internal/reflection"
	"github.com/stellarlinkco/mindgraph/internal/vector"
)

// app wires the full memory stack: canonical store, graph, similarity
// collections, claim extractor and reflection engine.
type app struct {
	cfg       *config.Config
	graph     *graph.Graph
	store     *memory.Engine
	extractor *memory.Extractor
	reflector *reflection.Engine
}

func buildApp() (*app, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Provider.APIKey == "" {
		return nil, fmt.Errorf("API key not set. Run 'mindgraph onboard' or set MINDGRAPH_API_KEY / OPENAI_API_KEY")
	}

	g := graph.New(cfg.Graph.SnapshotPath, graph.Options{
		StructuralMin: cfg.Graph.StructuralMin,
		DecayFactor:   cfg.Graph.DecayFactor,
		DecayFloor:    cfg.Graph.DecayFloor,
	})
	if err := g.SnapshotLoad(); err != nil {
		// Refusing to start beats silently dropping the whole graph.
		return nil, fmt.Errorf("load graph snapshot: %w", err)
	}

	embedder := vector.NewEmbedder(cfg)
	vstore, err := vector.NewChromemStore(cfg.VectorPath(), vector.EmbeddingFunc(embedder))
	if err != nil {
		return nil, fmt.Errorf("open vector store: %w", err)
	}

	store, err := memory.NewEngine(cfg.DBPath(), g, vstore)
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}

	client := memory.NewClient(cfg)
	extractor := memory.NewExtractor(store, g, func() memory.StructuredModel {
		return client.Model(cfg.Models.Claims)
	}, cfg.Graph.NeighborCount, cfg.Graph.AssociativeMin)

	var backup memory.TextModel
	if cfg.Models.ReflectionBackup != "" {
		backup = client.Model(cfg.Models.ReflectionBackup)
	}
	reflector := reflection.New(store, extractor, client.Model(cfg.Models.Reflection), backup,
		cfg.Reflection.MinHeat, cfg.Reflection.ClusterSize)

	return &app{cfg: cfg, graph: g, store: store, extractor: extractor, reflector: reflector}, nil
}

func (a *app) close() {
	if err := a.graph.SnapshotSave(); err != nil {
		fmt.Fprintf(os.Stderr, "snapshot save: %v\n", err)
	}
	_ = a.store.Close()
}

var rootCmd = &cobra.Command{
	Use:   "mindgraph",
	Short: "mindgraph - associative memory engine",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the engine with background reflection, reading utterances from stdin",
	RunE:  runRun,
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest one utterance and extract its claims",
	RunE:  runIngest,
}

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Query the memory stream",
	RunE:  runSearch,
}

var reflectCmd = &cobra.Command{
	Use:   "reflect",
	Short: "Run a single reflection cycle",
	RunE:  runReflect,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store and graph statistics",
	RunE:  runStatus,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and workspace",
	RunE:  runOnboard,
}

var (
	messageFlag string
	roleFlag    string
	queryFlag   string
	countFlag   int
)

func init() {
	ingestCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Utterance text")
	ingestCmd.Flags().StringVarP(&roleFlag, "role", "r", memory.RoleUser, "Speaker role (user/agent/internal)")
	searchCmd.Flags().StringVarP(&queryFlag, "query", "q", "", "Search query")
	searchCmd.Flags().IntVarP(&countFlag, "count", "k", 0, "Number of results (default from config)")
	searchCmd.Flags().StringVarP(&roleFlag, "role", "r", "", "Restrict to a speaker role")
	rootCmd.AddCommand(runCmd, ingestCmd, searchCmd, reflectCmd, statusCmd, onboardCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sched, err := reflection.NewScheduler(a.reflector, a.graph, a.cfg)
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	fmt.Println("mindgraph running (type utterances, 'exit' to quit)")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}

		id, created, err := a.store.IngestUtterance(ctx, input, memory.RoleUser, 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			continue
		}
		if !created {
			fmt.Printf("already known: %s\n", id)
			continue
		}
		claims, err := a.extractor.Process(ctx, id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			continue
		}
		fmt.Printf("stored %s (%d claims)\n", id, len(claims))

		if ctx.Err() != nil {
			break
		}
	}
	return nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	if strings.TrimSpace(messageFlag) == "" {
		return fmt.Errorf("ingest requires -m")
	}
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx := context.Background()
	id, created, err := a.store.IngestUtterance(ctx, messageFlag, roleFlag, 0)
	if err != nil {
		return err
	}
	if !created {
		fmt.Printf("already known: %s\n", id)
		return nil
	}
	claims, err := a.extractor.Process(ctx, id)
	if err != nil {
		return err
	}
	fmt.Printf("stored %s (%d claims)\n", id, len(claims))
	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	if strings.TrimSpace(queryFlag) == "" {
		return fmt.Errorf("search requires -q")
	}
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	k := countFlag
	if k <= 0 {
		k = a.cfg.Search.ResultCount
	}
	hits, err := a.store.Search(context.Background(), queryFlag, k, roleFlag)
	if err != nil {
		return err
	}
	if len(hits) == 0 {
		fmt.Println("no matches")
		return nil
	}
	for _, hit := range hits {
		fmt.Printf("%.3f  [%s] %s\n", hit.Similarity, hit.Utterance.Role, hit.Utterance.Text)
	}
	return nil
}

func runReflect(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	result := a.reflector.RunCycle(context.Background())
	fmt.Printf("Outcome: %s\n", result.Outcome)
	if result.Reason != "" {
		fmt.Printf("Reason: %s\n", result.Reason)
	}
	if result.InsightID != "" {
		fmt.Printf("Insight: %s (cluster of %d)\n", result.InsightID, result.ClusterSize)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Workspace: %s\n", cfg.Workspace)
	fmt.Printf("Claims model: %s\n", cfg.Models.Claims)
	fmt.Printf("Reflection model: %s\n", cfg.Models.Reflection)
	if cfg.Provider.APIKey != "" && len(cfg.Provider.APIKey) > 8 {
		masked := cfg.Provider.APIKey[:4] + "..." + cfg.Provider.APIKey[len(cfg.Provider.APIKey)-4:]
		fmt.Printf("API Key: %s\n", masked)
	} else if cfg.Provider.APIKey != "" {
		fmt.Println("API Key: set")
	} else {
		fmt.Println("API Key: not set")
	}

	if _, err := os.Stat(cfg.Workspace); err != nil {
		fmt.Println("Workspace: not found (run 'mindgraph onboard')")
		return nil
	}

	g := graph.New(cfg.Graph.SnapshotPath, graph.Options{
		StructuralMin: cfg.Graph.StructuralMin,
		DecayFactor:   cfg.Graph.DecayFactor,
		DecayFloor:    cfg.Graph.DecayFloor,
	})
	if err := g.SnapshotLoad(); err != nil {
		fmt.Printf("Graph: error (%v)\n", err)
	} else {
		gs := g.Stats()
		fmt.Printf("Graph: %d nodes, %d edges (%d structural, %d associative)\n",
			gs.Nodes, gs.Edges, gs.Structural, gs.Associative)
	}

	store, err := memory.NewEngine(cfg.DBPath(), nil, nil)
	if err != nil {
		fmt.Printf("Store: error (%v)\n", err)
		return nil
	}
	defer store.Close()

	stats, err := store.Stats()
	if err != nil {
		fmt.Printf("Store: error (%v)\n", err)
		return nil
	}
	fmt.Printf("Store: %d utterances (%d hot), %d facts, %d modalities, %d claims\n",
		stats.Utterances, stats.HotRecords, stats.Facts, stats.Modalities, stats.Claims)
	return nil
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Workspace, 0755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}

	fmt.Printf("Workspace ready: %s\n", cfg.Workspace)
	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set your API key\n", cfgPath)
	fmt.Println("  2. Or set MINDGRAPH_API_KEY environment variable")
	fmt.Println("  3. Run 'mindgraph ingest -m \"I love hiking\"' to test")
	return nil
}
