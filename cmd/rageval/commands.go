package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/knoguchi/costrag/internal/config"
	"github.com/knoguchi/costrag/internal/embedder"
	"github.com/knoguchi/costrag/internal/evaluation"
	"github.com/knoguchi/costrag/internal/llm"
	"github.com/knoguchi/costrag/internal/reranker"
	"github.com/knoguchi/costrag/internal/retrieval"
	"github.com/knoguchi/costrag/internal/service"
	"github.com/knoguchi/costrag/internal/vectorstore"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

type runOptions struct {
	gold        string
	kValues     []int
	output      string
	grpcAddr    string
	skipRerank  bool
	concurrency int
	rateLimit   float64
	verbose     bool
}

func buildRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the gold-label queries and report Recall@K, nDCG@K and MRR",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEval(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.gold, "gold", "", "Gold-label file (.jsonl, .yaml); defaults to EVAL_GOLD_PATH")
	cmd.Flags().IntSliceVar(&opts.kValues, "k", nil, "Cut-offs, e.g. --k 1,3,5,10; defaults to EVAL_K_VALUES")
	cmd.Flags().StringVar(&opts.output, "output", "", "Write the JSON report to this file")
	cmd.Flags().StringVar(&opts.grpcAddr, "grpc-addr", "", "Evaluate a running server at host:port instead of an in-process pipeline")
	cmd.Flags().BoolVar(&opts.skipRerank, "skip-rerank", false, "Evaluate first-stage similarity ranking only")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 0, "Queries in flight; defaults to EVAL_CONCURRENCY")
	cmd.Flags().Float64Var(&opts.rateLimit, "rate", -1, "Queries per second, 0 for unlimited; defaults to EVAL_RATE_LIMIT")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log at debug level")
	return cmd
}

func buildStatsCmd() *cobra.Command {
	var grpcAddr string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show corpus statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(cmd, grpcAddr)
		},
	}
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "Query a running server at host:port")
	return cmd
}

func runEval(cmd *cobra.Command, opts runOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cmd.ErrOrStderr(), opts.verbose)

	goldPath := opts.gold
	if goldPath == "" {
		goldPath = cfg.EvalGoldPath
	}
	labels, err := evaluation.LoadGoldLabels(goldPath)
	if err != nil {
		return err
	}

	target, closeTarget, err := openTarget(cmd.Context(), cfg, opts.grpcAddr, logger)
	if err != nil {
		return err
	}
	defer closeTarget()

	evalOpts := cfg.Evaluation()
	if len(opts.kValues) > 0 {
		evalOpts.KValues = opts.kValues
	}
	if opts.concurrency > 0 {
		evalOpts.Concurrency = opts.concurrency
		evalOpts.Burst = opts.concurrency
	}
	if opts.rateLimit >= 0 {
		evalOpts.RateLimit = opts.rateLimit
	}
	evalOpts.SkipRerank = opts.skipRerank
	evalOpts.Logger = logger

	bar := progressbar.NewOptions(len(labels),
		progressbar.OptionSetWriter(cmd.ErrOrStderr()),
		progressbar.OptionSetDescription(color.BlueString("evaluating")),
		progressbar.OptionSetItsString("queries"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetRenderBlankState(true),
	)
	evalOpts.Progress = func(evaluation.QueryResult) { _ = bar.Add(1) }

	evaluator, err := evaluation.NewEvaluator(target, &evalOpts)
	if err != nil {
		return err
	}
	report, err := evaluator.Evaluate(cmd.Context(), labels)
	_ = bar.Finish()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.ErrOrStderr())

	if opts.output != "" {
		f, err := os.Create(opts.output)
		if err != nil {
			return fmt.Errorf("failed to create report file: %w", err)
		}
		if err := report.WriteJSON(f); err != nil {
			f.Close()
			return fmt.Errorf("failed to write report: %w", err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("failed to write report: %w", err)
		}
		color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "Report written to %s\n", opts.output)
	}
	return report.WriteText(cmd.OutOrStdout())
}

func runStats(cmd *cobra.Command, grpcAddr string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var stats *retrieval.Stats
	if grpcAddr != "" {
		client, err := service.DialRetrievalClient(grpcAddr)
		if err != nil {
			return err
		}
		defer client.Close()
		stats, err = client.Stats(cmd.Context(), &service.StatsRequest{})
		if err != nil {
			return err
		}
	} else {
		pipeline, closePipeline, err := buildPipeline(cmd.Context(), cfg, newLogger(cmd.ErrOrStderr(), false))
		if err != nil {
			return err
		}
		defer closePipeline()
		stats, err = pipeline.Stats(cmd.Context())
		if err != nil {
			return err
		}
	}
	return writeStats(cmd.OutOrStdout(), stats)
}

func writeStats(out io.Writer, s *retrieval.Stats) error {
	bold := color.New(color.Bold)
	bold.Fprintln(out, "Corpus")
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "  documents\t%d\n", s.Documents)
	fmt.Fprintf(tw, "  chunks\t%d\n", s.Chunks)
	fmt.Fprintf(tw, "  vector store\t%s\n", s.VectorStore)
	fmt.Fprintf(tw, "  embedding model\t%s (%d dims)\n", s.EmbeddingModel, s.EmbeddingDimension)
	rr := "disabled"
	if s.RerankerEnabled {
		rr = s.RerankerModel
	}
	fmt.Fprintf(tw, "  reranker\t%s\n", rr)
	fmt.Fprintf(tw, "  providers\t%s\n", strings.Join(s.Providers, ", "))
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(s.ByProvider) > 0 {
		bold.Fprintln(out, "Chunks by provider")
		tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		for _, p := range sortedKeys(s.ByProvider) {
			fmt.Fprintf(tw, "  %s\t%d\n", p, s.ByProvider[p])
		}
		return tw.Flush()
	}
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// openTarget returns the retriever to evaluate: a remote server when addr is
// set, otherwise a pipeline built from the environment.
func openTarget(ctx context.Context, cfg *config.Config, addr string, logger *slog.Logger) (evaluation.Retriever, func(), error) {
	if addr != "" {
		client, err := service.DialRetrievalClient(addr)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("evaluating remote server", "address", addr)
		return service.NewRemoteRetriever(client), func() { client.Close() }, nil
	}
	pipeline, closePipeline, err := buildPipeline(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return pipeline, closePipeline, nil
}

// buildPipeline wires an in-process pipeline the same way ragd does.
func buildPipeline(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*retrieval.Pipeline, func(), error) {
	embed, err := embedder.New(cfg.Embedder())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	store, err := vectorstore.Open(ctx, cfg.Store())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open vector store: %w", err)
	}
	closeAll := func() {
		store.Close()
		if c, ok := embed.(io.Closer); ok {
			c.Close()
		}
	}

	var model reranker.Model
	if cfg.RerankerEnabled {
		var client llm.LLM
		if cfg.RerankerProvider == "llm" {
			client = llm.NewOllamaClient(llm.WithBaseURL(cfg.OllamaURL), llm.WithModel(cfg.OllamaLLMModel))
		}
		if model, err = reranker.New(cfg.Reranker(), client); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("failed to create reranker: %w", err)
		}
	}

	pipeline, err := retrieval.NewPipeline(embed, store, model, cfg.Retrieval(), retrieval.WithLogger(logger))
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	return pipeline, closeAll, nil
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
