// Command ragingest chunks, embeds and stores a JSONL document corpus.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/knoguchi/costrag/internal/config"
	"github.com/knoguchi/costrag/internal/embedder"
	"github.com/knoguchi/costrag/internal/ingestion"
	"github.com/knoguchi/costrag/internal/vectorstore"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

type options struct {
	docs        string
	chunker     ingestion.ChunkerConfig
	batchSize   int
	concurrency int
	snapshot    string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		color.New(color.FgRed).Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := options{chunker: ingestion.DefaultChunkerConfig()}
	cmd := &cobra.Command{
		Use:           "ragingest --docs corpus.jsonl",
		Short:         "Chunk, embed and upsert documents into the configured vector store",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.docs, "docs", "", "JSONL documents: {id, text, source, provider, url, title, metadata}")
	f.StringVar(&opts.chunker.Method, "method", opts.chunker.Method, "Chunking method: fixed or sentence")
	f.IntVar(&opts.chunker.TargetWords, "target-words", opts.chunker.TargetWords, "Target chunk size in words")
	f.IntVar(&opts.chunker.MaxWords, "max-words", opts.chunker.MaxWords, "Maximum chunk size in words (sentence method)")
	f.IntVar(&opts.chunker.OverlapWords, "overlap-words", opts.chunker.OverlapWords, "Words shared by consecutive chunks")
	f.IntVar(&opts.batchSize, "batch-size", 32, "Chunks per embedding and upsert call")
	f.IntVar(&opts.concurrency, "concurrency", 2, "Embedding batches in flight")
	f.StringVar(&opts.snapshot, "snapshot", "", "Write a JSONL snapshot (memory store only); defaults to MEMORY_SNAPSHOT_PATH")
	cobra.CheckErr(cmd.MarkFlagRequired("docs"))
	return cmd
}

func run(cmd *cobra.Command, opts options) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	ctx := cmd.Context()

	docs, err := ingestion.LoadDocuments(opts.docs)
	if err != nil {
		return err
	}

	embed, err := embedder.New(cfg.Embedder())
	if err != nil {
		return fmt.Errorf("failed to create embedder: %w", err)
	}
	if c, ok := embed.(io.Closer); ok {
		defer c.Close()
	}

	store, err := vectorstore.Open(ctx, cfg.Store())
	if err != nil {
		return fmt.Errorf("failed to open vector store: %w", err)
	}
	defer store.Close()

	var bar *progressbar.ProgressBar
	job, err := ingestion.NewJob(ingestion.JobConfig{
		Chunker:     opts.chunker,
		BatchSize:   opts.batchSize,
		Concurrency: opts.concurrency,
		Logger:      logger,
		Progress: func(stored, total int) {
			if bar == nil {
				bar = progressbar.NewOptions(total,
					progressbar.OptionSetWriter(cmd.ErrOrStderr()),
					progressbar.OptionSetDescription(color.BlueString("upserting")),
					progressbar.OptionSetItsString("chunks"),
					progressbar.OptionShowCount(),
					progressbar.OptionEnableColorCodes(true),
					progressbar.OptionSetWidth(40),
				)
			}
			_ = bar.Set(stored)
		},
	}, embed, store)
	if err != nil {
		return err
	}

	res, err := job.Run(ctx, docs)
	if bar != nil {
		_ = bar.Finish()
		fmt.Fprintln(cmd.ErrOrStderr())
	}
	if err != nil {
		return err
	}

	if mem, ok := store.(*vectorstore.MemoryStore); ok {
		path := opts.snapshot
		if path == "" {
			path = cfg.MemorySnapshotPath
		}
		if path == "" {
			return fmt.Errorf("memory store has nowhere to persist; set --snapshot or MEMORY_SNAPSHOT_PATH")
		}
		if err := mem.WriteSnapshot(path); err != nil {
			return err
		}
		logger.Info("wrote snapshot", "path", path)
	}

	color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(),
		"Ingested %d documents into %d chunks (%d skipped) in %s [run %s]\n",
		res.Documents, res.Chunks, res.Skipped, res.Took.Round(time.Millisecond), res.RunID)
	return nil
}
