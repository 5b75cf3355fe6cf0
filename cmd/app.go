package main

import (
	"context"
	"errors"
	"os"

	"github.com/noobcakes33/pdf-parsing-gen-ai/internal/analyzer"
	"github.com/noobcakes33/pdf-parsing-gen-ai/internal/chromemdb"
	"github.com/noobcakes33/pdf-parsing-gen-ai/internal/config"
	"github.com/noobcakes33/pdf-parsing-gen-ai/internal/db"
	"github.com/noobcakes33/pdf-parsing-gen-ai/internal/embedding"
	"github.com/noobcakes33/pdf-parsing-gen-ai/internal/helper"
	"github.com/noobcakes33/pdf-parsing-gen-ai/internal/ingest"
	"github.com/noobcakes33/pdf-parsing-gen-ai/internal/parser"
	"github.com/noobcakes33/pdf-parsing-gen-ai/internal/rag"

	"github.com/rs/zerolog/log"
)

// app holds the components shared by the commands.
type app struct {
	cfg     *config.Config
	store   *chromemdb.VectorDBManager
	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if !cfg.VectorDB.InMemory {
		if err := helper.CreateFolder(cfg.VectorDB.Path); err != nil {
			return nil, err
		}
	}

	embed, closeEmbed, err := embedding.NewEmbeddingFunc(ctx, cfg.EmbedLLM)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, closers: []func() error{closeEmbed}}

	a.store, err = chromemdb.NewVectorDBManager(cfg.VectorDB, embed)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	log.Debug().Str("path", cfg.VectorDB.Path).Bool("in_memory", cfg.VectorDB.InMemory).Msg("vector database opened")

	if a.snapshots() {
		path := a.store.ExportPath()
		if _, err := os.Stat(path); err == nil {
			if err := a.store.Import(ctx, path); err != nil {
				_ = a.Close()
				return nil, err
			}
			log.Info().Str("file", path).Msg("restored in-memory database")
		}
	}
	return a, nil
}

// snapshots reports whether an in-memory database is carried between runs in
// the encrypted export file.
func (a *app) snapshots() bool {
	return a.cfg.VectorDB.InMemory && a.cfg.VectorDB.EncryptionKey != "" && a.store.ExportPath() != ""
}

// persist writes the snapshot after changes to an in-memory database.
func (a *app) persist(ctx context.Context) error {
	if !a.snapshots() {
		return nil
	}
	return a.store.Export(ctx, "")
}

// pipeline builds the ingestion pipeline with the configured analyzer and,
// when enabled, the SQL file registry.
func (a *app) pipeline(ctx context.Context) (*ingest.Pipeline, error) {
	an, closeAnalyzer, err := analyzer.New(ctx, a.cfg.VisionLLM)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeAnalyzer)

	opts := []ingest.Option{ingest.WithConcurrency(a.cfg.VisionLLM.MaxConcurrency)}
	if a.cfg.Database.Enabled {
		registry, err := db.Open(ctx, a.cfg.Database)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, registry.Close)
		opts = append(opts, ingest.WithRegistry(registry))
	}

	return ingest.New(parser.New(), an, a.store, opts...), nil
}

func (a *app) engine() *rag.Engine {
	return rag.NewEngine(a.store, a.cfg.RAG.TopK)
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
