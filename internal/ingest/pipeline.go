// Package ingest turns a document on disk into one searchable collection,
// exactly once per distinct content.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/noobcakes33/pdf-parsing-gen-ai/internal/analyzer"
	"github.com/noobcakes33/pdf-parsing-gen-ai/internal/helper"
	"github.com/noobcakes33/pdf-parsing-gen-ai/internal/models"
	"github.com/noobcakes33/pdf-parsing-gen-ai/internal/parser"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const defaultConcurrency = 4

// Store is the collection store the pipeline commits to.
type Store interface {
	FindFileByHash(ctx context.Context, contentHash string) (string, bool, error)
	ClaimFile(ctx context.Context, identity models.DocumentIdentity) (string, error)
	ReleaseFile(ctx context.Context, documentID string) error
	AddRecords(ctx context.Context, name string, ids, documents []string, metadatas []map[string]string) error
	DeleteCollection(name string) error
}

// Registry is an optional ownership table shared between processes.
type Registry interface {
	Lookup(ctx context.Context, contentHash string) (string, bool, error)
	Claim(ctx context.Context, identity models.DocumentIdentity) (string, error)
	MarkIndexed(ctx context.Context, documentID string, pages, images int) error
	Release(ctx context.Context, documentID string) error
}

type Pipeline struct {
	extractor   parser.Extractor
	analyzer    analyzer.Analyzer
	store       Store
	registry    Registry
	concurrency int
	now         func() time.Time
	newID       func() (string, error)
	locks       *hashLocks
}

type Option func(*Pipeline)

func WithRegistry(r Registry) Option {
	return func(p *Pipeline) { p.registry = r }
}

// WithConcurrency bounds the image analyses running at once for a document.
func WithConcurrency(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func WithIDGenerator(gen func() (string, error)) Option {
	return func(p *Pipeline) { p.newID = gen }
}

func New(extractor parser.Extractor, a analyzer.Analyzer, store Store, opts ...Option) *Pipeline {
	p := &Pipeline{
		extractor:   extractor,
		analyzer:    a,
		store:       store,
		concurrency: defaultConcurrency,
		now:         time.Now,
		newID:       helper.GenerateUUID,
		locks:       newHashLocks(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ingest indexes the document at path. It never returns an error or panics;
// every outcome is reported through the result status.
func (p *Pipeline) Ingest(ctx context.Context, path string) (res models.IngestResult) {
	logger := log.With().Str("path", path).Logger()
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("ingestion panicked")
			res = failure(fmt.Errorf("internal error: %v", r))
		}
	}()

	identity, err := p.identify(path)
	if err != nil {
		logger.Error().Err(err).Msg("failed to read document")
		return failure(err)
	}
	logger = logger.With().Str("content_hash", identity.ContentHash).Logger()

	unlock := p.locks.lock(identity.ContentHash)
	defer unlock()

	if owner, ok := p.findDuplicate(ctx, logger, identity.ContentHash); ok {
		logger.Info().Str("document_id", owner).Msg("content already ingested")
		return duplicate(owner)
	}

	logger = logger.With().Str("document_id", identity.DocumentID).Logger()

	pages, err := p.extractor.Extract(ctx, path)
	if err != nil {
		logger.Error().Err(err).Msg("extraction failed")
		return failure(err)
	}
	if len(pages) == 0 {
		err := fmt.Errorf("%w: no content extracted from %s", models.ErrExtraction, path)
		logger.Error().Err(err).Msg("extraction failed")
		return failure(err)
	}

	records, images := p.assemble(ctx, identity.DocumentID, pages)
	logger.Debug().Int("pages", len(records)).Int("images", images).Msg("pages assembled")

	res = p.commit(ctx, logger, identity, records, images)
	logger.Info().Str("status", string(res.Status)).Dur("elapsed", time.Since(start)).Msg("ingestion finished")
	return res
}

// IngestAll ingests paths one after another. Paths not reached before ctx is
// done are reported as errors.
func (p *Pipeline) IngestAll(ctx context.Context, paths []string) []models.IngestResult {
	results := make([]models.IngestResult, len(paths))
	for i, path := range paths {
		if err := ctx.Err(); err != nil {
			results[i] = failure(err)
			continue
		}
		results[i] = p.Ingest(ctx, path)
	}
	return results
}

func (p *Pipeline) identify(path string) (models.DocumentIdentity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.DocumentIdentity{}, fmt.Errorf("%w: failed to read %s: %v", models.ErrIO, path, err)
	}
	id, err := p.newID()
	if err != nil {
		return models.DocumentIdentity{}, err
	}
	return models.DocumentIdentity{
		Path:            path,
		ContentHash:     helper.HashContent(data),
		DocumentID:      id,
		OriginalName:    filepath.Base(path),
		IngestTimestamp: p.now(),
	}, nil
}

// findDuplicate never fails: a store that cannot answer is treated as having
// no record of the content.
func (p *Pipeline) findDuplicate(ctx context.Context, logger zerolog.Logger, contentHash string) (string, bool) {
	owner, found, err := p.store.FindFileByHash(ctx, contentHash)
	if err != nil {
		logger.Warn().Err(err).Msg("dedup check failed, assuming new content")
	} else if found {
		return owner, true
	}

	if p.registry == nil {
		return "", false
	}
	owner, found, err = p.registry.Lookup(ctx, contentHash)
	if err != nil {
		logger.Warn().Err(err).Msg("registry lookup failed, assuming new content")
		return "", false
	}
	return owner, found
}

// assemble resolves every item and builds one record per page. Images are
// analyzed in parallel; each result lands in its item's slot so the text
// keeps extractor order.
func (p *Pipeline) assemble(ctx context.Context, documentID string, pages []models.Page) ([]models.PageRecord, int) {
	resolved := make([][]string, len(pages))
	images := 0

	g := new(errgroup.Group)
	g.SetLimit(p.concurrency)
	for i, page := range pages {
		resolved[i] = make([]string, len(page.Items))
		for j, item := range page.Items {
			switch item.Type {
			case models.ContentText:
				resolved[i][j] = item.Data
			case models.ContentImage:
				images++
				img := analyzer.ImageData{Bytes: item.Image, Format: item.Format}
				slot := &resolved[i][j]
				g.Go(func() error {
					*slot = analyzer.Describe(ctx, p.analyzer, img)
					return nil
				})
			}
		}
	}
	_ = g.Wait()

	records := make([]models.PageRecord, len(pages))
	for i, page := range pages {
		var sb strings.Builder
		for j, item := range page.Items {
			if item.Type != models.ContentText && item.Type != models.ContentImage {
				continue
			}
			sb.WriteString(resolved[i][j])
			sb.WriteString("\n")
		}
		records[i] = models.PageRecord{
			Text:       sb.String(),
			PageNumber: page.PageNumber,
			DocumentID: documentID,
		}
	}
	return records, images
}

// commit claims the content hash and writes the page records. Losing a claim
// means another ingestion owns the content; its id is adopted and nothing is
// written.
func (p *Pipeline) commit(ctx context.Context, logger zerolog.Logger, identity models.DocumentIdentity, records []models.PageRecord, images int) models.IngestResult {
	id := identity.DocumentID

	if p.registry != nil {
		owner, err := p.registry.Claim(ctx, identity)
		if err != nil {
			logger.Error().Err(err).Msg("failed to claim content in registry")
			return failure(err)
		}
		if owner != id {
			logger.Info().Str("owner", owner).Msg("registry claim lost")
			return duplicate(owner)
		}
	}

	owner, err := p.store.ClaimFile(ctx, identity)
	if err != nil {
		logger.Error().Err(err).Msg("failed to write file metadata")
		p.releaseRegistry(ctx, logger, id)
		return failure(err)
	}
	if owner != id {
		logger.Info().Str("owner", owner).Msg("metadata claim lost")
		p.releaseRegistry(ctx, logger, id)
		return duplicate(owner)
	}

	ids := make([]string, len(records))
	docs := make([]string, len(records))
	metas := make([]map[string]string, len(records))
	for i, r := range records {
		ids[i] = models.PageID(r.PageNumber)
		docs[i] = r.Text
		metas[i] = map[string]string{models.MetaPage: strconv.Itoa(r.PageNumber)}
	}

	collection := models.CollectionName(id)
	if err := p.store.AddRecords(ctx, collection, ids, docs, metas); err != nil {
		logger.Error().Err(err).Str("collection", collection).Msg("failed to write page records")
		p.rollback(ctx, logger, id)
		return failure(err)
	}

	if p.registry != nil {
		if err := p.registry.MarkIndexed(ctx, id, len(records), images); err != nil {
			// the content is committed, the row just stays pending
			logger.Warn().Err(err).Msg("failed to mark document indexed")
		}
	}
	return models.IngestResult{Status: models.StatusSuccess, DocumentID: id}
}

// rollback undoes a claimed but unwritten document on a best effort basis.
func (p *Pipeline) rollback(ctx context.Context, logger zerolog.Logger, id string) {
	if err := p.store.DeleteCollection(models.CollectionName(id)); err != nil {
		logger.Warn().Err(err).Msg("failed to drop partial collection")
	}
	if err := p.store.ReleaseFile(ctx, id); err != nil {
		logger.Warn().Err(err).Msg("failed to release file metadata")
	}
	p.releaseRegistry(ctx, logger, id)
}

func (p *Pipeline) releaseRegistry(ctx context.Context, logger zerolog.Logger, id string) {
	if p.registry == nil {
		return
	}
	if err := p.registry.Release(ctx, id); err != nil {
		logger.Warn().Err(err).Msg("failed to release registry claim")
	}
}

func failure(err error) models.IngestResult {
	if err == nil {
		err = errors.New("unknown error")
	}
	return models.IngestResult{Status: models.StatusError, Message: err.Error()}
}

func duplicate(id string) models.IngestResult {
	return models.IngestResult{Status: models.StatusDuplicate, DocumentID: id}
}
