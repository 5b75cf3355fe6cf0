package rag

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/noobcakes33/pdf-parsing-gen-ai/internal/models"

	"github.com/rs/zerolog/log"
)

// Store is the read side of the collection store.
type Store interface {
	Query(ctx context.Context, name, text string, topK int, where map[string]string) ([]models.Match, error)
	ListFiles(ctx context.Context) ([]models.FileInfo, error)
}

// Engine answers similarity queries against one ingested document.
type Engine struct {
	store Store
	topK  int
}

func NewEngine(store Store, topK int) *Engine {
	if topK <= 0 {
		topK = models.DefaultTopK
	}
	return &Engine{store: store, topK: topK}
}

type queryOptions struct {
	topK  int
	where map[string]string
}

type QueryOption func(*queryOptions)

func WithTopK(k int) QueryOption {
	return func(o *queryOptions) {
		if k > 0 {
			o.topK = k
		}
	}
}

// WithPageFilter restricts matches to one page.
func WithPageFilter(page int) QueryOption {
	return WithMetadataFilter(map[string]string{models.MetaPage: strconv.Itoa(page)})
}

// WithMetadataFilter restricts matches to records whose metadata holds every
// given key with exactly the given value.
func WithMetadataFilter(where map[string]string) QueryOption {
	return func(o *queryOptions) {
		if o.where == nil {
			o.where = make(map[string]string, len(where))
		}
		for k, v := range where {
			o.where[k] = v
		}
	}
}

// QueryByDocumentID searches the collection of documentID. An unknown id is an
// error result, never an empty success.
func (e *Engine) QueryByDocumentID(ctx context.Context, documentID, text string, opts ...QueryOption) models.QueryResult {
	o := queryOptions{topK: e.topK}
	for _, opt := range opts {
		opt(&o)
	}

	logger := log.With().Str("document_id", documentID).Logger()

	if strings.TrimSpace(documentID) == "" {
		return models.QueryResult{Status: models.StatusError, Message: "document id is empty"}
	}
	if strings.TrimSpace(text) == "" {
		return models.QueryResult{Status: models.StatusError, Message: "query text is empty"}
	}

	collection := models.CollectionName(documentID)
	matches, err := e.store.Query(ctx, collection, text, o.topK, o.where)
	if err != nil {
		logger.Error().Err(err).Str("collection", collection).Msg("error querying database")
		return models.QueryResult{Status: models.StatusError, Message: err.Error()}
	}

	logger.Debug().Int("matches", len(matches)).Msg("query finished")
	return models.QueryResult{Status: models.StatusSuccess, Results: matches}
}

// ListFiles returns the ingested files, oldest first.
func (e *Engine) ListFiles(ctx context.Context) ([]models.FileInfo, error) {
	files, err := e.store.ListFiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	sort.SliceStable(files, func(i, j int) bool {
		if !files[i].UploadTimestamp.Equal(files[j].UploadTimestamp) {
			return files[i].UploadTimestamp.Before(files[j].UploadTimestamp)
		}
		return files[i].DocumentID < files[j].DocumentID
	})
	return files, nil
}
