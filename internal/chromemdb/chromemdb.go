package chromemdb

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/noobcakes33/pdf-parsing-gen-ai/internal/config"
	"github.com/noobcakes33/pdf-parsing-gen-ai/internal/embedding"
	"github.com/noobcakes33/pdf-parsing-gen-ai/internal/models"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"
)

// VectorDBManager encapsulates the chromem-go database operations. Document
// collections are embedded with the configured model; the files metadata
// collection uses a local hashing embedder so dedup never needs the network.
type VectorDBManager struct {
	db            *chromem.DB
	embed         chromem.EmbeddingFunc
	files         *embedding.HashingEmbedder
	dbPath        string
	compress      bool
	encryptionKey string

	// serializes check-then-insert on the files metadata collection
	claimMu sync.Mutex
}

// NewVectorDBManager opens the persistent database at cfg.Path, or an empty
// in-memory one when cfg.InMemory is set.
func NewVectorDBManager(cfg config.VectorDBConfig, embed chromem.EmbeddingFunc) (*VectorDBManager, error) {
	var db *chromem.DB
	if cfg.InMemory {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to create database: %v", models.ErrStore, err)
		}
	}
	return newManager(db, cfg, embed), nil
}

func newManager(db *chromem.DB, cfg config.VectorDBConfig, embed chromem.EmbeddingFunc) *VectorDBManager {
	files := embedding.NewHashingEmbedder(embedding.DefaultDimension)
	if embed == nil {
		embed = files.EmbeddingFunc()
	}
	return &VectorDBManager{
		db:            db,
		embed:         embed,
		files:         files,
		dbPath:        cfg.Path,
		compress:      cfg.Compress,
		encryptionKey: cfg.EncryptionKey,
	}
}

func (m *VectorDBManager) embedFor(name string) chromem.EmbeddingFunc {
	if name == models.FilesMetadataCollection {
		return m.files.EmbeddingFunc()
	}
	return m.embed
}

// create or read collection
func (m *VectorDBManager) GetOrCreateCollection(name string) (*chromem.Collection, error) {
	c, err := m.db.GetOrCreateCollection(name, nil, m.embedFor(name))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create/get collection %s: %v", models.ErrStore, name, err)
	}
	return c, nil
}

// GetCollection returns ErrNotFound when the collection does not exist.
func (m *VectorDBManager) GetCollection(name string) (*chromem.Collection, error) {
	c := m.db.GetCollection(name, m.embedFor(name))
	if c == nil {
		return nil, fmt.Errorf("%w: %w: collection %s", models.ErrStore, models.ErrNotFound, name)
	}
	return c, nil
}

func (m *VectorDBManager) DeleteCollection(name string) error {
	if err := m.db.DeleteCollection(name); err != nil {
		return fmt.Errorf("%w: failed to drop collection %s: %v", models.ErrStore, name, err)
	}
	return nil
}

// AddRecords writes ids, documents and metadatas as one batch into the named
// collection, creating it if needed. Empty documents are stored with the
// embedding of their id.
func (m *VectorDBManager) AddRecords(ctx context.Context, name string, ids, documents []string, metadatas []map[string]string) error {
	if len(ids) != len(documents) || len(ids) != len(metadatas) {
		return fmt.Errorf("%w: ids, documents and metadatas differ in length", models.ErrStore)
	}
	if len(ids) == 0 {
		return nil
	}

	c, err := m.GetOrCreateCollection(name)
	if err != nil {
		return err
	}

	embed := m.embedFor(name)
	docs := make([]chromem.Document, len(ids))
	for i, id := range ids {
		docs[i] = chromem.Document{
			ID:       id,
			Content:  documents[i],
			Metadata: metadatas[i],
		}
		if documents[i] == "" {
			// same embedder as the rest of the collection so dimensions match
			vec, err := embed(ctx, id)
			if err != nil {
				return fmt.Errorf("%w: failed to embed empty record %s: %v", models.ErrStore, id, err)
			}
			docs[i].Embedding = vec
		}
	}

	if err := c.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("%w: failed to add documents to %s: %v", models.ErrStore, name, err)
	}
	log.Debug().Str("collection", name).Int("records", len(docs)).Msg("records added")
	return nil
}

// Query returns up to topK records of the named collection closest to text,
// ordered by ascending distance. where filters on exact metadata values.
func (m *VectorDBManager) Query(ctx context.Context, name, text string, topK int, where map[string]string) ([]models.Match, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: query text is empty", models.ErrStore)
	}
	c, err := m.GetCollection(name)
	if err != nil {
		return nil, err
	}

	n := min(topK, c.Count())
	if n <= 0 {
		return []models.Match{}, nil
	}

	results, err := c.Query(ctx, text, n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query %s: %v", models.ErrStore, name, err)
	}

	matches := make([]models.Match, 0, len(results))
	for _, r := range results {
		matches = append(matches, models.Match{
			ID:       r.ID,
			Document: r.Content,
			Metadata: r.Metadata,
			Distance: 1 - r.Similarity,
		})
	}
	// chromem returns by similarity already, keep ties stable on id
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].ID < matches[j].ID
	})
	return matches, nil
}

// FindFileByHash looks up the document id that owns contentHash. The boolean
// is false when no file with that hash has been recorded.
func (m *VectorDBManager) FindFileByHash(ctx context.Context, contentHash string) (string, bool, error) {
	c := m.db.GetCollection(models.FilesMetadataCollection, m.files.EmbeddingFunc())
	if c == nil || c.Count() == 0 {
		return "", false, nil
	}

	where := map[string]string{models.MetaContentHash: contentHash}
	results, err := c.QueryEmbedding(ctx, m.files.Embed(contentHash), 1, where, nil)
	if err != nil {
		return "", false, fmt.Errorf("%w: failed to search files metadata: %v", models.ErrStore, err)
	}
	if len(results) == 0 {
		return "", false, nil
	}
	return results[0].ID, true, nil
}

// ClaimFile records identity as the owner of its content hash unless another
// document already owns it. It returns the owning document id, which differs
// from identity.DocumentID when the claim was lost.
func (m *VectorDBManager) ClaimFile(ctx context.Context, identity models.DocumentIdentity) (string, error) {
	m.claimMu.Lock()
	defer m.claimMu.Unlock()

	owner, found, err := m.FindFileByHash(ctx, identity.ContentHash)
	if err != nil {
		return "", err
	}
	if found {
		return owner, nil
	}

	c, err := m.GetOrCreateCollection(models.FilesMetadataCollection)
	if err != nil {
		return "", err
	}

	doc := chromem.Document{
		ID:        identity.DocumentID,
		Content:   identity.OriginalName,
		Metadata:  fileMetadata(identity),
		Embedding: m.files.Embed(identity.ContentHash),
	}
	if err := c.AddDocument(ctx, doc); err != nil {
		return "", fmt.Errorf("%w: failed to store file metadata: %v", models.ErrStore, err)
	}
	return identity.DocumentID, nil
}

// ReleaseFile removes the metadata row of documentID. Missing rows are ignored.
func (m *VectorDBManager) ReleaseFile(ctx context.Context, documentID string) error {
	c := m.db.GetCollection(models.FilesMetadataCollection, m.files.EmbeddingFunc())
	if c == nil {
		return nil
	}
	if err := c.Delete(ctx, nil, nil, documentID); err != nil {
		return fmt.Errorf("%w: failed to delete file metadata %s: %v", models.ErrStore, documentID, err)
	}
	return nil
}

// ListFiles returns every recorded file in no particular order.
func (m *VectorDBManager) ListFiles(ctx context.Context) ([]models.FileInfo, error) {
	c := m.db.GetCollection(models.FilesMetadataCollection, m.files.EmbeddingFunc())
	if c == nil || c.Count() == 0 {
		return []models.FileInfo{}, nil
	}

	// chromem has no scan, an unfiltered query over the whole collection is one
	results, err := c.QueryEmbedding(ctx, m.files.Embed(models.FilesMetadataCollection), c.Count(), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list files: %v", models.ErrStore, err)
	}

	files := make([]models.FileInfo, 0, len(results))
	for _, r := range results {
		files = append(files, fileInfo(r.ID, r.Metadata))
	}
	return files, nil
}

func fileMetadata(identity models.DocumentIdentity) map[string]string {
	return map[string]string{
		models.MetaUUID:            identity.DocumentID,
		models.MetaContentHash:     identity.ContentHash,
		models.MetaOriginalName:    identity.OriginalName,
		models.MetaUploadTimestamp: identity.IngestTimestamp.UTC().Format(time.RFC3339Nano),
	}
}

func fileInfo(id string, meta map[string]string) models.FileInfo {
	info := models.FileInfo{
		DocumentID:   id,
		ContentHash:  meta[models.MetaContentHash],
		OriginalName: meta[models.MetaOriginalName],
	}
	if ts, err := time.Parse(time.RFC3339Nano, meta[models.MetaUploadTimestamp]); err == nil {
		info.UploadTimestamp = ts
	} else {
		log.Warn().Str("document_id", id).Str("upload_timestamp", meta[models.MetaUploadTimestamp]).Msg("unparsable upload timestamp")
	}
	return info
}

// Export writes the named collections, or all of them, to an encrypted file.
// An empty path exports next to the database directory.
func (m *VectorDBManager) Export(ctx context.Context, path string, collections ...string) error {
	if m.encryptionKey == "" {
		return fmt.Errorf("%w: encryption key is required", models.ErrStore)
	}
	if path == "" {
		path = m.ExportPath()
	}
	if path == "" {
		return fmt.Errorf("%w: export path is required", models.ErrStore)
	}

	log.Debug().Str("file", path).Bool("compress", m.compress).Strs("collections", collections).Msg("exporting vector database")

	if err := m.db.ExportToFile(path, m.compress, m.encryptionKey, collections...); err != nil {
		return fmt.Errorf("%w: failed to export database: %v", models.ErrStore, err)
	}
	return nil
}

// Import loads collections previously written by Export. Embedding functions
// are reattached lazily by GetCollection.
func (m *VectorDBManager) Import(ctx context.Context, path string, collections ...string) error {
	if path == "" {
		path = m.ExportPath()
	}
	log.Debug().Str("file", path).Strs("collections", collections).Msg("importing vector database")

	if err := m.db.ImportFromFile(path, m.encryptionKey, collections...); err != nil {
		return fmt.Errorf("%w: failed to import database: %v", models.ErrStore, err)
	}
	return nil
}

// ExportPath is where Export and Import default to, next to the database
// directory. It is empty when no database path is configured.
func (m *VectorDBManager) ExportPath() string {
	if m.dbPath == "" {
		return ""
	}
	name := "export.gob"
	if m.compress {
		name += ".gz"
	}
	if m.encryptionKey != "" {
		name += ".enc"
	}
	return filepath.Join(filepath.Dir(filepath.Clean(m.dbPath)), filepath.Base(m.dbPath)+"-"+name)
}
