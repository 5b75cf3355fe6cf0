package chromemdb

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/noobcakes33/pdf-parsing-gen-ai/internal/config"
	"github.com/noobcakes33/pdf-parsing-gen-ai/internal/models"

	"github.com/philippgille/chromem-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef"

func newTestManager(t *testing.T, cfg config.VectorDBConfig) *VectorDBManager {
	t.Helper()
	return newManager(chromem.NewDB(), cfg, nil)
}

func identity(id, hash string) models.DocumentIdentity {
	return models.DocumentIdentity{
		ContentHash:     hash,
		DocumentID:      id,
		OriginalName:    id + ".pdf",
		IngestTimestamp: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestGetCollectionMissing(t *testing.T) {
	m := newTestManager(t, config.VectorDBConfig{})

	_, err := m.GetCollection("doc_nope")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.ErrorIs(t, err, models.ErrStore)

	_, err = m.Query(context.Background(), "doc_nope", "anything", 3, nil)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestAddRecordsAndQuery(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, config.VectorDBConfig{})

	err := m.AddRecords(ctx, "doc_1",
		[]string{"page_1", "page_2", "page_3"},
		[]string{"apple banana cherry\n", "engine wheel brake\n", ""},
		[]map[string]string{{"page": "1"}, {"page": "2"}, {"page": "3"}},
	)
	require.NoError(t, err)

	matches, err := m.Query(ctx, "doc_1", "banana apple", 10, nil)
	require.NoError(t, err)
	require.Len(t, matches, 3, "topK is clamped to the collection size")
	assert.Equal(t, "page_1", matches[0].ID)
	assert.Equal(t, "apple banana cherry\n", matches[0].Document)
	assert.Equal(t, "1", matches[0].Metadata["page"])
	for i := 1; i < len(matches); i++ {
		assert.LessOrEqual(t, matches[i-1].Distance, matches[i].Distance)
	}

	matches, err = m.Query(ctx, "doc_1", "banana apple", 3, map[string]string{"page": "2"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "page_2", matches[0].ID)

	_, err = m.Query(ctx, "doc_1", "", 3, nil)
	assert.ErrorIs(t, err, models.ErrStore)
}

func TestQueryIdenticalTextHasZeroDistance(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, config.VectorDBConfig{})
	require.NoError(t, m.AddRecords(ctx, "doc_1", []string{"page_1"}, []string{"solar panel output"}, []map[string]string{{"page": "1"}}))

	matches, err := m.Query(ctx, "doc_1", "solar panel output", 3, nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.InDelta(t, 0, matches[0].Distance, 1e-4)
}

func TestAddRecordsValidation(t *testing.T) {
	m := newTestManager(t, config.VectorDBConfig{})

	err := m.AddRecords(context.Background(), "doc_1", []string{"page_1"}, nil, nil)
	assert.ErrorIs(t, err, models.ErrStore)

	require.NoError(t, m.AddRecords(context.Background(), "doc_1", nil, nil, nil))
	_, err = m.GetCollection("doc_1")
	assert.ErrorIs(t, err, models.ErrNotFound, "an empty batch creates nothing")
}

func TestAddRecordsFailingEmbedder(t *testing.T) {
	failing := func(context.Context, string) ([]float32, error) {
		return nil, fmt.Errorf("embedder down")
	}
	m := newManager(chromem.NewDB(), config.VectorDBConfig{}, failing)

	err := m.AddRecords(context.Background(), "doc_1", []string{"page_1"}, []string{"text"}, []map[string]string{{"page": "1"}})
	assert.ErrorIs(t, err, models.ErrStore)
}

func TestClaimFile(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, config.VectorDBConfig{})

	_, found, err := m.FindFileByHash(ctx, "h1")
	require.NoError(t, err)
	assert.False(t, found)

	owner, err := m.ClaimFile(ctx, identity("a", "h1"))
	require.NoError(t, err)
	assert.Equal(t, "a", owner)

	owner, err = m.ClaimFile(ctx, identity("b", "h1"))
	require.NoError(t, err)
	assert.Equal(t, "a", owner, "the first claim wins")

	owner, err = m.ClaimFile(ctx, identity("c", "h2"))
	require.NoError(t, err)
	assert.Equal(t, "c", owner)

	id, found, err := m.FindFileByHash(ctx, "h1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "a", id)

	files, err := m.ListFiles(ctx)
	require.NoError(t, err)
	require.Len(t, files, 2)
	byID := map[string]models.FileInfo{}
	for _, f := range files {
		byID[f.DocumentID] = f
	}
	assert.Equal(t, "h1", byID["a"].ContentHash)
	assert.Equal(t, "a.pdf", byID["a"].OriginalName)
	assert.True(t, byID["a"].UploadTimestamp.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)))

	require.NoError(t, m.ReleaseFile(ctx, "a"))
	_, found, err = m.FindFileByHash(ctx, "h1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, m.ReleaseFile(ctx, "missing"))
}

func TestClaimFileConcurrent(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, config.VectorDBConfig{})

	const n = 16
	owners := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owner, err := m.ClaimFile(ctx, identity(fmt.Sprintf("id-%d", i), "same"))
			assert.NoError(t, err)
			owners[i] = owner
		}(i)
	}
	wg.Wait()

	for _, o := range owners {
		assert.Equal(t, owners[0], o)
	}
	files, err := m.ListFiles(ctx)
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestListFilesEmpty(t *testing.T) {
	m := newTestManager(t, config.VectorDBConfig{})
	files, err := m.ListFiles(context.Background())
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestExportImport(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := config.VectorDBConfig{Path: filepath.Join(dir, "db"), EncryptionKey: testKey}

	src := newTestManager(t, cfg)
	require.NoError(t, src.AddRecords(ctx, "doc_1", []string{"page_1"}, []string{"exported text"}, []map[string]string{{"page": "1"}}))
	_, err := src.ClaimFile(ctx, identity("doc-1", "hash-1"))
	require.NoError(t, err)

	path := filepath.Join(dir, "export.gob.enc")
	require.NoError(t, src.Export(ctx, path))

	dst := newTestManager(t, cfg)
	require.NoError(t, dst.Import(ctx, path))

	matches, err := dst.Query(ctx, "doc_1", "exported text", 3, nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "page_1", matches[0].ID)

	id, found, err := dst.FindFileByHash(ctx, "hash-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "doc-1", id)
}

func TestExportRequiresKey(t *testing.T) {
	m := newTestManager(t, config.VectorDBConfig{Path: t.TempDir()})
	err := m.Export(context.Background(), filepath.Join(t.TempDir(), "out.gob"))
	assert.ErrorIs(t, err, models.ErrStore)
}

func TestExportPath(t *testing.T) {
	m := newTestManager(t, config.VectorDBConfig{Path: "/var/lib/chromemdb", Compress: true, EncryptionKey: testKey})
	assert.Equal(t, "/var/lib/chromemdb-export.gob.gz.enc", m.ExportPath())

	m = newTestManager(t, config.VectorDBConfig{})
	assert.Equal(t, "", m.ExportPath())
}

func TestPersistentManager(t *testing.T) {
	ctx := context.Background()
	cfg := config.VectorDBConfig{Path: filepath.Join(t.TempDir(), "db")}

	m, err := NewVectorDBManager(cfg, nil)
	require.NoError(t, err)
	_, err = m.ClaimFile(ctx, identity("doc-1", "hash-1"))
	require.NoError(t, err)

	reopened, err := NewVectorDBManager(cfg, nil)
	require.NoError(t, err)
	id, found, err := reopened.FindFileByHash(ctx, "hash-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "doc-1", id)
}
