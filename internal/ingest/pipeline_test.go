package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/noobcakes33/pdf-parsing-gen-ai/internal/analyzer"
	"github.com/noobcakes33/pdf-parsing-gen-ai/internal/chromemdb"
	"github.com/noobcakes33/pdf-parsing-gen-ai/internal/config"
	"github.com/noobcakes33/pdf-parsing-gen-ai/internal/db"
	"github.com/noobcakes33/pdf-parsing-gen-ai/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockExtractor struct{ mock.Mock }

func (m *MockExtractor) Extract(ctx context.Context, path string) ([]models.Page, error) {
	args := m.Called(ctx, path)
	pages, _ := args.Get(0).([]models.Page)
	return pages, args.Error(1)
}

// recordingStore captures page writes and can be told to fail.
type recordingStore struct {
	*chromemdb.VectorDBManager

	mu       sync.Mutex
	written  map[string][]string
	failAdd  bool
	failFind bool
}

func (s *recordingStore) AddRecords(ctx context.Context, name string, ids, documents []string, metadatas []map[string]string) error {
	if s.failAdd {
		return fmt.Errorf("%w: disk full", models.ErrStore)
	}
	s.mu.Lock()
	s.written[name] = append([]string(nil), documents...)
	s.mu.Unlock()
	return s.VectorDBManager.AddRecords(ctx, name, ids, documents, metadatas)
}

func (s *recordingStore) FindFileByHash(ctx context.Context, hash string) (string, bool, error) {
	if s.failFind {
		return "", false, fmt.Errorf("%w: unavailable", models.ErrStore)
	}
	return s.VectorDBManager.FindFileByHash(ctx, hash)
}

func (s *recordingStore) pages(documentID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written[models.CollectionName(documentID)]
}

func newStore(t *testing.T) *recordingStore {
	t.Helper()
	m, err := chromemdb.NewVectorDBManager(config.VectorDBConfig{InMemory: true}, nil)
	require.NoError(t, err)
	return &recordingStore{VectorDBManager: m, written: map[string][]string{}}
}

func sequentialIDs() func() (string, error) {
	var n atomic.Int64
	return func() (string, error) {
		return fmt.Sprintf("doc-%d", n.Add(1)), nil
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// describeBytes answers with the image bytes as description.
var describeBytes = analyzer.Func(func(_ context.Context, img analyzer.ImageData) (analyzer.Description, error) {
	return analyzer.Description{Description: string(img.Bytes)}, nil
})

func onePage(items ...models.ContentItem) []models.Page {
	return []models.Page{{PageNumber: 1, Items: items}}
}

func TestIngestDedupIdempotence(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	first := writeFile(t, "a.pdf", "identical bytes")
	second := writeFile(t, "copy.pdf", "identical bytes")

	ext := new(MockExtractor)
	ext.On("Extract", mock.Anything, first).Return(onePage(models.TextItem("hello")), nil)

	p := New(ext, describeBytes, store, WithIDGenerator(sequentialIDs()))

	res := p.Ingest(ctx, first)
	require.Equal(t, models.StatusSuccess, res.Status, res.Message)
	assert.Equal(t, "doc-1", res.DocumentID)

	res2 := p.Ingest(ctx, second)
	assert.Equal(t, models.StatusDuplicate, res2.Status)
	assert.Equal(t, res.DocumentID, res2.DocumentID)

	ext.AssertNumberOfCalls(t, "Extract", 1)

	files, err := store.ListFiles(ctx)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "a.pdf", files[0].OriginalName)

	_, err = store.GetCollection(models.CollectionName("doc-1"))
	assert.NoError(t, err)
	_, err = store.GetCollection(models.CollectionName("doc-2"))
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestIngestOrderingUnderParallelLatency(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	path := writeFile(t, "doc.pdf", "ordering")

	slowFirst := analyzer.Func(func(_ context.Context, img analyzer.ImageData) (analyzer.Description, error) {
		if string(img.Bytes) == "img1" {
			time.Sleep(50 * time.Millisecond)
		}
		return analyzer.Description{Description: "desc-" + string(img.Bytes)}, nil
	})

	ext := new(MockExtractor)
	ext.On("Extract", mock.Anything, path).Return(onePage(
		models.TextItem("A"),
		models.ImageItem([]byte("img1"), "png"),
		models.TextItem("B"),
		models.ImageItem([]byte("img2"), "jpeg"),
	), nil)

	p := New(ext, slowFirst, store, WithConcurrency(4))
	res := p.Ingest(ctx, path)
	require.Equal(t, models.StatusSuccess, res.Status, res.Message)

	assert.Equal(t, []string{
		"A\n##Image Description: desc-img1\nB\n##Image Description: desc-img2\n",
	}, store.pages(res.DocumentID))
}

func TestIngestPartialImageFailure(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	path := writeFile(t, "doc.pdf", "partial")

	flaky := analyzer.Func(func(_ context.Context, img analyzer.ImageData) (analyzer.Description, error) {
		switch string(img.Bytes) {
		case "bad":
			return analyzer.Description{}, fmt.Errorf("%w: invalid JSON in model output", models.ErrParse)
		case "blank":
			return analyzer.Description{}, nil
		}
		return analyzer.Description{Description: "a chart"}, nil
	})

	ext := new(MockExtractor)
	ext.On("Extract", mock.Anything, path).Return(onePage(
		models.TextItem("T"),
		models.ImageItem([]byte("bad"), "png"),
		models.ImageItem([]byte("blank"), "png"),
		models.ImageItem([]byte("good"), "png"),
	), nil)

	res := New(ext, flaky, store).Ingest(ctx, path)
	require.Equal(t, models.StatusSuccess, res.Status, res.Message)
	assert.Equal(t, []string{"T\n\n\n##Image Description: a chart\n"}, store.pages(res.DocumentID))
}

func TestIngestPanickingAnalyzer(t *testing.T) {
	ctx := context.Background()
	path := writeFile(t, "doc.pdf", "provider bug")

	panicking := analyzer.Func(func(context.Context, analyzer.ImageData) (analyzer.Description, error) {
		panic("provider bug")
	})

	for name, a := range map[string]analyzer.Analyzer{
		"bare":         panicking,
		"with timeout": analyzer.Chain(panicking, analyzer.WithTimeout(time.Second)),
	} {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ext := new(MockExtractor)
			ext.On("Extract", mock.Anything, path).Return(onePage(
				models.TextItem("A"),
				models.ImageItem([]byte("x"), "png"),
			), nil)

			res := New(ext, a, store).Ingest(ctx, path)
			require.Equal(t, models.StatusSuccess, res.Status, res.Message)
			assert.Equal(t, []string{"A\n\n"}, store.pages(res.DocumentID))
		})
	}
}

func TestIngestEmptyPagesKeepTheirNumbers(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	path := writeFile(t, "doc.pdf", "sparse")

	ext := new(MockExtractor)
	ext.On("Extract", mock.Anything, path).Return([]models.Page{
		{PageNumber: 1, Items: []models.ContentItem{models.TextItem("cover")}},
		{PageNumber: 2},
		{PageNumber: 3, Items: []models.ContentItem{models.TextItem("end")}},
	}, nil)

	res := New(ext, describeBytes, store).Ingest(ctx, path)
	require.Equal(t, models.StatusSuccess, res.Status, res.Message)
	assert.Equal(t, []string{"cover\n", "", "end\n"}, store.pages(res.DocumentID))

	matches, err := store.Query(ctx, models.CollectionName(res.DocumentID), "end", 3, map[string]string{models.MetaPage: "2"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "page_2", matches[0].ID)
}

func TestIngestNoPages(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	path := writeFile(t, "empty.pdf", "nothing")

	ext := new(MockExtractor)
	ext.On("Extract", mock.Anything, path).Return(nil, nil)

	res := New(ext, describeBytes, store, WithIDGenerator(sequentialIDs())).Ingest(ctx, path)
	assert.Equal(t, models.StatusError, res.Status)
	assert.Contains(t, res.Message, models.ErrExtraction.Error())

	files, err := store.ListFiles(ctx)
	require.NoError(t, err)
	assert.Empty(t, files)
	_, err = store.GetCollection(models.CollectionName("doc-1"))
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestIngestErrors(t *testing.T) {
	ctx := context.Background()
	path := writeFile(t, "doc.pdf", "content")

	t.Run("missing file", func(t *testing.T) {
		ext := new(MockExtractor)
		res := New(ext, describeBytes, newStore(t)).Ingest(ctx, filepath.Join(t.TempDir(), "nope.pdf"))
		assert.Equal(t, models.StatusError, res.Status)
		assert.Contains(t, res.Message, models.ErrIO.Error())
		ext.AssertNotCalled(t, "Extract", mock.Anything, mock.Anything)
	})

	t.Run("extractor failure", func(t *testing.T) {
		ext := new(MockExtractor)
		ext.On("Extract", mock.Anything, path).Return(nil, fmt.Errorf("%w: broken xref", models.ErrExtraction))
		store := newStore(t)
		res := New(ext, describeBytes, store).Ingest(ctx, path)
		assert.Equal(t, models.StatusError, res.Status)
		assert.Contains(t, res.Message, "broken xref")

		files, err := store.ListFiles(ctx)
		require.NoError(t, err)
		assert.Empty(t, files)
	})

	t.Run("id generator failure", func(t *testing.T) {
		ext := new(MockExtractor)
		gen := func() (string, error) { return "", errors.New("entropy exhausted") }
		res := New(ext, describeBytes, newStore(t), WithIDGenerator(gen)).Ingest(ctx, path)
		assert.Equal(t, models.StatusError, res.Status)
	})

	t.Run("panic", func(t *testing.T) {
		ext := new(MockExtractor)
		ext.On("Extract", mock.Anything, path).Run(func(mock.Arguments) { panic("boom") })
		res := New(ext, describeBytes, newStore(t)).Ingest(ctx, path)
		assert.Equal(t, models.StatusError, res.Status)
		assert.Contains(t, res.Message, "boom")
	})
}

func TestIngestConcurrentIdenticalContent(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	path := writeFile(t, "doc.pdf", "raced")

	ext := new(MockExtractor)
	ext.On("Extract", mock.Anything, path).Return(onePage(models.TextItem("x")), nil)
	p := New(ext, describeBytes, store, WithIDGenerator(sequentialIDs()))

	const n = 8
	results := make([]models.IngestResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = p.Ingest(ctx, path)
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, r := range results {
		assert.Equal(t, results[0].DocumentID, r.DocumentID)
		if r.Status == models.StatusSuccess {
			successes++
		} else {
			assert.Equal(t, models.StatusDuplicate, r.Status)
		}
	}
	assert.Equal(t, 1, successes)
	ext.AssertNumberOfCalls(t, "Extract", 1)
	assert.Zero(t, p.locks.size())
}

func TestIngestContentWriteFailure(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	store.failAdd = true
	path := writeFile(t, "doc.pdf", "unlucky")

	ext := new(MockExtractor)
	ext.On("Extract", mock.Anything, path).Return(onePage(models.TextItem("x")), nil)
	p := New(ext, describeBytes, store)

	res := p.Ingest(ctx, path)
	assert.Equal(t, models.StatusError, res.Status)
	assert.Contains(t, res.Message, "disk full")

	files, err := store.ListFiles(ctx)
	require.NoError(t, err)
	assert.Empty(t, files, "the metadata claim is released")

	store.failAdd = false
	res = p.Ingest(ctx, path)
	assert.Equal(t, models.StatusSuccess, res.Status, res.Message)
}

func TestIngestDedupStoreErrorProceeds(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	store.failFind = true
	path := writeFile(t, "doc.pdf", "optimistic")

	ext := new(MockExtractor)
	ext.On("Extract", mock.Anything, path).Return(onePage(models.TextItem("x")), nil)

	res := New(ext, describeBytes, store).Ingest(ctx, path)
	assert.Equal(t, models.StatusSuccess, res.Status, res.Message)
}

func TestIngestSharedRegistry(t *testing.T) {
	ctx := context.Background()
	registry, err := db.Open(ctx, config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = registry.Close() })

	path := writeFile(t, "doc.pdf", "shared")
	ext := new(MockExtractor)
	ext.On("Extract", mock.Anything, path).Return(onePage(models.ImageItem([]byte("logo"), "png")), nil)

	// two processes with their own stores and one registry
	a := New(ext, describeBytes, newStore(t), WithRegistry(registry), WithIDGenerator(func() (string, error) { return "first", nil }))
	b := New(ext, describeBytes, newStore(t), WithRegistry(registry), WithIDGenerator(func() (string, error) { return "second", nil }))

	res := a.Ingest(ctx, path)
	require.Equal(t, models.StatusSuccess, res.Status, res.Message)

	res = b.Ingest(ctx, path)
	assert.Equal(t, models.StatusDuplicate, res.Status)
	assert.Equal(t, "first", res.DocumentID)

	row, err := registry.Get(ctx, "first")
	require.NoError(t, err)
	assert.Equal(t, db.StatusIndexed, row.Status)
	assert.Equal(t, 1, row.PageCount)
	assert.Equal(t, 1, row.ImageCount)
}

func TestIngestAll(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	one := writeFile(t, "one.pdf", "1")
	two := writeFile(t, "two.pdf", "2")

	ext := new(MockExtractor)
	ext.On("Extract", mock.Anything, mock.Anything).Return(onePage(models.TextItem("x")), nil)
	p := New(ext, describeBytes, store)

	results := p.IngestAll(ctx, []string{one, two, one})
	require.Len(t, results, 3)
	assert.Equal(t, models.StatusSuccess, results[0].Status)
	assert.Equal(t, models.StatusSuccess, results[1].Status)
	assert.Equal(t, models.StatusDuplicate, results[2].Status)
	assert.Equal(t, results[0].DocumentID, results[2].DocumentID)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	results = p.IngestAll(cancelled, []string{two})
	assert.Equal(t, models.StatusError, results[0].Status)
}

func TestHashLocksSerialize(t *testing.T) {
	l := newHashLocks()
	unlock := l.lock("h")

	acquired := make(chan struct{})
	go func() {
		release := l.lock("h")
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while the first is held")
	case <-time.After(20 * time.Millisecond):
	}

	other := l.lock("other")
	other()

	unlock()
	<-acquired
	assert.Eventually(t, func() bool { return l.size() == 0 }, time.Second, time.Millisecond)
}
