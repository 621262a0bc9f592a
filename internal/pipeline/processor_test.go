package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smart-qa-go/internal/config"
	"smart-qa-go/internal/model"
	"smart-qa-go/pkg/tasks"
)

func init() {
	config.Conf.Chunking = config.ChunkingConfig{Size: 50, Overlap: 10, MaxExpandRatio: 1.2}
	config.Conf.Retrieval.TopK = 5
	config.Conf.Retrieval.EnableHybrid = true
	config.Conf.Embedding.Model = "test-embedding"
}

type fakeExtractor struct {
	text string
	err  error
}

func (f *fakeExtractor) ExtractText(_ io.Reader, _ string) (string, error) {
	return f.text, f.err
}

type fakeObjectStore struct {
	objects map[string][]byte
}

func (f *fakeObjectStore) FetchObject(_ context.Context, key string) ([]byte, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("object not found: %s", key)
	}
	return data, nil
}

func (f *fakeObjectStore) PresignURL(key string) (string, error) {
	return "https://minio.local/" + key, nil
}

type fakeEmbedder struct {
	err   error
	calls int
}

func (f *fakeEmbedder) CreateEmbedding(_ context.Context, _ string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

func (f *fakeEmbedder) CreateImageEmbedding(_ context.Context, _ string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.4, 0.5, 0.6}, nil
}

type fileKey struct{ kb, file uint }

type fakeIndexer struct {
	docs map[fileKey][]model.ChunkDocument
}

func newFakeIndexer() *fakeIndexer {
	return &fakeIndexer{docs: make(map[fileKey][]model.ChunkDocument)}
}

func (f *fakeIndexer) IndexChunk(_ context.Context, doc model.ChunkDocument) error {
	k := fileKey{doc.KnowledgeBaseID, doc.FileID}
	f.docs[k] = append(f.docs[k], doc)
	return nil
}

func (f *fakeIndexer) DeleteFileChunks(_ context.Context, kbID, fileID uint) error {
	delete(f.docs, fileKey{kbID, fileID})
	return nil
}

type fakeLocker struct {
	held     map[fileKey]bool
	acquired int
	released int
	denied   bool
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[fileKey]bool)}
}

func (f *fakeLocker) Acquire(_ context.Context, kbID, fileID uint) (bool, error) {
	if f.denied {
		return false, nil
	}
	k := fileKey{kbID, fileID}
	if f.held[k] {
		return false, nil
	}
	f.held[k] = true
	f.acquired++
	return true, nil
}

func (f *fakeLocker) Release(_ context.Context, kbID, fileID uint) error {
	delete(f.held, fileKey{kbID, fileID})
	f.released++
	return nil
}

type fakeChunkRepo struct {
	store  map[fileKey][]model.Chunk
	nextID uint
}

func newFakeChunkRepo() *fakeChunkRepo {
	return &fakeChunkRepo{store: make(map[fileKey][]model.Chunk), nextID: 1}
}

func (f *fakeChunkRepo) ReplaceFileChunks(kbID, fileID uint, chunks []model.Chunk) error {
	k := fileKey{kbID, fileID}
	stored := make([]model.Chunk, len(chunks))
	for i := range chunks {
		chunks[i].ID = f.nextID
		f.nextID++
		stored[i] = chunks[i]
	}
	f.store[k] = stored
	return nil
}

func (f *fakeChunkRepo) FindByIDs(ids []uint) ([]model.Chunk, error) { return nil, nil }

func (f *fakeChunkRepo) FindNeighbors(fileID uint, center, window int) ([]model.Chunk, error) {
	return nil, nil
}

func (f *fakeChunkRepo) FindByFile(kbID, fileID uint) ([]model.Chunk, error) {
	return f.store[fileKey{kbID, fileID}], nil
}

func (f *fakeChunkRepo) DeleteByFile(kbID, fileID uint) error {
	delete(f.store, fileKey{kbID, fileID})
	return nil
}

func (f *fakeChunkRepo) CountByKnowledgeBase(kbID uint) (int64, error) {
	var n int64
	for k, chunks := range f.store {
		if k.kb == kbID {
			n += int64(len(chunks))
		}
	}
	return n, nil
}

type fakeFileRepo struct {
	statuses map[uint]string
	reasons  map[uint]string
}

func newFakeFileRepo() *fakeFileRepo {
	return &fakeFileRepo{statuses: make(map[uint]string), reasons: make(map[uint]string)}
}

func (f *fakeFileRepo) Create(file *model.File) error             { return nil }
func (f *fakeFileRepo) FindByID(id uint) (*model.File, error)     { return &model.File{ID: id}, nil }
func (f *fakeFileRepo) FindByIDs(ids []uint) ([]model.File, error) { return nil, nil }
func (f *fakeFileRepo) FindByKnowledgeBase(kbID uint) ([]model.File, error) {
	return nil, nil
}
func (f *fakeFileRepo) UpdateStatus(id uint, status, failReason string) error {
	f.statuses[id] = status
	f.reasons[id] = failReason
	return nil
}
func (f *fakeFileRepo) Delete(id uint) error { return nil }

type fakeKBRepo struct {
	kbs map[uint]*model.KnowledgeBase
}

func (f *fakeKBRepo) Create(kb *model.KnowledgeBase) error { return nil }
func (f *fakeKBRepo) FindByID(id uint) (*model.KnowledgeBase, error) {
	kb, ok := f.kbs[id]
	if !ok {
		return nil, errors.New("record not found")
	}
	return kb, nil
}
func (f *fakeKBRepo) FindByUser(userID uint) ([]model.KnowledgeBase, error) { return nil, nil }
func (f *fakeKBRepo) Update(kb *model.KnowledgeBase) error                  { return nil }
func (f *fakeKBRepo) Delete(id uint) error                                  { return nil }

type processorFixture struct {
	processor *Processor
	extractor *fakeExtractor
	store     *fakeObjectStore
	embedder  *fakeEmbedder
	indexer   *fakeIndexer
	locker    *fakeLocker
	chunkRepo *fakeChunkRepo
	fileRepo  *fakeFileRepo
	kbRepo    *fakeKBRepo
}

func newProcessorFixture() *processorFixture {
	f := &processorFixture{
		extractor: &fakeExtractor{text: strings.Repeat("这是一个测试句子。", 20)},
		store:     &fakeObjectStore{objects: map[string][]byte{"kb1/a.txt": []byte("raw")}},
		embedder:  &fakeEmbedder{},
		indexer:   newFakeIndexer(),
		locker:    newFakeLocker(),
		chunkRepo: newFakeChunkRepo(),
		fileRepo:  newFakeFileRepo(),
		kbRepo: &fakeKBRepo{kbs: map[uint]*model.KnowledgeBase{
			1: {ID: 1, Name: "kb-one"},
			2: {ID: 2, Name: "kb-two"},
		}},
	}
	f.processor = NewProcessor(f.extractor, f.embedder, f.store, f.indexer, f.locker,
		f.chunkRepo, f.fileRepo, f.kbRepo)
	return f
}

func TestProcessor_RebuildsFileIndex(t *testing.T) {
	f := newProcessorFixture()
	task := tasks.ReindexTask{KnowledgeBaseID: 1, FileID: 10, ObjectKey: "kb1/a.txt", Filename: "a.txt"}

	err := f.processor.Process(context.Background(), task)
	require.NoError(t, err)

	chunks := f.chunkRepo.store[fileKey{1, 10}]
	require.NotEmpty(t, chunks)
	// chunk_index 必须从 0 连续递增
	for i, c := range chunks {
		assert.Equal(t, i, c.ChunkIndex)
		assert.Equal(t, uint(1), c.KnowledgeBaseID)
		assert.Equal(t, uint(10), c.FileID)
	}

	docs := f.indexer.docs[fileKey{1, 10}]
	assert.Len(t, docs, len(chunks))
	assert.Equal(t, model.FileStatusIndexed, f.fileRepo.statuses[10])
	assert.Equal(t, 1, f.locker.acquired)
	assert.Equal(t, 1, f.locker.released)
}

func TestProcessor_ReindexOnlyTouchesTargetFile(t *testing.T) {
	f := newProcessorFixture()

	// 预先放入另一个知识库和同库其他文件的数据
	otherKB := fileKey{2, 20}
	otherFile := fileKey{1, 11}
	f.chunkRepo.store[otherKB] = []model.Chunk{{ID: 900, FileID: 20, KnowledgeBaseID: 2, Content: "kb2 data"}}
	f.chunkRepo.store[otherFile] = []model.Chunk{{ID: 901, FileID: 11, KnowledgeBaseID: 1, Content: "other file"}}
	f.indexer.docs[otherKB] = []model.ChunkDocument{{VectorID: "20_0", KnowledgeBaseID: 2, FileID: 20}}
	f.indexer.docs[otherFile] = []model.ChunkDocument{{VectorID: "11_0", KnowledgeBaseID: 1, FileID: 11}}

	task := tasks.ReindexTask{KnowledgeBaseID: 1, FileID: 10, ObjectKey: "kb1/a.txt", Filename: "a.txt"}
	require.NoError(t, f.processor.Process(context.Background(), task))

	// 其他知识库与同库其他文件的数据必须原样保留
	assert.Len(t, f.chunkRepo.store[otherKB], 1)
	assert.Equal(t, "kb2 data", f.chunkRepo.store[otherKB][0].Content)
	assert.Len(t, f.chunkRepo.store[otherFile], 1)
	assert.Len(t, f.indexer.docs[otherKB], 1)
	assert.Len(t, f.indexer.docs[otherFile], 1)
}

func TestProcessor_LockDeniedReturnsError(t *testing.T) {
	f := newProcessorFixture()
	f.locker.denied = true

	task := tasks.ReindexTask{KnowledgeBaseID: 1, FileID: 10, ObjectKey: "kb1/a.txt", Filename: "a.txt"}
	err := f.processor.Process(context.Background(), task)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "已在执行")
	assert.Zero(t, f.locker.released)
}

func TestProcessor_InvalidKBConfigFailsFile(t *testing.T) {
	f := newProcessorFixture()
	badOverlap := 100
	badSize := 50
	f.kbRepo.kbs[1].ChunkSize = &badSize
	f.kbRepo.kbs[1].ChunkOverlap = &badOverlap // overlap >= size

	task := tasks.ReindexTask{KnowledgeBaseID: 1, FileID: 10, ObjectKey: "kb1/a.txt", Filename: "a.txt"}
	err := f.processor.Process(context.Background(), task)
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
	assert.Equal(t, model.FileStatusFailed, f.fileRepo.statuses[10])
	// 配置错误时不应写入任何块
	assert.Empty(t, f.chunkRepo.store[fileKey{1, 10}])
}

func TestProcessor_EmbeddingFailureMarksFileFailed(t *testing.T) {
	f := newProcessorFixture()
	f.embedder.err = errors.New("embedding service down")

	task := tasks.ReindexTask{KnowledgeBaseID: 1, FileID: 10, ObjectKey: "kb1/a.txt", Filename: "a.txt"}
	err := f.processor.Process(context.Background(), task)
	require.Error(t, err)
	assert.Equal(t, model.FileStatusFailed, f.fileRepo.statuses[10])
	assert.Contains(t, f.fileRepo.reasons[10], "向量化失败")
	// 锁必须被释放
	assert.Equal(t, 1, f.locker.released)
}

func TestProcessor_ImageFileIndexedAsSingleChunk(t *testing.T) {
	f := newProcessorFixture()
	f.store.objects["kb1/pic.png"] = []byte{0x89, 0x50}

	task := tasks.ReindexTask{KnowledgeBaseID: 1, FileID: 12, ObjectKey: "kb1/pic.png", Filename: "pic.png", IsImage: true}
	require.NoError(t, f.processor.Process(context.Background(), task))

	chunks := f.chunkRepo.store[fileKey{1, 12}]
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].ChunkIndex)
	docs := f.indexer.docs[fileKey{1, 12}]
	require.Len(t, docs, 1)
	assert.True(t, docs[0].IsImage)
}
