package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsZeroValue(t *testing.T) {
	cfg := Default()
	assert.Equal(t, Config{}, cfg)
}

func TestLoadParsesHumanReadableByteSizes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "teseo.toml")
	toml := `
[buffer_pool]
page_size = "4KB"
min_num_pages = 16
max_logical_memory = "2GB"
huge_pages = true

[memstore]
segment_size = 1024
num_segments_per_leaf = 8
`
	require.NoError(t, os.WriteFile(path, []byte(toml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(4*1024), uint64(cfg.BufferPool.PageSize))
	assert.Equal(t, uint64(2*1024*1024*1024), uint64(cfg.BufferPool.MaxLogicalBytes))
	assert.True(t, cfg.BufferPool.HugePages)
	assert.Equal(t, 1024, cfg.Memstore.SegmentSize)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load("/nonexistent/path/teseo.toml")
	assert.Error(t, err)
}

func TestMemstoreOptionsProjectsByteSizesToInt(t *testing.T) {
	var cfg Config
	cfg.BufferPool.PageSize = 8192
	cfg.BufferPool.MaxLogicalBytes = 1 << 20
	cfg.Memstore.SegmentSize = 512
	cfg.Async.NumThreads = 3

	opts := cfg.MemstoreOptions()
	assert.Equal(t, 8192, opts.BufferPool.PageSize)
	assert.Equal(t, 1<<20, opts.BufferPool.MaxLogicalBytes)
	assert.Equal(t, 512, opts.SparseCapacityQwords)
	assert.Equal(t, 3, opts.AsyncWorkers)
}
