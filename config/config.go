// Package config loads the compile-time tunables enumerated in spec.md §6
// from a TOML file, the way the teacher repo's node configuration layer
// loads its own settings, falling back to documented defaults for
// anything the file omits.
package config

import (
	"os"

	"github.com/c2h5oh/datasize"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"

	"github.com/erigontech/teseo/bufferpool"
	"github.com/erigontech/teseo/memstore"
)

// Config mirrors every tunable from spec.md §6's "Environment / tunables"
// list, one field per named constant.
type Config struct {
	Memstore struct {
		SegmentSize               int `toml:"segment_size"`                 // memstore_segment_size
		NumSegmentsPerLeaf        int `toml:"num_segments_per_leaf"`        // memstore_num_segments_per_leaf
		MaxNumSegmentsPerLeaf     int `toml:"max_num_segments_per_leaf"`    // memstore_max_num_segments_per_leaf
		PayloadFileNextBlockSize  int `toml:"payload_file_next_block_size"` // memstore_payload_file_next_block_size
	} `toml:"memstore"`

	Crawler struct {
		CalibratorTreeHeight int `toml:"calibrator_tree_height"` // crawler_calibrator_tree_height; 0 = derive from leaf size
	} `toml:"crawler"`

	Async struct {
		NumThreads int `toml:"num_threads"` // async_num_threads
		DelayMs    int `toml:"delay_ms"`    // async_delay
	} `toml:"async"`

	BufferPool struct {
		// PageSize and MaxLogicalBytes accept human-readable sizes ("4KB",
		// "2GB") in the TOML file, the way the teacher's node config
		// expresses byte-size tunables, via datasize.ByteSize's
		// TextUnmarshaler.
		PageSize        datasize.ByteSize `toml:"page_size"`         // bp_page_size
		MinNumPages     int               `toml:"min_num_pages"`      // bp_min_num_pages
		MaxLogicalBytes datasize.ByteSize `toml:"max_logical_memory"` // bp_max_logical_memory
		HugePages       bool              `toml:"huge_pages"`         // huge_pages
	} `toml:"buffer_pool"`

	GC struct {
		QueueInitialCapacity int `toml:"queue_initial_capacity"` // gc_queue_initial_capacity
	} `toml:"gc"`

	Runtime struct {
		TxnListRefresh int `toml:"txnlist_refresh"` // runtime_txnlist_refresh
	} `toml:"runtime"`
}

// Default returns the zero-value Config: every field left at 0/false,
// which every downstream consumer (memstore.Options, bufferpool.Config)
// already treats as "use the built-in default" (spec.md's tunables are
// all optional).
func Default() Config {
	return Config{}
}

// Load reads and parses a TOML configuration file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "config: read file")
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "config: parse toml")
	}
	return cfg, nil
}

// MemstoreOptions projects the memstore-relevant tunables into
// memstore.Options, the shape memstore.New expects.
func (c Config) MemstoreOptions() memstore.Options {
	return memstore.Options{
		SparseCapacityQwords: c.Memstore.SegmentSize,
		SegmentsPerLeaf:       c.Memstore.NumSegmentsPerLeaf,
		MaxSegmentsPerLeaf:    c.Memstore.MaxNumSegmentsPerLeaf,
		AsyncWorkers:          c.Async.NumThreads,
		BufferPool: bufferpool.Config{
			PageSize:        int(c.BufferPool.PageSize.Bytes()),
			MinNumPages:     c.BufferPool.MinNumPages,
			MaxLogicalBytes: int(c.BufferPool.MaxLogicalBytes.Bytes()),
			HugePages:       c.BufferPool.HugePages,
		},
	}
}
