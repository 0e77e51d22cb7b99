package storage

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// pageStore is the byte-level page persistence surface the buffer pool
// needs. Both DiskManager and MmapDiskManager implement it; Config.UseMmap
// selects which backend NewBufferPoolManagerFromConfig opens. AllocatePage
// is deliberately excluded: DiskManager's never fails while
// MmapDiskManager's can trigger a file grow, so each backend is wired in
// through its own allocate closure instead of a shared method signature.
type pageStore interface {
	ReadPage(pageId PageID) ([]byte, error)
	WritePage(pageId PageID, data []byte) error
	WritePagesV(writes []PageWrite) error
	Close() error
}

// BufferPoolManager manages a fixed pool of in-memory page frames backed by
// a pageStore, using an ExtendibleHashTable to map page ids to frames and
// an LRUKReplacer to pick eviction victims among unpinned frames.
type BufferPoolManager struct {
	poolSize     uint32
	pages        []*Page // indexed by frame id
	pageTable    *ExtendibleHashTable[PageID, FrameID]
	freeList     []FrameID
	diskManager  pageStore
	allocatePage func() (PageID, error)
	logManager   *LogManager // optional WAL integration
	replacer     *LRUKReplacer
	metrics      *Metrics
	metricsOn    bool
	compression  CompressionType
	logger       *slog.Logger

	freeListMutex sync.Mutex // protects freeList only
	pagesMutex    sync.RWMutex
}

// NewBufferPoolManager creates a buffer pool of poolSize frames backed by
// diskManager, using k as the LRU-K replacer's history depth. A nil logger
// defaults to slog.Default(). Page compression is off; use
// NewBufferPoolManagerFromConfig to drive compression, WAL, and backend
// choice from a Config.
func NewBufferPoolManager(poolSize uint32, k uint32, diskManager *DiskManager, logger *slog.Logger) (*BufferPoolManager, error) {
	return newBufferPoolManager(poolSize, k, diskManager, func() (PageID, error) {
		return diskManager.AllocatePage(), nil
	}, logger)
}

// NewBufferPoolManagerFromConfig builds a buffer pool entirely from cfg: it
// opens MmapDiskManager or DiskManager under cfg.DataDirectory depending on
// cfg.UseMmap, applies cfg.WALCompressionAlg (only when cfg.WALCompression
// is set) to every page write, gates latency/counter recording on
// cfg.EnableMetrics, and — when cfg.WALEnabled — opens a LogManager under
// cfg.WALDirectory through NewLogManagerWithConfig(cfg.WALCompression) and
// wires it in via SetLogManager.
func NewBufferPoolManagerFromConfig(cfg *Config, logger *slog.Logger) (*BufferPoolManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDirectory, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbFile := filepath.Join(cfg.DataDirectory, "hexpool.db")

	var (
		store    pageStore
		allocate func() (PageID, error)
	)
	if cfg.UseMmap {
		mdm, err := NewMmapDiskManager(dbFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open mmap disk manager: %w", err)
		}
		store, allocate = mdm, mdm.AllocatePage
	} else {
		dm, err := NewDiskManager(dbFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open disk manager: %w", err)
		}
		store, allocate = dm, func() (PageID, error) { return dm.AllocatePage(), nil }
	}

	bpm, err := newBufferPoolManager(cfg.BufferPoolSize, cfg.LRUKValue, store, allocate, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	bpm.compression = compressionFromConfig(cfg)
	bpm.metricsOn = cfg.EnableMetrics

	if cfg.WALEnabled {
		if err := os.MkdirAll(cfg.WALDirectory, 0755); err != nil {
			return nil, fmt.Errorf("failed to create WAL directory: %w", err)
		}
		walFile := filepath.Join(cfg.WALDirectory, "wal.log")
		lm, err := NewLogManagerWithConfig(walFile, cfg.WALCompression)
		if err != nil {
			return nil, fmt.Errorf("failed to open WAL: %w", err)
		}
		bpm.SetLogManager(lm)
	}

	return bpm, nil
}

func newBufferPoolManager(poolSize uint32, k uint32, diskManager pageStore, allocate func() (PageID, error), logger *slog.Logger) (*BufferPoolManager, error) {
	if poolSize == 0 {
		return nil, fmt.Errorf("pool size must be greater than 0")
	}
	if logger == nil {
		logger = slog.Default()
	}

	bpm := &BufferPoolManager{
		poolSize:     poolSize,
		pages:        make([]*Page, poolSize),
		pageTable:    New[PageID, FrameID](4, Uint32Hash),
		freeList:     make([]FrameID, 0, poolSize),
		diskManager:  diskManager,
		allocatePage: allocate,
		replacer:     NewLRUKReplacer(int(poolSize), int(k)),
		metrics:      NewMetrics(),
		metricsOn:    true,
		compression:  CompressionNone,
		logger:       logger,
	}

	for i := FrameID(0); i < poolSize; i++ {
		bpm.freeList = append(bpm.freeList, i)
	}

	return bpm, nil
}

// SetLogManager sets the log manager used for the write-ahead rule on dirty
// page flushes.
func (bpm *BufferPoolManager) SetLogManager(logManager *LogManager) {
	bpm.pagesMutex.Lock()
	defer bpm.pagesMutex.Unlock()
	bpm.logManager = logManager
}

func (bpm *BufferPoolManager) GetPoolSize() uint32 {
	return bpm.poolSize
}

// NewPage allocates a page on disk and brings it into the buffer pool,
// pinned.
func (bpm *BufferPoolManager) NewPage() (*Page, error) {
	pageId, err := bpm.allocatePage()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate page: %w", err)
	}

	frameId, err := bpm.getFrameId()
	if err != nil {
		return nil, fmt.Errorf("failed to get free frame: %w", err)
	}

	page := NewPage(pageId, frameId)
	page.Pin()

	bpm.pagesMutex.Lock()
	bpm.pages[frameId] = page
	bpm.pagesMutex.Unlock()

	bpm.pageTable.Insert(pageId, frameId)
	bpm.replacer.RecordAccess(frameId)
	bpm.replacer.SetEvictable(frameId, false)

	bpm.logger.Debug("buffer pool: new page", "page_id", pageId, "frame_id", frameId)

	return page, nil
}

// FetchPage returns the page for pageId, reading it from disk on a cache
// miss. The returned page is pinned; callers must call UnpinPage when done.
func (bpm *BufferPoolManager) FetchPage(pageId PageID) (*Page, error) {
	start := time.Now()

	if frameId, ok := bpm.pageTable.Find(pageId); ok {
		if bpm.metricsOn {
			bpm.metrics.RecordCacheHit()
		}

		bpm.pagesMutex.RLock()
		page := bpm.pages[frameId]
		bpm.pagesMutex.RUnlock()

		page.Pin()
		bpm.replacer.RecordAccess(frameId)
		bpm.replacer.SetEvictable(frameId, false)
		if bpm.metricsOn {
			bpm.metrics.RecordPageFetchLatency(time.Since(start))
		}
		return page, nil
	}

	if bpm.metricsOn {
		bpm.metrics.RecordCacheMiss()
	}

	frameId, err := bpm.getFrameId()
	if err != nil {
		return nil, fmt.Errorf("failed to get free frame: %w", err)
	}

	pageData, err := bpm.diskManager.ReadPage(pageId)
	if err != nil {
		return nil, fmt.Errorf("failed to read page from disk: %w", err)
	}

	pageData, err = DecompressPageTransparent(pageData)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress page from disk: %w", err)
	}

	page := NewPage(pageId, frameId)
	page.ResetTo(pageId, pageData)
	page.Pin()

	bpm.pagesMutex.Lock()
	bpm.pages[frameId] = page
	bpm.pagesMutex.Unlock()

	bpm.pageTable.Insert(pageId, frameId)
	bpm.replacer.RecordAccess(frameId)
	bpm.replacer.SetEvictable(frameId, false)

	if bpm.metricsOn {
		bpm.metrics.RecordPageFetchLatency(time.Since(start))
	}

	return page, nil
}

// UnpinPage unpins a page, optionally marking it dirty, and makes it
// evictable once its pin count reaches zero.
func (bpm *BufferPoolManager) UnpinPage(pageId PageID, isDirty bool) error {
	frameId, ok := bpm.pageTable.Find(pageId)
	if !ok {
		return fmt.Errorf("page %d not found in buffer pool", pageId)
	}

	bpm.pagesMutex.RLock()
	page := bpm.pages[frameId]
	bpm.pagesMutex.RUnlock()

	page.Unpin()
	if isDirty {
		page.SetDirty(true)
	}

	if page.PinCount() == 0 {
		bpm.replacer.SetEvictable(frameId, true)
	}

	return nil
}

// getFrameId returns a free frame, evicting an unpinned page if necessary.
func (bpm *BufferPoolManager) getFrameId() (FrameID, error) {
	bpm.freeListMutex.Lock()
	if len(bpm.freeList) > 0 {
		frameId := bpm.freeList[0]
		bpm.freeList = bpm.freeList[1:]
		bpm.freeListMutex.Unlock()
		return frameId, nil
	}
	bpm.freeListMutex.Unlock()

	return bpm.evictPage()
}

// evictPage asks the replacer for a victim frame, flushes it if dirty, and
// removes its page table entry. The page id bound to the evicted frame is
// found via pageTable.ForEach rather than the frame's cached Page.ID(): the
// hash table, not the frame array, is the source of truth for the
// pageID→frameID binding it owns.
func (bpm *BufferPoolManager) evictPage() (FrameID, error) {
	frameId, ok := bpm.replacer.Evict()
	if !ok {
		return 0, ErrNoFreePages("evictPage")
	}

	bpm.pagesMutex.Lock()
	page := bpm.pages[frameId]
	if page != nil {
		if page.IsDirty() {
			if bpm.metricsOn {
				bpm.metrics.RecordDirtyPageFlush()
			}
			if err := bpm.flushPage(page); err != nil {
				bpm.pagesMutex.Unlock()
				return 0, fmt.Errorf("failed to flush dirty page: %w", err)
			}
		}

		var evictedPageId PageID
		bpm.pageTable.ForEach(func(pid PageID, fid FrameID) bool {
			if fid == frameId {
				evictedPageId = pid
				return false
			}
			return true
		})
		bpm.pageTable.Remove(evictedPageId)
		bpm.pages[frameId] = nil
	}
	bpm.pagesMutex.Unlock()

	if bpm.metricsOn {
		bpm.metrics.RecordPageEviction()
	}
	bpm.logger.Debug("buffer pool: evicted frame", "frame_id", frameId)

	return frameId, nil
}

// flushPage writes a page back to disk, flushing the WAL first per the
// write-ahead rule and compressing the page image per bpm.compression.
func (bpm *BufferPoolManager) flushPage(page *Page) error {
	start := time.Now()

	if bpm.logManager != nil && page.IsDirty() {
		if err := bpm.logManager.Flush(); err != nil {
			return fmt.Errorf("failed to flush WAL before page write: %w", err)
		}
	}

	out := page.Data()
	if bpm.compression != CompressionNone {
		compressed, err := CompressPageTransparent(page.Data(), bpm.compression)
		if err != nil {
			return fmt.Errorf("failed to compress page before write: %w", err)
		}
		out = compressed
	}

	if err := bpm.diskManager.WritePage(page.ID(), out); err != nil {
		return err
	}

	page.SetDirty(false)
	if bpm.metricsOn {
		bpm.metrics.RecordPageFlushLatency(time.Since(start))
	}
	return nil
}

// FlushPage explicitly flushes one page to disk.
func (bpm *BufferPoolManager) FlushPage(pageId PageID) error {
	frameId, ok := bpm.pageTable.Find(pageId)
	if !ok {
		return fmt.Errorf("page %d not found in buffer pool", pageId)
	}

	bpm.pagesMutex.RLock()
	page := bpm.pages[frameId]
	bpm.pagesMutex.RUnlock()

	return bpm.flushPage(page)
}

// FlushAllPages flushes every dirty page in a single batched disk write,
// compressing each page image per bpm.compression.
func (bpm *BufferPoolManager) FlushAllPages() error {
	if bpm.logManager != nil {
		if err := bpm.logManager.Flush(); err != nil {
			return fmt.Errorf("failed to flush WAL: %w", err)
		}
	}

	bpm.pagesMutex.RLock()
	writes := make([]PageWrite, 0)
	dirty := make([]*Page, 0)
	var compressErr error
	for _, page := range bpm.pages {
		if page != nil && page.IsDirty() {
			buf := make([]byte, PageSize)
			copy(buf, page.Data())

			if bpm.compression != CompressionNone {
				compressed, err := CompressPageTransparent(buf, bpm.compression)
				if err != nil {
					compressErr = err
					break
				}
				buf = compressed
			}

			writes = append(writes, PageWrite{PageID: page.ID(), Data: buf})
			dirty = append(dirty, page)
		}
	}
	bpm.pagesMutex.RUnlock()

	if compressErr != nil {
		return fmt.Errorf("failed to compress page before batch write: %w", compressErr)
	}

	if len(writes) == 0 {
		return nil
	}

	if err := bpm.diskManager.WritePagesV(writes); err != nil {
		return fmt.Errorf("failed to batch write pages: %w", err)
	}

	for _, page := range dirty {
		page.SetDirty(false)
	}

	return nil
}

// GetDirtyPageCount returns the number of dirty pages currently resident.
func (bpm *BufferPoolManager) GetDirtyPageCount() int {
	bpm.pagesMutex.RLock()
	defer bpm.pagesMutex.RUnlock()

	count := 0
	for _, page := range bpm.pages {
		if page != nil && page.IsDirty() {
			count++
		}
	}
	return count
}

// GetCapacity returns the total number of frames in the pool.
func (bpm *BufferPoolManager) GetCapacity() int {
	return int(bpm.poolSize)
}

// GetDirtyPages returns up to maxPages dirty page IDs.
func (bpm *BufferPoolManager) GetDirtyPages(maxPages int) []PageID {
	bpm.pagesMutex.RLock()
	defer bpm.pagesMutex.RUnlock()

	dirtyPages := make([]PageID, 0, maxPages)
	for _, page := range bpm.pages {
		if len(dirtyPages) >= maxPages {
			break
		}
		if page != nil && page.IsDirty() {
			dirtyPages = append(dirtyPages, page.ID())
		}
	}
	return dirtyPages
}

// GetMetrics returns the buffer pool's metrics tracker.
func (bpm *BufferPoolManager) GetMetrics() *Metrics {
	return bpm.metrics
}

// DeletePage removes pageId from the buffer pool, freeing its frame back to
// the free list. It refuses with ErrPagePinned if the page is still pinned.
// Deleting a page the pool does not currently hold is a no-op that reports
// false, not an error.
func (bpm *BufferPoolManager) DeletePage(pageId PageID) (bool, error) {
	frameId, ok := bpm.pageTable.Find(pageId)
	if !ok {
		return false, nil
	}

	bpm.pagesMutex.Lock()
	page := bpm.pages[frameId]
	if page != nil && page.PinCount() > 0 {
		pinCount := page.PinCount()
		bpm.pagesMutex.Unlock()
		return false, ErrPagePinned("DeletePage", pageId, pinCount)
	}
	bpm.pages[frameId] = nil
	bpm.pagesMutex.Unlock()

	bpm.pageTable.Remove(pageId)
	bpm.replacer.Remove(frameId)

	bpm.freeListMutex.Lock()
	bpm.freeList = append(bpm.freeList, frameId)
	bpm.freeListMutex.Unlock()

	bpm.logger.Debug("buffer pool: deleted page", "page_id", pageId, "frame_id", frameId)

	return true, nil
}
