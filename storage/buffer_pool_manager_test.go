package storage

import (
	"os"
	"testing"
)

func TestBufferPoolManager(t *testing.T) {
	testFileName := "test_buffer_pool.db"
	defer os.Remove(testFileName)

	dm, err := NewDiskManager(testFileName)
	if err != nil {
		t.Fatalf("Failed to create DiskManager: %v", err)
	}
	defer dm.Close()

	poolSize := uint32(3) // Small pool for testing
	bpm, err := NewBufferPoolManager(poolSize, 2, dm, nil)
	if err != nil {
		t.Fatalf("Failed to create BufferPoolManager: %v", err)
	}

	if bpm.GetPoolSize() != poolSize {
		t.Errorf("Expected pool size %d, got %d", poolSize, bpm.GetPoolSize())
	}
	if bpm.GetCapacity() != int(poolSize) {
		t.Errorf("Expected capacity %d, got %d", poolSize, bpm.GetCapacity())
	}
}

func TestFetchNewPage(t *testing.T) {
	testFileName := "test_fetch_new.db"
	defer os.Remove(testFileName)

	dm, err := NewDiskManager(testFileName)
	if err != nil {
		t.Fatalf("Failed to create DiskManager: %v", err)
	}
	defer dm.Close()

	poolSize := uint32(3)
	bpm, err := NewBufferPoolManager(poolSize, 2, dm, nil)
	if err != nil {
		t.Fatalf("Failed to create BufferPoolManager: %v", err)
	}

	page, err := bpm.NewPage()
	if err != nil {
		t.Fatalf("Failed to create new page: %v", err)
	}
	if page == nil {
		t.Fatal("NewPage returned nil page")
	}

	pageId := page.ID()

	initialPinCount := page.PinCount()
	if initialPinCount <= 0 {
		t.Errorf("Expected page to be pinned, but pin count is %d", initialPinCount)
	}

	samePage, err := bpm.FetchPage(pageId)
	if err != nil {
		t.Fatalf("Failed to fetch existing page: %v", err)
	}

	if samePage.ID() != pageId {
		t.Errorf("Expected same page ID %d, got %d", pageId, samePage.ID())
	}

	newPinCount := samePage.PinCount()
	if newPinCount != initialPinCount+1 {
		t.Errorf("Expected pin count to increase from %d to %d, got %d",
			initialPinCount, initialPinCount+1, newPinCount)
	}
}

func TestUnpinPage(t *testing.T) {
	testFileName := "test_unpin.db"
	defer os.Remove(testFileName)

	dm, err := NewDiskManager(testFileName)
	if err != nil {
		t.Fatalf("Failed to create DiskManager: %v", err)
	}
	defer dm.Close()

	poolSize := uint32(3)
	bpm, err := NewBufferPoolManager(poolSize, 2, dm, nil)
	if err != nil {
		t.Fatalf("Failed to create BufferPoolManager: %v", err)
	}

	page, err := bpm.NewPage()
	if err != nil {
		t.Fatalf("Failed to create new page: %v", err)
	}

	pageId := page.ID()
	initialPinCount := page.PinCount()

	err = bpm.UnpinPage(pageId, false)
	if err != nil {
		t.Fatalf("Failed to unpin page: %v", err)
	}

	if page.PinCount() != initialPinCount-1 {
		t.Errorf("Expected pin count to decrease from %d to %d, got %d",
			initialPinCount, initialPinCount-1, page.PinCount())
	}

	// Pin it again before re-unpinning with dirty=true, so pin count
	// reaches zero through this call and the dirty check below is valid.
	if _, err := bpm.FetchPage(pageId); err != nil {
		t.Fatalf("Failed to re-fetch page: %v", err)
	}
	err = bpm.UnpinPage(pageId, true)
	if err != nil {
		t.Fatalf("Failed to unpin page as dirty: %v", err)
	}

	if !page.IsDirty() {
		t.Error("Expected page to be marked dirty when unpinned with dirty=true")
	}
}

func TestPageEviction(t *testing.T) {
	testFileName := "test_eviction.db"
	defer os.Remove(testFileName)

	dm, err := NewDiskManager(testFileName)
	if err != nil {
		t.Fatalf("Failed to create DiskManager: %v", err)
	}
	defer dm.Close()

	poolSize := uint32(2) // Very small pool to test eviction
	bpm, err := NewBufferPoolManager(poolSize, 2, dm, nil)
	if err != nil {
		t.Fatalf("Failed to create BufferPoolManager: %v", err)
	}

	page1, err := bpm.NewPage()
	if err != nil {
		t.Fatalf("Failed to create page 1: %v", err)
	}

	page2, err := bpm.NewPage()
	if err != nil {
		t.Fatalf("Failed to create page 2: %v", err)
	}

	if err := bpm.UnpinPage(page1.ID(), false); err != nil {
		t.Fatalf("Failed to unpin page 1: %v", err)
	}
	if err := bpm.UnpinPage(page2.ID(), false); err != nil {
		t.Fatalf("Failed to unpin page 2: %v", err)
	}

	// Creating a third page should evict one of the two unpinned pages.
	page3, err := bpm.NewPage()
	if err != nil {
		t.Fatalf("Failed to create page 3 (should trigger eviction): %v", err)
	}
	if page3 == nil {
		t.Fatal("Expected page 3 to be created successfully despite full buffer pool")
	}

	if bpm.GetMetrics().GetPageEvictions() == 0 {
		t.Error("Expected at least one page eviction to have been recorded")
	}
}

// TestBufferPoolWithWAL tests WAL integration with the buffer pool's
// write-ahead rule: a dirty page flush forces the log manager to flush
// first.
func TestBufferPoolWithWAL(t *testing.T) {
	testFileName := "test_bpm_wal.db"
	testLogFile := "test_bpm_wal.log"
	defer os.Remove(testFileName)
	defer os.Remove(testLogFile)

	dm, err := NewDiskManager(testFileName)
	if err != nil {
		t.Fatalf("Failed to create DiskManager: %v", err)
	}
	defer dm.Close()

	lm, err := NewLogManager(testLogFile)
	if err != nil {
		t.Fatalf("Failed to create LogManager: %v", err)
	}
	defer lm.Close()

	bpm, err := NewBufferPoolManager(3, 2, dm, nil)
	if err != nil {
		t.Fatalf("Failed to create BufferPoolManager: %v", err)
	}
	bpm.SetLogManager(lm)

	page, err := bpm.NewPage()
	if err != nil {
		t.Fatalf("Failed to create new page: %v", err)
	}

	copy(page.Data(), []byte("Test data with WAL"))
	page.SetDirty(true)

	logRecord := &LogRecord{
		Type:      LogInsert,
		PageID:    page.ID(),
		AfterData: []byte("Test data with WAL"),
	}
	if _, err := lm.AppendLog(logRecord); err != nil {
		t.Fatalf("Failed to append log: %v", err)
	}

	if err := bpm.UnpinPage(page.ID(), true); err != nil {
		t.Fatalf("Failed to unpin page: %v", err)
	}

	if err := bpm.FlushPage(page.ID()); err != nil {
		t.Fatalf("Failed to flush page: %v", err)
	}

	if page.IsDirty() {
		t.Error("Page should not be dirty after flush")
	}

	fetchedPage, err := bpm.FetchPage(page.ID())
	if err != nil {
		t.Fatalf("Failed to fetch page: %v", err)
	}

	want := "Test data with WAL"
	if got := string(fetchedPage.Data()[:len(want)]); got != want {
		t.Errorf("Data mismatch. Expected %q, got %q", want, got)
	}
}

// TestPagePersistence tests that pages are properly persisted and can be
// read back after reopening the disk manager and buffer pool.
func TestPagePersistence(t *testing.T) {
	testFileName := "test_persistence.db"
	defer os.Remove(testFileName)

	dm, err := NewDiskManager(testFileName)
	if err != nil {
		t.Fatalf("Failed to create DiskManager: %v", err)
	}

	bpm, err := NewBufferPoolManager(5, 2, dm, nil)
	if err != nil {
		t.Fatalf("Failed to create BufferPoolManager: %v", err)
	}

	testData := []string{
		"First page data",
		"Second page data",
		"Third page data",
	}

	pageIDs := make([]PageID, 0)
	for _, data := range testData {
		page, err := bpm.NewPage()
		if err != nil {
			t.Fatalf("Failed to create page: %v", err)
		}

		copy(page.Data(), []byte(data))
		pageIDs = append(pageIDs, page.ID())
		bpm.UnpinPage(page.ID(), true)
	}

	if err := bpm.FlushAllPages(); err != nil {
		t.Fatalf("Failed to flush all pages: %v", err)
	}

	dm.Close()

	dm2, err := NewDiskManager(testFileName)
	if err != nil {
		t.Fatalf("Failed to reopen DiskManager: %v", err)
	}
	defer dm2.Close()

	bpm2, err := NewBufferPoolManager(5, 2, dm2, nil)
	if err != nil {
		t.Fatalf("Failed to create second BufferPoolManager: %v", err)
	}

	for i, pageID := range pageIDs {
		page, err := bpm2.FetchPage(pageID)
		if err != nil {
			t.Fatalf("Failed to fetch page %d: %v", pageID, err)
		}

		want := testData[i]
		if got := string(page.Data()[:len(want)]); got != want {
			t.Errorf("Page %d data mismatch. Expected %q, got %q", pageID, want, got)
		}
	}
}

func TestBufferPoolManagerFromConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BufferPoolSize = 4
	cfg.LRUKValue = 2
	cfg.DataDirectory = t.TempDir()
	cfg.WALDirectory = t.TempDir()
	cfg.WALEnabled = true
	cfg.WALCompression = true
	cfg.WALCompressionAlg = "lz4"

	bpm, err := NewBufferPoolManagerFromConfig(cfg, nil)
	if err != nil {
		t.Fatalf("NewBufferPoolManagerFromConfig failed: %v", err)
	}
	defer bpm.diskManager.Close()

	if bpm.compression != CompressionLZ4 {
		t.Errorf("expected compression %v, got %v", CompressionLZ4, bpm.compression)
	}
	if bpm.logManager == nil {
		t.Fatal("expected WAL to be wired in from Config.WALEnabled")
	}
	defer bpm.logManager.Close()

	// Highly compressible payload should round-trip through the compressed
	// on-disk envelope.
	page, err := bpm.NewPage()
	if err != nil {
		t.Fatalf("NewPage failed: %v", err)
	}
	pageID := page.ID()
	for i := range page.Data() {
		page.Data()[i] = byte(i % 17)
	}
	if err := bpm.UnpinPage(pageID, true); err != nil {
		t.Fatalf("UnpinPage failed: %v", err)
	}
	if err := bpm.FlushPage(pageID); err != nil {
		t.Fatalf("FlushPage failed: %v", err)
	}

	raw, err := bpm.diskManager.ReadPage(pageID)
	if err != nil {
		t.Fatalf("ReadPage failed: %v", err)
	}
	if !IsCompressedPage(raw) {
		t.Error("expected the flushed page to be stored using the compressed envelope")
	}

	// Drop the page from the pool so the fetch below reads and decompresses it.
	if _, err := bpm.DeletePage(pageID); err != nil {
		t.Fatalf("DeletePage failed: %v", err)
	}

	fetched, err := bpm.FetchPage(pageID)
	if err != nil {
		t.Fatalf("FetchPage failed: %v", err)
	}
	for i := range fetched.Data() {
		if fetched.Data()[i] != byte(i%17) {
			t.Fatalf("decompressed page mismatch at byte %d", i)
		}
	}
}

func TestBufferPoolManagerFromConfigMmap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BufferPoolSize = 4
	cfg.DataDirectory = t.TempDir()
	cfg.WALEnabled = false
	cfg.UseMmap = true

	bpm, err := NewBufferPoolManagerFromConfig(cfg, nil)
	if err != nil {
		t.Fatalf("NewBufferPoolManagerFromConfig failed: %v", err)
	}
	defer bpm.diskManager.Close()

	if _, ok := bpm.diskManager.(*MmapDiskManager); !ok {
		t.Errorf("expected Config.UseMmap to select MmapDiskManager, got %T", bpm.diskManager)
	}

	page, err := bpm.NewPage()
	if err != nil {
		t.Fatalf("NewPage failed: %v", err)
	}
	if err := bpm.UnpinPage(page.ID(), false); err != nil {
		t.Fatalf("UnpinPage failed: %v", err)
	}
}

func TestBufferPoolManagerMetricsDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BufferPoolSize = 2
	cfg.DataDirectory = t.TempDir()
	cfg.WALEnabled = false
	cfg.EnableMetrics = false

	bpm, err := NewBufferPoolManagerFromConfig(cfg, nil)
	if err != nil {
		t.Fatalf("NewBufferPoolManagerFromConfig failed: %v", err)
	}
	defer bpm.diskManager.Close()

	page, err := bpm.NewPage()
	if err != nil {
		t.Fatalf("NewPage failed: %v", err)
	}
	bpm.UnpinPage(page.ID(), false)

	if _, err := bpm.FetchPage(page.ID()); err != nil {
		t.Fatalf("FetchPage failed: %v", err)
	}

	if bpm.GetMetrics().GetCacheHits() != 0 {
		t.Error("expected cache hit counter to stay at zero when EnableMetrics is false")
	}
}
