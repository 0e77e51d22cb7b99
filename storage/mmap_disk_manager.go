package storage

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// MmapDiskManager provides zero-copy disk access using memory-mapped files.
type MmapDiskManager struct {
	file       *os.File
	mmapData   []byte
	fileSize   int64
	nextPageId PageID
	mutex      sync.RWMutex
	growMutex  sync.Mutex // Separate mutex for file growth operations
}

const (
	// Initial file size: 1GB (256K pages * 4KB)
	InitialFileSize = 1024 * 1024 * 1024
	// Grow by 256MB when we run out of space
	FileGrowSize = 256 * 1024 * 1024
)

// NewMmapDiskManager creates a new memory-mapped disk manager.
func NewMmapDiskManager(fileName string) (*MmapDiskManager, error) {
	file, err := os.OpenFile(fileName, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open/create file %s: %w", fileName, err)
	}

	fileInfo, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	fileSize := fileInfo.Size()
	if fileSize < InitialFileSize {
		if err := file.Truncate(InitialFileSize); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to grow file: %w", err)
		}
		fileSize = InitialFileSize
	}

	dm := &MmapDiskManager{
		file:     file,
		fileSize: fileSize,
	}

	if err := dm.createMapping(); err != nil {
		file.Close()
		return nil, err
	}

	dm.nextPageId = PageID(fileSize / PageSize)

	return dm, nil
}

// createMapping creates or recreates the memory mapping. Caller must hold
// growMutex (or be in the constructor, before concurrent access is
// possible).
func (dm *MmapDiskManager) createMapping() error {
	data, err := unix.Mmap(int(dm.file.Fd()), 0, int(dm.fileSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("failed to mmap file: %w", err)
	}
	dm.mmapData = data
	return nil
}

// AllocatePage allocates a new page and returns its page ID.
func (dm *MmapDiskManager) AllocatePage() (PageID, error) {
	dm.mutex.Lock()
	pageId := dm.nextPageId
	requiredSize := int64(pageId+1) * PageSize
	needsGrowth := requiredSize > dm.fileSize
	dm.mutex.Unlock()

	if needsGrowth {
		if err := dm.growFile(); err != nil {
			return 0, err
		}
	}

	dm.mutex.Lock()
	defer dm.mutex.Unlock()
	dm.nextPageId++
	return pageId, nil
}

// growFile expands the file and recreates the mapping.
func (dm *MmapDiskManager) growFile() error {
	dm.growMutex.Lock()
	defer dm.growMutex.Unlock()

	dm.mutex.Lock()
	defer dm.mutex.Unlock()

	if dm.mmapData != nil {
		if err := unix.Munmap(dm.mmapData); err != nil {
			return fmt.Errorf("failed to unmap: %w", err)
		}
		dm.mmapData = nil
	}

	newSize := dm.fileSize + FileGrowSize
	if err := dm.file.Truncate(newSize); err != nil {
		dm.createMapping()
		return fmt.Errorf("failed to grow file: %w", err)
	}
	dm.fileSize = newSize

	return dm.createMapping()
}

// ReadPage returns a zero-copy slice of the mmap region. Callers must copy
// the slice before modifying it, and must not retain it across a growFile.
func (dm *MmapDiskManager) ReadPage(pageId PageID) ([]byte, error) {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()

	offset := int64(pageId) * PageSize
	if offset+PageSize > dm.fileSize {
		return nil, fmt.Errorf("page %d out of bounds (file size: %d)", pageId, dm.fileSize)
	}

	return dm.mmapData[offset : offset+PageSize], nil
}

// ReadPageCopy reads a page and returns a copy, safe to retain and modify.
func (dm *MmapDiskManager) ReadPageCopy(pageId PageID) ([]byte, error) {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()

	offset := int64(pageId) * PageSize
	if offset+PageSize > dm.fileSize {
		return nil, fmt.Errorf("page %d out of bounds (file size: %d)", pageId, dm.fileSize)
	}

	data := make([]byte, PageSize)
	copy(data, dm.mmapData[offset:offset+PageSize])
	return data, nil
}

// WritePage writes a page to the memory-mapped region.
func (dm *MmapDiskManager) WritePage(pageId PageID, data []byte) error {
	if len(data) != PageSize {
		return fmt.Errorf("page data must be exactly %d bytes, got %d", PageSize, len(data))
	}

	dm.mutex.RLock()
	defer dm.mutex.RUnlock()

	offset := int64(pageId) * PageSize
	if offset+PageSize > dm.fileSize {
		return fmt.Errorf("page %d out of bounds (file size: %d)", pageId, dm.fileSize)
	}

	copy(dm.mmapData[offset:offset+PageSize], data)
	return nil
}

// WritePagesV writes multiple pages in a single batch.
func (dm *MmapDiskManager) WritePagesV(writes []PageWrite) error {
	if len(writes) == 0 {
		return nil
	}

	dm.mutex.RLock()
	defer dm.mutex.RUnlock()

	for _, pw := range writes {
		if len(pw.Data) != PageSize {
			return fmt.Errorf("page data must be exactly %d bytes, got %d", PageSize, len(pw.Data))
		}

		offset := int64(pw.PageID) * PageSize
		if offset+PageSize > dm.fileSize {
			return fmt.Errorf("page %d out of bounds (file size: %d)", pw.PageID, dm.fileSize)
		}

		copy(dm.mmapData[offset:offset+PageSize], pw.Data)
	}

	return nil
}

// Flush ensures the whole mapped region is written back to disk.
func (dm *MmapDiskManager) Flush() error {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()

	if dm.mmapData == nil {
		return nil
	}

	if err := unix.Msync(dm.mmapData, unix.MS_SYNC); err != nil {
		return fmt.Errorf("failed to msync: %w", err)
	}

	return dm.file.Sync()
}

// FlushPage flushes a single page's region to disk.
func (dm *MmapDiskManager) FlushPage(pageId PageID) error {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()

	offset := int64(pageId) * PageSize
	if offset+PageSize > dm.fileSize {
		return fmt.Errorf("page %d out of bounds (file size: %d)", pageId, dm.fileSize)
	}

	if err := unix.Msync(dm.mmapData[offset:offset+PageSize], unix.MS_SYNC); err != nil {
		return fmt.Errorf("failed to msync page %d: %w", pageId, err)
	}

	return nil
}

// FlushPages flushes multiple pages' regions to disk.
func (dm *MmapDiskManager) FlushPages(pageIds []PageID) error {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()

	for _, pageId := range pageIds {
		offset := int64(pageId) * PageSize
		if offset+PageSize > dm.fileSize {
			return fmt.Errorf("page %d out of bounds (file size: %d)", pageId, dm.fileSize)
		}
		if err := unix.Msync(dm.mmapData[offset:offset+PageSize], unix.MS_SYNC); err != nil {
			return fmt.Errorf("failed to msync page %d: %w", pageId, err)
		}
	}

	return nil
}

// AdviceType represents memory access advice passed to madvise.
type AdviceType int

const (
	AdviceNormal     AdviceType = 0 // No special treatment
	AdviceRandom     AdviceType = 1 // Random access pattern
	AdviceSequential AdviceType = 2 // Sequential access pattern
	AdviceWillNeed   AdviceType = 3 // Will need these pages soon (prefetch)
	AdviceDontNeed   AdviceType = 4 // Won't need these pages (can evict)
)

func (a AdviceType) toUnix() int {
	switch a {
	case AdviceRandom:
		return unix.MADV_RANDOM
	case AdviceSequential:
		return unix.MADV_SEQUENTIAL
	case AdviceWillNeed:
		return unix.MADV_WILLNEED
	case AdviceDontNeed:
		return unix.MADV_DONTNEED
	default:
		return unix.MADV_NORMAL
	}
}

// Advise hints the kernel about the access pattern for a page's region.
func (dm *MmapDiskManager) Advise(pageId PageID, advice AdviceType) error {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()

	offset := int64(pageId) * PageSize
	if offset+PageSize > dm.fileSize {
		return fmt.Errorf("page %d out of bounds (file size: %d)", pageId, dm.fileSize)
	}

	return unix.Madvise(dm.mmapData[offset:offset+PageSize], advice.toUnix())
}

// GetFileSize returns the current file size.
func (dm *MmapDiskManager) GetFileSize() int64 {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()
	return dm.fileSize
}

// GetNextPageId returns the next page ID that will be allocated.
func (dm *MmapDiskManager) GetNextPageId() PageID {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()
	return dm.nextPageId
}

// Close unmaps memory and closes the file.
func (dm *MmapDiskManager) Close() error {
	dm.Flush()

	dm.mutex.Lock()
	defer dm.mutex.Unlock()

	if dm.mmapData != nil {
		if err := unix.Munmap(dm.mmapData); err != nil {
			return fmt.Errorf("failed to unmap: %w", err)
		}
		dm.mmapData = nil
	}

	if dm.file != nil {
		return dm.file.Close()
	}

	return nil
}

// MmapStats reports usage statistics about the mmap disk manager.
type MmapStats struct {
	FileSize    int64
	MappedSize  int64
	NextPageId  PageID
	UsedPages   PageID
	AllocatedMB int64
	UsedMB      int64
}

func (dm *MmapDiskManager) GetStats() MmapStats {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()

	return MmapStats{
		FileSize:    dm.fileSize,
		MappedSize:  int64(len(dm.mmapData)),
		NextPageId:  dm.nextPageId,
		UsedPages:   dm.nextPageId,
		AllocatedMB: dm.fileSize / (1024 * 1024),
		UsedMB:      int64(dm.nextPageId) * PageSize / (1024 * 1024),
	}
}
