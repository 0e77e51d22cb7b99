package storage

import "sync/atomic"

// Page is a fixed-size, in-memory copy of one on-disk page, owned by a
// single buffer pool frame at a time. The raw bytes are the caller's to
// interpret; the buffer pool only tracks identity, pin count, and
// dirtiness.
type Page struct {
	id       PageID
	frameID  FrameID
	data     [PageSize]byte
	pinCount int32 // atomic
	isDirty  uint32
	latch    *RWLatch
}

// NewPage creates an empty page bound to the given id and frame.
func NewPage(id PageID, frameID FrameID) *Page {
	return &Page{
		id:      id,
		frameID: frameID,
		latch:   NewRWLatch(),
	}
}

// ID returns the page's identity on disk.
func (p *Page) ID() PageID {
	return p.id
}

// FrameID returns the buffer pool frame currently holding this page.
func (p *Page) FrameID() FrameID {
	return p.frameID
}

// Data returns the raw page buffer. Callers must hold the page's latch for
// the duration of any access.
func (p *Page) Data() []byte {
	return p.data[:]
}

// ResetTo overwrites the page's identity and contents, for frame reuse.
func (p *Page) ResetTo(id PageID, contents []byte) {
	p.id = id
	for i := range p.data {
		p.data[i] = 0
	}
	copy(p.data[:], contents)
	atomic.StoreInt32(&p.pinCount, 0)
	atomic.StoreUint32(&p.isDirty, 0)
}

// PinCount returns the current pin count.
func (p *Page) PinCount() int32 {
	return atomic.LoadInt32(&p.pinCount)
}

// Pin increments the pin count.
func (p *Page) Pin() {
	atomic.AddInt32(&p.pinCount, 1)
}

// Unpin decrements the pin count, never going below zero.
func (p *Page) Unpin() {
	for {
		count := atomic.LoadInt32(&p.pinCount)
		if count <= 0 {
			return
		}
		if atomic.CompareAndSwapInt32(&p.pinCount, count, count-1) {
			return
		}
	}
}

// IsDirty reports whether the page has unflushed modifications.
func (p *Page) IsDirty() bool {
	return atomic.LoadUint32(&p.isDirty) != 0
}

// SetDirty sets or clears the dirty flag.
func (p *Page) SetDirty(dirty bool) {
	var val uint32
	if dirty {
		val = 1
	}
	atomic.StoreUint32(&p.isDirty, val)
}

// RLock, RUnlock, WLock, and WUnlock guard concurrent readers and writers
// of the page's contents; they do not protect pinCount or isDirty, which
// are already atomic.

func (p *Page) RLock() { p.latch.RLock() }

func (p *Page) RUnlock() { p.latch.RUnlock() }

func (p *Page) WLock() { p.latch.Lock() }

func (p *Page) WUnlock() { p.latch.Unlock() }
