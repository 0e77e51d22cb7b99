package storage

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/pierrec/lz4/v4"
)

// LogType represents the kind of change a LogRecord describes.
type LogType byte

const (
	LogInsert LogType = iota
	LogDelete
	LogUpdate
	LogCheckpoint
)

func (lt LogType) String() string {
	switch lt {
	case LogInsert:
		return "INSERT"
	case LogDelete:
		return "DELETE"
	case LogUpdate:
		return "UPDATE"
	case LogCheckpoint:
		return "CHECKPOINT"
	default:
		return "UNKNOWN"
	}
}

// LogRecord represents a single WAL entry describing a change to one page.
type LogRecord struct {
	LSN        uint64 // Log Sequence Number (unique, monotonic)
	Type       LogType
	PageID     PageID
	Offset     uint16
	Length     uint16
	BeforeData []byte // Old value (for UNDO)
	AfterData  []byte // New value (for REDO)
}

// Serialize converts LogRecord to bytes.
// Format: LSN(8) | Type(1) | PageID(4) | Offset(2) | Length(2) |
//
//	BeforeDataLen(2) | BeforeData | AfterDataLen(2) | AfterData
func (lr *LogRecord) Serialize() []byte {
	beforeLen := len(lr.BeforeData)
	afterLen := len(lr.AfterData)
	size := 17 + 2 + beforeLen + 2 + afterLen

	buf := make([]byte, size)
	offset := 0

	binary.LittleEndian.PutUint64(buf[offset:], lr.LSN)
	offset += 8
	buf[offset] = byte(lr.Type)
	offset++
	binary.LittleEndian.PutUint32(buf[offset:], lr.PageID)
	offset += 4
	binary.LittleEndian.PutUint16(buf[offset:], lr.Offset)
	offset += 2
	binary.LittleEndian.PutUint16(buf[offset:], lr.Length)
	offset += 2

	binary.LittleEndian.PutUint16(buf[offset:], uint16(beforeLen))
	offset += 2
	if beforeLen > 0 {
		copy(buf[offset:], lr.BeforeData)
		offset += beforeLen
	}

	binary.LittleEndian.PutUint16(buf[offset:], uint16(afterLen))
	offset += 2
	if afterLen > 0 {
		copy(buf[offset:], lr.AfterData)
	}

	return buf
}

// DeserializeLogRecord creates a LogRecord from bytes.
func DeserializeLogRecord(data []byte) (*LogRecord, error) {
	minSize := 17 + 2 + 2
	if len(data) < minSize {
		return nil, fmt.Errorf("data too short for log record: %d bytes (need at least %d)", len(data), minSize)
	}

	lr := &LogRecord{}
	offset := 0

	lr.LSN = binary.LittleEndian.Uint64(data[offset:])
	offset += 8
	lr.Type = LogType(data[offset])
	offset++
	lr.PageID = binary.LittleEndian.Uint32(data[offset:])
	offset += 4
	lr.Offset = binary.LittleEndian.Uint16(data[offset:])
	offset += 2
	lr.Length = binary.LittleEndian.Uint16(data[offset:])
	offset += 2

	if offset+2 > len(data) {
		return nil, fmt.Errorf("data too short for before data length")
	}
	beforeLen := binary.LittleEndian.Uint16(data[offset:])
	offset += 2
	if beforeLen > 0 {
		if offset+int(beforeLen) > len(data) {
			return nil, fmt.Errorf("invalid before data length: need %d bytes, have %d", beforeLen, len(data)-offset)
		}
		lr.BeforeData = make([]byte, beforeLen)
		copy(lr.BeforeData, data[offset:offset+int(beforeLen)])
		offset += int(beforeLen)
	}

	if offset+2 > len(data) {
		return nil, fmt.Errorf("data too short for after data length")
	}
	afterLen := binary.LittleEndian.Uint16(data[offset:])
	offset += 2
	if afterLen > 0 {
		if offset+int(afterLen) > len(data) {
			return nil, fmt.Errorf("invalid after data length: need %d bytes, have %d", afterLen, len(data)-offset)
		}
		lr.AfterData = make([]byte, afterLen)
		copy(lr.AfterData, data[offset:offset+int(afterLen)])
	}

	return lr, nil
}

// LogManager manages the write-ahead log: a sequence of LogRecords appended
// to a buffer and flushed to logFile in batches, optionally lz4-compressed
// per flushed segment.
type LogManager struct {
	logFile       *os.File
	currentLSN    uint64
	flushedLSN    uint64
	buffer        []byte
	bufferSize    int
	maxBufferSize int
	mutex         sync.Mutex

	useCompression bool
}

const DefaultLogBufferSize = 4096 // 4KB buffer

// NewLogManager creates a new log manager with compression disabled.
func NewLogManager(logFileName string) (*LogManager, error) {
	return NewLogManagerWithConfig(logFileName, false)
}

// NewLogManagerWithConfig creates a log manager, optionally compressing each
// flushed segment with lz4.
func NewLogManagerWithConfig(logFileName string, useCompression bool) (*LogManager, error) {
	file, err := os.OpenFile(logFileName, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	lm := &LogManager{
		logFile:        file,
		buffer:         make([]byte, 0, DefaultLogBufferSize),
		maxBufferSize:  DefaultLogBufferSize,
		useCompression: useCompression,
	}

	fileInfo, err := file.Stat()
	if err == nil && fileInfo.Size() > 0 {
		records, err := lm.readLogsFromFile()
		if err == nil && len(records) > 0 {
			lastRecord := records[len(records)-1]
			lm.currentLSN = lastRecord.LSN
			lm.flushedLSN = lastRecord.LSN
		}
	}

	return lm, nil
}

// AppendLog assigns record an LSN, buffers it, and flushes if the buffer
// has filled.
func (lm *LogManager) AppendLog(record *LogRecord) (uint64, error) {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	lm.currentLSN++
	record.LSN = lm.currentLSN

	data := record.Serialize()

	sizeBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(sizeBytes, uint32(len(data)))
	lm.buffer = append(lm.buffer, sizeBytes...)
	lm.buffer = append(lm.buffer, data...)
	lm.bufferSize += len(sizeBytes) + len(data)

	if lm.bufferSize >= lm.maxBufferSize {
		return record.LSN, lm.flushInternal()
	}

	return record.LSN, nil
}

// Flush writes buffered log records to disk.
func (lm *LogManager) Flush() error {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()
	return lm.flushInternal()
}

// FlushToLSN flushes buffered records if lsn has not yet been persisted.
func (lm *LogManager) FlushToLSN(lsn uint64) error {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	if lsn <= lm.flushedLSN {
		return nil
	}
	if lsn > lm.currentLSN {
		return fmt.Errorf("cannot flush to LSN %d: current LSN is %d", lsn, lm.currentLSN)
	}

	return lm.flushInternal()
}

// flushInternal performs the actual flush. Caller must hold mutex.
//
// Each flushed segment is written as: rawLen(4) | compressedFlag(1) |
// payloadLen(4) | payload, where payload is lz4-compressed when useCompression is set and
// compression actually shrinks the segment.
func (lm *LogManager) flushInternal() error {
	if lm.bufferSize == 0 {
		return nil
	}

	payload := lm.buffer
	compressed := byte(0)

	if lm.useCompression {
		bound := lz4.CompressBlockBound(len(lm.buffer))
		dst := make([]byte, bound)
		n, err := lz4.CompressBlock(lm.buffer, dst, nil)
		if err == nil && n > 0 && n < len(lm.buffer) {
			payload = dst[:n]
			compressed = 1
		}
	}

	header := make([]byte, 9)
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(lm.buffer)))
	header[4] = compressed
	binary.LittleEndian.PutUint32(header[5:9], uint32(len(payload)))

	if _, err := lm.logFile.Write(header); err != nil {
		return fmt.Errorf("failed to write segment header: %w", err)
	}
	if _, err := lm.logFile.Write(payload); err != nil {
		return fmt.Errorf("failed to write to log file: %w", err)
	}
	if err := lm.logFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync log file: %w", err)
	}

	lm.flushedLSN = lm.currentLSN
	lm.buffer = lm.buffer[:0]
	lm.bufferSize = 0

	return nil
}

func (lm *LogManager) GetCurrentLSN() uint64 {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()
	return lm.currentLSN
}

func (lm *LogManager) GetFlushedLSN() uint64 {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()
	return lm.flushedLSN
}

// ReadAllLogs reads and decodes every record persisted so far.
func (lm *LogManager) ReadAllLogs() ([]*LogRecord, error) {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	if err := lm.flushInternal(); err != nil {
		return nil, err
	}

	return lm.readLogsFromFile()
}

// readLogsFromFile decodes every segment in logFile from the start,
// leaving the file offset positioned at EOF for further appends.
func (lm *LogManager) readLogsFromFile() ([]*LogRecord, error) {
	if _, err := lm.logFile.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek to start: %w", err)
	}

	records := make([]*LogRecord, 0)

	for {
		header := make([]byte, 9)
		n, err := io.ReadFull(lm.logFile, header)
		if err == io.EOF || (err == io.ErrUnexpectedEOF && n == 0) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read segment header: %w", err)
		}

		rawLen := binary.LittleEndian.Uint32(header[0:4])
		compressed := header[4] != 0
		payloadLen := binary.LittleEndian.Uint32(header[5:9])
		if rawLen == 0 || rawLen > 64*1024*1024 {
			break
		}

		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(lm.logFile, payload); err != nil {
			return nil, fmt.Errorf("failed to read segment payload: %w", err)
		}

		segment := payload
		if compressed {
			segment = make([]byte, rawLen)
			n, err := lz4.UncompressBlock(payload, segment)
			if err != nil {
				return nil, fmt.Errorf("failed to decompress log segment: %w", err)
			}
			if uint32(n) != rawLen {
				return nil, fmt.Errorf("log segment size mismatch: got %d, expected %d", n, rawLen)
			}
		}

		pos := 0
		for pos < len(segment) {
			if pos+4 > len(segment) {
				break
			}
			recordSize := binary.LittleEndian.Uint32(segment[pos:])
			pos += 4
			if pos+int(recordSize) > len(segment) {
				break
			}

			record, err := DeserializeLogRecord(segment[pos : pos+int(recordSize)])
			if err != nil {
				return nil, fmt.Errorf("failed to deserialize record: %w", err)
			}
			records = append(records, record)
			pos += int(recordSize)
		}
	}

	if _, err := lm.logFile.Seek(0, io.SeekEnd); err != nil {
		return nil, fmt.Errorf("failed to seek to end: %w", err)
	}

	return records, nil
}

// Close flushes any remaining buffered records and closes the log file.
func (lm *LogManager) Close() error {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	if err := lm.flushInternal(); err != nil {
		return err
	}

	if lm.logFile != nil {
		return lm.logFile.Close()
	}
	return nil
}
