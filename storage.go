package hypercore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/corelog/hypercore/internal/common"
)

// ErrOutOfBounds is returned by RandomAccess implementations when a
// read crosses the end of the file.
var ErrOutOfBounds = errors.New("hypercore: read out of bounds")

// RandomAccess is the byte-file abstraction the log is persisted
// through. Implementations must support reads and writes at arbitrary
// offsets, hole punching and truncation.
type RandomAccess interface {
	Read(offset, length uint64) ([]byte, error)
	Write(offset uint64, data []byte) error
	Del(offset, length uint64) error
	Truncate(length uint64) error
	Len() (uint64, error)
}

// Storage bundles the four files of a log: tree, data, bitfield and
// oplog.
type Storage struct {
	tree     RandomAccess
	data     RandomAccess
	bitfield RandomAccess
	oplog    RandomAccess
}

// NewStorage builds storage from four caller-provided files.
func NewStorage(tree, data, bitfield, oplog RandomAccess) *Storage {
	return &Storage{tree: tree, data: data, bitfield: bitfield, oplog: oplog}
}

// NewMemoryStorage builds storage over in-memory buffers.
func NewMemoryStorage() *Storage {
	return NewStorage(&MemoryFile{}, &MemoryFile{}, &MemoryFile{}, &MemoryFile{})
}

// NewDiskStorage builds storage over the files tree, data, bitfield
// and oplog inside the given directory, creating them as needed.
func NewDiskStorage(dir string) (*Storage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &common.IOError{Context: "could not create storage directory", Source: err}
	}
	files := make([]RandomAccess, 4)
	for i, name := range []string{"tree", "data", "bitfield", "oplog"} {
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, &common.IOError{Context: fmt.Sprintf("could not open %s file", name), Source: err}
		}
		files[i] = &DiskFile{file: f}
	}
	return NewStorage(files[0], files[1], files[2], files[3]), nil
}

// Close closes any closeable underlying files.
func (s *Storage) Close() error {
	var firstErr error
	for _, ra := range []RandomAccess{s.tree, s.data, s.bitfield, s.oplog} {
		if closer, ok := ra.(io.Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *Storage) file(store common.Store) RandomAccess {
	switch store {
	case common.StoreTree:
		return s.tree
	case common.StoreData:
		return s.data
	case common.StoreBitfield:
		return s.bitfield
	default:
		return s.oplog
	}
}

// readInfo services a single instruction.
func (s *Storage) readInfo(instruction common.StoreInfoInstruction) (common.StoreInfo, error) {
	infos, err := s.readInfos([]common.StoreInfoInstruction{instruction})
	if err != nil {
		return common.StoreInfo{}, err
	}
	return infos[0], nil
}

// readInfos services read instructions against the backing files.
func (s *Storage) readInfos(instructions []common.StoreInfoInstruction) ([]common.StoreInfo, error) {
	infos := make([]common.StoreInfo, 0, len(instructions))
	for _, instruction := range instructions {
		ra := s.file(instruction.Store)
		switch instruction.Type {
		case common.StoreInfoContent:
			index := instruction.Index
			length := instruction.Length
			if instruction.All {
				total, err := ra.Len()
				if err != nil {
					return nil, &common.IOError{Context: instruction.Store.String(), Source: err}
				}
				index = 0
				length = total
			}
			data, err := ra.Read(index, length)
			if err != nil {
				if instruction.AllowMiss && errors.Is(err, ErrOutOfBounds) {
					infos = append(infos, common.NewContentMiss(instruction.Store, index))
					continue
				}
				return nil, &common.IOError{Context: instruction.Store.String(), Source: err}
			}
			infos = append(infos, common.NewContent(instruction.Store, index, data))
		case common.StoreInfoSize:
			total, err := ra.Len()
			if err != nil {
				return nil, &common.IOError{Context: instruction.Store.String(), Source: err}
			}
			if total < instruction.Index {
				total = instruction.Index
			}
			infos = append(infos, common.NewSize(instruction.Store, instruction.Index, total-instruction.Index))
		}
	}
	return infos, nil
}

// flushInfo persists a single info.
func (s *Storage) flushInfo(info common.StoreInfo) error {
	return s.flushInfos([]common.StoreInfo{info})
}

// flushInfos persists pending writes, hole punches and truncations.
func (s *Storage) flushInfos(infos []common.StoreInfo) error {
	for i := range infos {
		info := &infos[i]
		ra := s.file(info.Store)
		switch info.Type {
		case common.StoreInfoContent:
			if info.Miss {
				if err := ra.Del(info.Index, info.Length); err != nil {
					return &common.IOError{Context: info.Store.String(), Source: err}
				}
			} else if info.Data != nil {
				if err := ra.Write(info.Index, info.Data); err != nil {
					return &common.IOError{Context: info.Store.String(), Source: err}
				}
			}
		case common.StoreInfoSize:
			if !info.Miss {
				return &common.InvalidOperationError{
					Context: "flushing a size that is not a truncation",
				}
			}
			if err := ra.Truncate(info.Index); err != nil {
				return &common.IOError{Context: info.Store.String(), Source: err}
			}
		}
	}
	return nil
}

// MemoryFile is a RandomAccess over a growable in-memory buffer.
type MemoryFile struct {
	data []byte
}

// Read returns length bytes at offset, or ErrOutOfBounds when the
// range crosses the end of the buffer.
func (m *MemoryFile) Read(offset, length uint64) ([]byte, error) {
	if offset+length > uint64(len(m.data)) {
		return nil, fmt.Errorf("%w: %d+%d > %d", ErrOutOfBounds, offset, length, len(m.data))
	}
	out := make([]byte, length)
	copy(out, m.data[offset:offset+length])
	return out, nil
}

// Write stores data at offset, growing the buffer as needed.
func (m *MemoryFile) Write(offset uint64, data []byte) error {
	end := offset + uint64(len(data))
	if end > uint64(len(m.data)) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	copy(m.data[offset:end], data)
	return nil
}

// Del zeroes the given range, ignoring the part beyond the end.
func (m *MemoryFile) Del(offset, length uint64) error {
	if offset >= uint64(len(m.data)) {
		return nil
	}
	end := offset + length
	if end > uint64(len(m.data)) {
		end = uint64(len(m.data))
	}
	for i := offset; i < end; i++ {
		m.data[i] = 0
	}
	return nil
}

// Truncate shrinks or zero-extends the buffer to length.
func (m *MemoryFile) Truncate(length uint64) error {
	if length <= uint64(len(m.data)) {
		m.data = m.data[:length]
		return nil
	}
	grown := make([]byte, length)
	copy(grown, m.data)
	m.data = grown
	return nil
}

// Len returns the buffer length.
func (m *MemoryFile) Len() (uint64, error) {
	return uint64(len(m.data)), nil
}

// DiskFile is a RandomAccess over an os.File.
type DiskFile struct {
	file *os.File
}

// Read returns length bytes at offset, or ErrOutOfBounds when the
// range crosses the end of the file.
func (d *DiskFile) Read(offset, length uint64) ([]byte, error) {
	out := make([]byte, length)
	n, err := d.file.ReadAt(out, int64(offset))
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %d+%d, short read of %d", ErrOutOfBounds, offset, length, n)
		}
		return nil, err
	}
	return out, nil
}

// Write stores data at offset.
func (d *DiskFile) Write(offset uint64, data []byte) error {
	_, err := d.file.WriteAt(data, int64(offset))
	return err
}

// Del zeroes the given range. The zeroes compress as well as a real
// hole for sparse files and keep reads simple.
func (d *DiskFile) Del(offset, length uint64) error {
	total, err := d.Len()
	if err != nil {
		return err
	}
	if offset >= total {
		return nil
	}
	if offset+length > total {
		length = total - offset
	}
	const chunk = 64 * 1024
	zeros := make([]byte, chunk)
	for length > 0 {
		n := uint64(chunk)
		if length < n {
			n = length
		}
		if _, err := d.file.WriteAt(zeros[:n], int64(offset)); err != nil {
			return err
		}
		offset += n
		length -= n
	}
	return nil
}

// Truncate resizes the file.
func (d *DiskFile) Truncate(length uint64) error {
	return d.file.Truncate(int64(length))
}

// Len returns the file size.
func (d *DiskFile) Len() (uint64, error) {
	info, err := d.file.Stat()
	if err != nil {
		return 0, err
	}
	return uint64(info.Size()), nil
}

// Close closes the underlying file.
func (d *DiskFile) Close() error {
	return d.file.Close()
}
