// Package pkgfile implements the sliced package file of §4.3: an
// append-only blob log of framed `{magic | name_len | name | data_len |
// data}` records, with an in-place truncate used for crash recovery and
// sub-slice rebuilding.
//
// Grounded on core/ledger.go's append-only WAL handling (open with
// O_APPEND, scan-and-replay on restart) generalized from line-delimited
// JSON records to the spec's binary framing.
package pkgfile

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"chainarchive/internal/archerr"
)

// Magic is the 8-byte record marker of §6: 0x1e8b9ded, little-endian,
// zero-padded to 8 bytes to match "magic(8 bytes)" in the framing diagram.
var Magic = [8]byte{0xed, 0x9d, 0x8b, 0x1e, 0x00, 0x00, 0x00, 0x00}

// File is one package: a single append-only OS file plus the current
// write offset (the authoritative length is the KV "status" value; the
// owner of a File — internal/archive — is responsible for keeping the two
// in sync).
type File struct {
	mu   sync.Mutex
	f    *os.File
	path string
	size int64
}

// Open opens (creating if absent) the package file at path without
// truncating it; callers that need crash recovery should call Truncate
// with the KV-recorded length right after Open.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, archerr.Wrap(err, "pkgfile: open")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, archerr.Wrap(err, "pkgfile: stat")
	}
	return &File{f: f, path: path, size: info.Size()}, nil
}

// Path returns the file's location on disk.
func (p *File) Path() string { return p.path }

// Size returns the current on-disk length.
func (p *File) Size() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// Close releases the file descriptor.
func (p *File) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.f.Close()
}

// Append writes one record and returns its start offset. Only one writer
// may call Append concurrently on a given File (§4.4 "the package writer
// is a single-writer task"); callers are responsible for that serialization
// (internal/archive holds the lock).
func (p *File) Append(name string, data []byte) (int64, error) {
	if len(name) > 0xFFFF {
		return 0, fmt.Errorf("pkgfile: name too long (%d bytes)", len(name))
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	offset := p.size
	buf := make([]byte, 0, 8+2+len(name)+4+len(data))
	buf = append(buf, Magic[:]...)
	var nameLen [2]byte
	binary.LittleEndian.PutUint16(nameLen[:], uint16(len(name)))
	buf = append(buf, nameLen[:]...)
	buf = append(buf, name...)
	var dataLen [4]byte
	binary.LittleEndian.PutUint32(dataLen[:], uint32(len(data)))
	buf = append(buf, dataLen[:]...)
	buf = append(buf, data...)

	n, err := p.f.WriteAt(buf, offset)
	if err != nil {
		return 0, archerr.Wrap(err, "pkgfile: write")
	}
	if n != len(buf) {
		return 0, archerr.Wrap(archerr.ErrIO, "pkgfile: short write")
	}
	p.size = offset + int64(len(buf))
	return offset, nil
}

// Read validates and returns the record starting at offset.
func (p *File) Read(offset int64) (name string, data []byte, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	hdr := make([]byte, 8+2)
	if _, err := p.f.ReadAt(hdr, offset); err != nil {
		return "", nil, archerr.Wrap(err, "pkgfile: read header")
	}
	var magic [8]byte
	copy(magic[:], hdr[0:8])
	if magic != Magic {
		return "", nil, archerr.Wrapf(archerr.ErrCorruption, "pkgfile: bad magic at offset %d", offset)
	}
	nameLen := int(binary.LittleEndian.Uint16(hdr[8:10]))

	nameBuf := make([]byte, nameLen)
	if nameLen > 0 {
		if _, err := p.f.ReadAt(nameBuf, offset+10); err != nil {
			return "", nil, archerr.Wrap(err, "pkgfile: read name")
		}
	}

	dataLenBuf := make([]byte, 4)
	if _, err := p.f.ReadAt(dataLenBuf, offset+10+int64(nameLen)); err != nil {
		return "", nil, archerr.Wrap(err, "pkgfile: read data length")
	}
	dataLen := binary.LittleEndian.Uint32(dataLenBuf)

	dataBuf := make([]byte, dataLen)
	if dataLen > 0 {
		if _, err := p.f.ReadAt(dataBuf, offset+10+int64(nameLen)+4); err != nil {
			return "", nil, archerr.Wrap(err, "pkgfile: read data")
		}
	}
	return string(nameBuf), dataBuf, nil
}

// RecordSize returns the total framed size of a record with the given
// name/data lengths, so callers can predict the next Append's offset.
func RecordSize(nameLen, dataLen int) int64 {
	return int64(8 + 2 + nameLen + 4 + dataLen)
}

// Truncate shortens the file to newLen. It is the crash-recovery and
// sub-slice-rebuild primitive of §4.3/§4.4: the package's authoritative
// length always lives in the KV "status" key, and on open the owner calls
// Truncate(statusLen) to discard any bytes written after the last
// committed KV transaction (§8 scenario S6).
func (p *File) Truncate(newLen int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if newLen > p.size {
		return fmt.Errorf("pkgfile: truncate target %d exceeds current size %d", newLen, p.size)
	}
	if err := p.f.Truncate(newLen); err != nil {
		return archerr.Wrap(err, "pkgfile: truncate")
	}
	p.size = newLen
	return nil
}

// Sync flushes the file to stable storage.
func (p *File) Sync() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return archerr.Wrap(p.f.Sync(), "pkgfile: sync")
}
