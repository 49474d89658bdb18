// Package pack implements the pack file format: a sequence of blobs followed
// by an encrypted header that describes them, and a final length field for
// locating the header.
package pack

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/strata-backup/strata/internal/crypto"
	"github.com/strata-backup/strata/internal/debug"
	"github.com/strata-backup/strata/internal/errors"
	"github.com/strata-backup/strata/internal/strata"
)

// Packer is used to create a new Pack.
type Packer struct {
	blobs []strata.Blob

	bytes uint
	k     *crypto.Key
	wr    io.Writer

	m sync.Mutex
}

// NewPacker returns a new Packer that can be used to pack blobs together.
func NewPacker(k *crypto.Key, wr io.Writer) *Packer {
	return &Packer{k: k, wr: wr}
}

// Add saves the data read from rd as a new blob to the packer. Returned is the
// number of bytes written to the pack plus the pack header entry size.
func (p *Packer) Add(t strata.BlobType, id strata.ID, data []byte, uncompressedLength int) (int, error) {
	p.m.Lock()
	defer p.m.Unlock()

	c := strata.Blob{BlobHandle: strata.BlobHandle{Type: t, ID: id}}

	n, err := p.wr.Write(data)
	c.Length = uint(n)
	c.Offset = p.bytes
	c.UncompressedLength = uint(uncompressedLength)
	p.bytes += uint(n)
	p.blobs = append(p.blobs, c)
	n += CalculateEntrySize(c)

	return n, errors.Wrap(err, "Write")
}

var entrySize = uint(binary.Size(strata.BlobType(0)) + 2*headerLengthSize + len(strata.ID{}))
var plainEntrySize = uint(binary.Size(strata.BlobType(0)) + headerLengthSize + len(strata.ID{}))

// headerEntry describes the format of header entries. It serves only as
// documentation.
type headerEntry struct {
	Type   uint8
	Length uint32
	ID     strata.ID
}

// compressedHeaderEntry describes the format of header entries for
// compressed blobs. It serves only as documentation.
type compressedHeaderEntry struct {
	Type               uint8
	Length             uint32
	UncompressedLength uint32
	ID                 strata.ID
}

// Finalize writes the header for all added blobs and finalizes the pack.
func (p *Packer) Finalize() error {
	p.m.Lock()
	defer p.m.Unlock()

	header, err := p.makeHeader()
	if err != nil {
		return err
	}

	encryptedHeader := make([]byte, 0, strata.CiphertextLength(len(header))+binary.Size(uint32(0)))
	nonce := crypto.NewRandomNonce()
	encryptedHeader = append(encryptedHeader, nonce...)
	encryptedHeader = p.k.Seal(encryptedHeader, nonce, header, nil)
	encryptedHeader = binary.LittleEndian.AppendUint32(encryptedHeader, uint32(len(encryptedHeader)))

	if err := verifyHeader(p.k, encryptedHeader, p.blobs); err != nil {
		// try to prevent a pack file with a broken header from being written
		return err
	}

	// append the header
	n, err := p.wr.Write(encryptedHeader)
	if err != nil {
		return errors.Wrap(err, "Write")
	}

	if n != len(encryptedHeader) {
		return errors.New("wrong number of bytes written")
	}
	p.bytes += uint(len(encryptedHeader))

	return nil
}

// verifyHeader parses the encrypted header (including the trailing length
// field) again and checks that it matches the blobs written to the pack.
func verifyHeader(k *crypto.Key, header []byte, expected []strata.Blob) error {
	if len(header) < headerLengthSize {
		return fmt.Errorf("header verification failed: too short")
	}
	entries, hdrSize, err := readHeaderFromBytes(k, header[:len(header)-headerLengthSize])
	if err != nil {
		return fmt.Errorf("header verification failed: %w", err)
	}
	if hdrSize != uint32(len(header)) {
		return fmt.Errorf("header verification failed: wrong header size")
	}
	if len(entries) != len(expected) {
		return fmt.Errorf("header verification failed: wrong number of entries")
	}
	for i, blob := range entries {
		// the parsed entries do not know their offset
		blob.Offset = expected[i].Offset
		if blob != expected[i] {
			return fmt.Errorf("header verification failed: entry mismatch")
		}
	}
	return nil
}

// HeaderOverhead returns an estimate of the number of bytes written by a call
// to Finalize.
func (p *Packer) HeaderOverhead() int {
	return strata.CiphertextLength(0) + binary.Size(uint32(0))
}

// makeHeader constructs the header for p.
func (p *Packer) makeHeader() ([]byte, error) {
	buf := make([]byte, 0, len(p.blobs)*int(entrySize))

	for _, b := range p.blobs {
		switch {
		case b.Type == strata.DataBlob && b.UncompressedLength == 0:
			buf = append(buf, 0)
		case b.Type == strata.TreeBlob && b.UncompressedLength == 0:
			buf = append(buf, 1)
		case b.Type == strata.DataBlob && b.UncompressedLength != 0:
			buf = append(buf, 2)
		case b.Type == strata.TreeBlob && b.UncompressedLength != 0:
			buf = append(buf, 3)
		default:
			return nil, errors.Errorf("invalid blob type %v", b.Type)
		}

		var lenLE [4]byte
		binary.LittleEndian.PutUint32(lenLE[:], uint32(b.Length))
		buf = append(buf, lenLE[:]...)
		if b.UncompressedLength != 0 {
			binary.LittleEndian.PutUint32(lenLE[:], uint32(b.UncompressedLength))
			buf = append(buf, lenLE[:]...)
		}
		buf = append(buf, b.ID[:]...)
	}

	return buf, nil
}

// Size returns the number of bytes written so far.
func (p *Packer) Size() uint {
	p.m.Lock()
	defer p.m.Unlock()

	return p.bytes
}

// Count returns the number of blobs in this packer.
func (p *Packer) Count() int {
	p.m.Lock()
	defer p.m.Unlock()

	return len(p.blobs)
}

// HeaderFull returns true if the pack header is full.
func (p *Packer) HeaderFull() bool {
	p.m.Lock()
	defer p.m.Unlock()
	return headerSize+uint(len(p.blobs)+1)*entrySize > MaxHeaderSize
}

// Blobs returns the slice of blobs that have been written.
func (p *Packer) Blobs() []strata.Blob {
	p.m.Lock()
	defer p.m.Unlock()

	return p.blobs
}

func (p *Packer) String() string {
	return fmt.Sprintf("<Packer %d blobs, %d bytes>", len(p.blobs), p.bytes)
}

var (
	// we require at least one entry in the header, and one 32 bit length field
	minFileSize = plainEntrySize + crypto.Extension + uint(headerLengthSize)
)

const (
	// size of the header-length field at the end of the file; it is a uint32
	headerLengthSize = 4
	// headerSize is the header's constant overhead (see writeHeader)
	headerSize = headerLengthSize + crypto.Extension

	// MaxHeaderSize is the max size of header including header-length field
	MaxHeaderSize = 16*1024*1024 + headerLengthSize
	// number of header entries to download as part of header-length request
	eagerEntries = 15
)

// readRecords reads up to bufsize bytes from the underlying ReaderAt, returning
// the raw header, the total number of bytes in the header, and any error.
// If the header contains fewer than bufsize bytes, readRecords returns a
// broader segment of the file, but truncated to the header length.
func readRecords(rd io.ReaderAt, size int64, bufsize int) ([]byte, int, error) {
	if bufsize > int(size) {
		bufsize = int(size)
	}

	buf := make([]byte, bufsize)
	off := size - int64(bufsize)
	if _, err := rd.ReadAt(buf, off); err != nil {
		return nil, 0, err
	}

	hlen := binary.LittleEndian.Uint32(buf[len(buf)-headerLengthSize:])
	buf = buf[:len(buf)-headerLengthSize]
	b := int(hlen)
	switch {
	case b == 0:
		return nil, 0, errors.New("invalid header, length is zero")
	case b < crypto.Extension:
		return nil, 0, errors.New("invalid header, too small")
	case b > MaxHeaderSize-headerLengthSize:
		return nil, 0, errors.New("header too large")
	case int64(b) > size-int64(headerLengthSize):
		return nil, 0, errors.New("invalid header, length larger than pack file size")
	case b <= len(buf):
		// Header is already in buf, truncate and return.
		return buf[len(buf)-b:], b, nil
	}

	// Header is larger than readRecords' buf, fetch it separately.
	buf = make([]byte, b)
	err := readExact(rd, size-int64(b)-int64(headerLengthSize), buf)

	return buf, b, err
}

func readExact(rd io.ReaderAt, off int64, buf []byte) error {
	n, err := rd.ReadAt(buf, off)
	if n != len(buf) {
		if err == nil || errors.Is(err, io.EOF) {
			err = errors.Errorf("not enough bytes read, want %v, got %v", len(buf), n)
		}
		return err
	}
	return nil
}

// readHeader reads the header at the end of rd. size is the length of the
// whole data accessible in rd.
func readHeader(rd io.ReaderAt, size int64) ([]byte, error) {
	debug.Log("size: %v", size)
	if size < int64(minFileSize) {
		err := errors.New("file is too small")
		debug.Log("%v", err)
		return nil, errors.Wrap(err, "readHeader")
	}

	// assuming extra request is significantly slower than extra bytes download,
	// eagerly download eagerEntries header entries as part of header-length request.
	// only make second request if actual number of entries is greater than eagerEntries
	eagerSize := eagerEntries*int(entrySize) + headerSize
	buf, hlen, err := readRecords(rd, size, eagerSize)
	if err != nil {
		return nil, err
	}
	if len(buf) < hlen {
		return nil, errors.New("header truncated")
	}

	return buf, nil
}

// InvalidFileError is return when a file is found that is not a pack file.
type InvalidFileError struct {
	Message string
}

func (e InvalidFileError) Error() string {
	return e.Message
}

// List returns the list of entries found in a pack file and the length of the
// header (including header size and crypto overhead).
func List(k *crypto.Key, rd io.ReaderAt, size int64) (entries []strata.Blob, hdrSize uint32, err error) {
	buf, err := readHeader(rd, size)
	if err != nil {
		return nil, 0, err
	}

	return readHeaderFromBytes(k, buf)
}

func readHeaderFromBytes(k *crypto.Key, buf []byte) (entries []strata.Blob, hdrSize uint32, err error) {
	if len(buf) < k.NonceSize()+k.Overhead() {
		return nil, 0, errors.New("invalid header, too small")
	}

	hdrSize = uint32(headerLengthSize + len(buf))

	nonce, buf := buf[:k.NonceSize()], buf[k.NonceSize():]
	buf, err = k.Open(buf[:0], nonce, buf, nil)
	if err != nil {
		return nil, 0, err
	}

	// might over allocate a bit if all blobs have EntrySize but only by a few percent
	entries = make([]strata.Blob, 0, uint(len(buf))/plainEntrySize)

	pos := uint(0)
	for len(buf) > 0 {
		entry, headerSize, err := parseHeaderEntry(buf)
		if err != nil {
			return nil, 0, err
		}
		entry.Offset = pos

		entries = append(entries, entry)
		pos += entry.Length
		buf = buf[headerSize:]
	}

	return entries, hdrSize, nil
}

func parseHeaderEntry(p []byte) (b strata.Blob, size uint, err error) {
	l := uint(len(p))
	size = plainEntrySize
	if l < plainEntrySize {
		err = errors.Errorf("parseHeaderEntry: buffer of size %d too short", len(p))
		return b, size, err
	}
	tpe := p[0]

	switch tpe {
	case 0, 2:
		b.Type = strata.DataBlob
	case 1, 3:
		b.Type = strata.TreeBlob
	default:
		return b, size, errors.Errorf("invalid type %d", tpe)
	}

	b.Length = uint(binary.LittleEndian.Uint32(p[1:5]))
	p = p[5:]
	if tpe == 2 || tpe == 3 {
		size = entrySize
		if l < entrySize {
			err = errors.Errorf("parseHeaderEntry: buffer of size %d too short", len(p))
			return b, size, err
		}
		b.UncompressedLength = uint(binary.LittleEndian.Uint32(p[0:4]))
		p = p[4:]
	}

	copy(b.ID[:], p[:])

	return b, size, nil
}

// CalculateEntrySize returns the size of the header entry for blob.
func CalculateEntrySize(blob strata.Blob) int {
	if blob.UncompressedLength != 0 {
		return int(entrySize)
	}
	return int(plainEntrySize)
}

// CalculateHeaderSize returns the size of the header for a list of blobs.
func CalculateHeaderSize(blobs []strata.Blob) int {
	size := int(headerSize)
	for _, blob := range blobs {
		size += CalculateEntrySize(blob)
	}
	return size
}

// Size returns the size of all packs computed by index information.
// If onlyHdr is set to true, only the size of the header is returned.
// Note that this function only gives correct sizes, if there are no
// duplicates in the index.
func Size(ctx context.Context, mi strata.ListBlobser, onlyHdr bool) (map[strata.ID]int64, error) {
	packSize := make(map[strata.ID]int64)

	err := mi.ListBlobs(ctx, func(blob strata.PackedBlob) {
		size, ok := packSize[blob.PackID]
		if !ok {
			size = headerSize
		}
		if !onlyHdr {
			size += int64(blob.Length)
		}
		packSize[blob.PackID] = size + int64(CalculateEntrySize(blob.Blob))
	})

	return packSize, err
}
