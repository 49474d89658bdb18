package index

import (
	"hash/maphash"

	"github.com/strata-backup/strata/internal/strata"
)

// An indexMap is a chained hash table of blob entries. It allows storing
// multiple entries with the same ID.
//
// IDs are assumed to be randomly distributed in the input, so the hash
// function only mixes in a per-map seed.
type indexMap struct {
	// The number of buckets is always a power of two and never zero.
	buckets    []uint
	numentries uint

	mh maphash.Hash

	blockList entryBlockList
}

const (
	growthFactor = 2 // Must be a power of 2.
	maxLoad      = 4 // Max. number of entries per bucket.
)

// add inserts an indexEntry for the given arguments into the map,
// using id as the key.
func (m *indexMap) add(id strata.ID, packIdx int, offset, length, uncompressedLength uint32) {
	switch {
	case m.numentries == 0: // Lazy initialization.
		m.init()
	case m.numentries >= maxLoad*uint(len(m.buckets)):
		m.grow()
	}

	h := m.hash(id)
	e, idx := m.newEntry()
	e.id = id
	e.next = m.buckets[h] // Prepend to existing chain.
	e.packIndex = packIdx
	e.offset = offset
	e.length = length
	e.uncompressedLength = uncompressedLength

	m.buckets[h] = idx
	m.numentries++
}

// foreach calls fn for all entries in the map, until fn returns false.
func (m *indexMap) foreach(fn func(*indexEntry) bool) {
	blockCount := m.blockList.Size()
	for i := uint(1); i < blockCount; i++ {
		if !fn(m.resolve(i)) {
			return
		}
	}
}

// foreachWithID calls fn for all entries with the given id.
func (m *indexMap) foreachWithID(id strata.ID, fn func(*indexEntry)) {
	if len(m.buckets) == 0 {
		return
	}

	h := m.hash(id)
	ei := m.buckets[h]
	for ei != 0 {
		e := m.resolve(ei)
		ei = e.next
		if e.id != id {
			continue
		}
		fn(e)
	}
}

// get returns the first entry for the given id.
func (m *indexMap) get(id strata.ID) *indexEntry {
	if len(m.buckets) == 0 {
		return nil
	}

	h := m.hash(id)
	ei := m.buckets[h]
	for ei != 0 {
		e := m.resolve(ei)
		if e.id == id {
			return e
		}
		ei = e.next
	}
	return nil
}

func (m *indexMap) grow() {
	m.buckets = make([]uint, growthFactor*len(m.buckets))

	blockCount := m.blockList.Size()
	for i := uint(1); i < blockCount; i++ {
		e := m.resolve(i)

		h := m.hash(e.id)
		e.next = m.buckets[h]
		m.buckets[h] = i
	}
}

func (m *indexMap) hash(id strata.ID) uint {
	// We use maphash to prevent backups of specially crafted inputs
	// from degrading performance.
	// While SHA-256 should be collision-resistant, for hash table indices
	// we use only a few bits of it and finding collisions for those is
	// much easier than breaking the whole algorithm.
	m.mh.Reset()
	_, _ = m.mh.Write(id[:])
	h := uint(m.mh.Sum64())
	return h & uint(len(m.buckets)-1)
}

func (m *indexMap) init() {
	const initialBuckets = 64
	m.buckets = make([]uint, initialBuckets)
	// the first entry in blockList serves as the nil sentinel for chains
	m.blockList = *newEntryBlockList()
	m.newEntry()
}

func (m *indexMap) len() uint { return m.numentries }

func (m *indexMap) newEntry() (*indexEntry, uint) {
	return m.blockList.Alloc()
}

func (m *indexMap) resolve(idx uint) *indexEntry {
	return m.blockList.Ref(idx)
}

type indexEntry struct {
	id                 strata.ID
	next               uint
	packIndex          int // Position in containing Index's packs field.
	offset             uint32
	length             uint32
	uncompressedLength uint32
}

// blockShift selects a block size of 4096 entries, roughly 256 KiB per block.
const blockShift = 12

// entryBlockList is a list of fixed-size blocks of indexEntries. Compared to
// a simple slice it never copies entries when growing, so pointers handed out
// by Alloc and Ref stay valid for the lifetime of the list.
type entryBlockList struct {
	size   uint
	blocks [][]indexEntry
}

func newEntryBlockList() *entryBlockList {
	return &entryBlockList{}
}

const blockMask = 1<<blockShift - 1

func (h *entryBlockList) index(pos uint) (idx uint, subIdx uint) {
	return pos >> blockShift, pos & blockMask
}

// Alloc returns a pointer to a new, zeroed entry and its position.
func (h *entryBlockList) Alloc() (*indexEntry, uint) {
	idx, subIdx := h.index(h.size)
	if subIdx == 0 {
		h.blocks = append(h.blocks, make([]indexEntry, 1<<blockShift))
	}
	pos := h.size
	h.size++
	return &h.blocks[idx][subIdx], pos
}

func (h *entryBlockList) Ref(pos uint) *indexEntry {
	if pos >= h.size {
		panic("array index out of bounds")
	}

	idx, subIdx := h.index(pos)
	return &h.blocks[idx][subIdx]
}

func (h *entryBlockList) Size() uint {
	return h.size
}
