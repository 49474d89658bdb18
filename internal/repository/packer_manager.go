package repository

import (
	"bufio"
	"context"
	"crypto/sha256"
	"io"
	"os"
	"sync"

	"github.com/strata-backup/strata/internal/crypto"
	"github.com/strata-backup/strata/internal/debug"
	"github.com/strata-backup/strata/internal/errors"
	"github.com/strata-backup/strata/internal/pack"
	"github.com/strata-backup/strata/internal/strata"
)

// packer holds a pack.Packer together with the tempfile the pack is written to.
type packer struct {
	*pack.Packer
	tmpfile *os.File
	bufWr   *bufio.Writer
}

// packerManager keeps a list of open packs and creates new on demand.
type packerManager struct {
	tpe     strata.BlobType
	key     *crypto.Key
	queueFn func(ctx context.Context, t strata.BlobType, p *packer) error

	pm       sync.Mutex
	packer   *packer
	packSize uint
}

// newPackerManager returns a new packer manager which writes temporary files
// to a temporary directory
func newPackerManager(key *crypto.Key, tpe strata.BlobType, packSize uint, queueFn func(ctx context.Context, t strata.BlobType, p *packer) error) *packerManager {
	return &packerManager{
		tpe:      tpe,
		key:      key,
		queueFn:  queueFn,
		packSize: packSize,
	}
}

func (r *packerManager) Flush(ctx context.Context) error {
	r.pm.Lock()
	defer r.pm.Unlock()

	if r.packer != nil {
		debug.Log("manually flushing pending pack")
		err := r.queueFn(ctx, r.tpe, r.packer)
		if err != nil {
			return err
		}
		r.packer = nil
	}
	return nil
}

func (r *packerManager) SaveBlob(ctx context.Context, t strata.BlobType, id strata.ID, ciphertext []byte, uncompressedLength int) (int, error) {
	r.pm.Lock()
	defer r.pm.Unlock()

	var err error
	packer := r.packer
	// use separate packer if compressed length is larger than the packsize
	// this speeds up the garbage collection of oversized blobs and reduces the cache size
	// as the oversize blobs are only downloaded if necessary
	if len(ciphertext) >= int(r.packSize) || r.packer == nil {
		packer, err = r.newPacker()
		if err != nil {
			return 0, err
		}
		// don't store packer for oversized blob
		if r.packer == nil && len(ciphertext) < int(r.packSize) {
			r.packer = packer
		}
	}

	// save ciphertext
	// Add only appends bytes in memory to avoid being a scaling bottleneck
	size, err := packer.Add(t, id, ciphertext, uncompressedLength)
	if err != nil {
		return 0, err
	}

	// if the pack and header is not full enough, put back to the list
	if packer.Size() < r.packSize && !packer.HeaderFull() {
		debug.Log("pack is not full enough (%d bytes)", packer.Size())
		return size, nil
	}
	if packer == r.packer {
		// forget full packer
		r.packer = nil
	}

	// call while holding lock to prevent findPacker from creating new packers if the uploaders are busy
	// else write the pack to the backend
	err = r.queueFn(ctx, t, packer)
	if err != nil {
		return 0, err
	}

	return size + packer.HeaderOverhead(), nil
}

// findPacker returns a packer for a new blob of size bytes. Either a new one is
// created or one is returned that already has some blobs.
func (r *packerManager) newPacker() (pck *packer, err error) {
	debug.Log("create new pack")
	tmpfile, err := os.CreateTemp("", "strata-temp-pack-")
	if err != nil {
		return nil, errors.WithStack(err)
	}

	bufWr := bufio.NewWriter(tmpfile)
	p := pack.NewPacker(r.key, bufWr)
	pck = &packer{
		Packer:  p,
		tmpfile: tmpfile,
		bufWr:   bufWr,
	}

	return pck, nil
}

// savePacker finalizes p, stores the pack file in the backend and records the
// contained blobs in the index.
func (r *Repository) savePacker(ctx context.Context, t strata.BlobType, p *packer) error {
	debug.Log("save packer for %v with %d blobs (%d bytes)\n", t, p.Packer.Count(), p.Packer.Size())
	err := p.Packer.Finalize()
	if err != nil {
		return err
	}
	err = p.bufWr.Flush()
	if err != nil {
		return err
	}

	// calculate the pack id and, if the backend requires it, the backend hash
	// in a single pass over the finished pack
	if _, err = p.tmpfile.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "Seek")
	}

	idHasher := sha256.New()
	w := io.Writer(idHasher)
	beHasher := r.be.Hasher()
	if beHasher != nil {
		w = io.MultiWriter(idHasher, beHasher)
	}
	if _, err = io.Copy(w, p.tmpfile); err != nil {
		return errors.Wrap(err, "Copy")
	}

	id := strata.IDFromHash(idHasher.Sum(nil))
	h := strata.Handle{Type: strata.PackFile, Name: id.String(), IsMetadata: t.IsMetadata()}

	var beHash []byte
	if beHasher != nil {
		beHash = beHasher.Sum(nil)
	}
	rd, err := strata.NewFileReader(p.tmpfile, beHash)
	if err != nil {
		return err
	}

	err = r.be.Save(ctx, h, rd)
	if err != nil {
		debug.Log("Save(%v) error: %v", h, err)
		return err
	}

	debug.Log("saved as %v", h)

	err = p.tmpfile.Close()
	if err != nil {
		return errors.Wrap(err, "close tempfile")
	}

	err = os.Remove(p.tmpfile.Name())
	if err != nil {
		return errors.WithStack(err)
	}

	// update blobs in the index
	debug.Log("  updating blobs %v to pack %v", p.Packer.Blobs(), id)
	r.idx.StorePack(id, p.Packer.Blobs())

	// Save index if full
	return r.idx.SaveFullIndex(ctx, r)
}
