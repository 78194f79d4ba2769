package pool

import (
	"cmp"
	"encoding/binary"
	"math"
	"slices"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// Index persists the pool registrations in a LevelDB database, so a resumed training run
// recovers the checkpoints it can sample opponents from.
//
// Keys are the checkpoint ids, values the little-endian float32 rating followed by the
// varint insertion sequence number (LevelDB iterates in key order, not insertion order).
type Index struct {
	path string
	db   *leveldb.DB
	seq  uint64
}

// OpenIndex opens (or creates) the index database at the given directory path.
func OpenIndex(path string, opts *opt.Options) (*Index, error) {
	db, err := leveldb.OpenFile(path, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open policy pool index in %q", path)
	}
	idx := &Index{path: path, db: db}
	entries, err := idx.entries()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	idx.seq = uint64(len(entries))
	return idx, nil
}

// Close implements io.Closer.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// Put stores the id with its rating.
func (idx *Index) Put(id ID, rating float32) error {
	var buf [4 + binary.MaxVarintLen64]byte
	binary.LittleEndian.PutUint32(buf[:4], math.Float32bits(rating))
	n := binary.PutUvarint(buf[4:], idx.seq)
	if err := idx.db.Put([]byte(id), buf[:4+n], nil); err != nil {
		return errors.Wrapf(err, "failed to write %q to %q", id, idx.path)
	}
	idx.seq++
	return nil
}

type indexEntry struct {
	id     ID
	rating float32
	seq    uint64
}

func (idx *Index) entries() ([]indexEntry, error) {
	var entries []indexEntry
	iter := idx.db.NewIterator(nil, nil)
	for iter.Next() {
		value := iter.Value()
		if len(value) < 5 {
			iter.Release()
			return nil, errors.Errorf("corrupted policy pool index %q: entry %q has %d bytes", idx.path, iter.Key(), len(value))
		}
		seq, _ := binary.Uvarint(value[4:])
		entries = append(entries, indexEntry{
			id:     ID(iter.Key()),
			rating: math.Float32frombits(binary.LittleEndian.Uint32(value[:4])),
			seq:    seq,
		})
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, errors.Wrapf(err, "failed to read policy pool index %q", idx.path)
	}
	return entries, nil
}

// Load inserts all persisted entries into the pool, in their original insertion order.
// The pool must not have the index attached yet, otherwise entries are written back.
func (idx *Index) Load(p *Pool) error {
	entries, err := idx.entries()
	if err != nil {
		return err
	}
	slices.SortFunc(entries, func(a, b indexEntry) int { return cmp.Compare(a.seq, b.seq) })
	for _, e := range entries {
		if err := p.Insert(e.id, e.rating); err != nil {
			return err
		}
	}
	return nil
}
