// Package kvstore implements the append-oriented per-container record
// store described in the daemon's persistence design: one file per
// container id on a private tmpfs, each file a concatenation of
// length-prefixed records, replay semantics "last write wins per key".
//
// Record encoding follows the same json-payload-plus-framing shape as
// the kubelet's own checkpoint files (pkg/kubelet/cm/devicemanager/checkpoint):
// a stable varint length prefix here, since records are appended
// one-by-one rather than rewritten whole.
package kvstore

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/portod/portod/internal/perrors"
)

var log = logrus.WithField("component", "kvstore")

// ErrCorrupt wraps any error Load returns because a record file failed
// to parse, as opposed to a plain I/O error opening it. Startup restore
// treats the two differently: a corrupt record is fatal, a missing or
// unreadable file is not (see Holder.Restore).
var ErrCorrupt = errors.New("kvstore: corrupt record")

// Store is the process-wide singleton for a tmpfs-backed record
// directory. The tmpfs itself is mounted once by the daemon at
// startup (see cmd/portod); Store only ever opens regular files under it.
type Store struct {
	dir string
}

// Open returns a Store rooted at dir. dir must already be a mounted
// tmpfs; Open does not mount anything itself.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, perrors.Wrap(fmt.Errorf("kvstore: create root %s: %w", dir, err))
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(id uint64) string {
	return filepath.Join(s.dir, strconv.FormatUint(id, 10))
}

// record is one length-delimited entry in a container's kv file.
type record struct {
	Pairs map[string]string `json:"pairs"`
}

func writeRecord(w io.Writer, pairs map[string]string) error {
	payload, err := json.Marshal(record{Pairs: pairs})
	if err != nil {
		return err
	}
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(payload)))
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

func readRecords(r io.Reader) ([]map[string]string, error) {
	br := newByteReader(r)
	var recs []map[string]string
	for {
		length, err := binary.ReadUvarint(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		buf := make([]byte, length)
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, err
		}
		var rec record
		if err := json.Unmarshal(buf, &rec); err != nil {
			return nil, err
		}
		recs = append(recs, rec.Pairs)
	}
	return recs, nil
}

// byteReader adapts an io.Reader to io.ByteReader, which
// binary.ReadUvarint requires.
type byteReader struct {
	io.Reader
	buf [1]byte
}

func newByteReader(r io.Reader) *byteReader { return &byteReader{Reader: r} }

func (b *byteReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(b.Reader, b.buf[:]); err != nil {
		return 0, err
	}
	return b.buf[0], nil
}

// Load replays every record in id's file in order, last value per key
// winning, and returns the merged key/value map. A missing file is not
// an error — it means the container has no persisted state yet.
func (s *Store) Load(id uint64) (map[string]string, error) {
	f, err := os.Open(s.path(id))
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, perrors.Wrap(err)
	}
	defer f.Close()

	recs, err := readRecords(f)
	if err != nil {
		return nil, fmt.Errorf("%w: container %d: %v", ErrCorrupt, id, err)
	}
	merged := map[string]string{}
	for _, rec := range recs {
		for k, v := range rec {
			merged[k] = v
		}
	}
	return merged, nil
}

// Append writes pairs as a single new record to the end of id's file,
// opening with O_APPEND so concurrent appenders (there are none today,
// but the file-level lock is the append semantics themselves) never
// interleave partial writes.
func (s *Store) Append(id uint64, pairs map[string]string) error {
	f, err := os.OpenFile(s.path(id), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return perrors.Wrap(err)
	}
	defer f.Close()
	if err := writeRecord(f, pairs); err != nil {
		return perrors.Wrap(err)
	}
	return f.Sync()
}

// Save atomically replaces id's file with a single record containing
// exactly pairs — used when a property changes and the store should
// forget prior values for keys no longer present.
func (s *Store) Save(id uint64, pairs map[string]string) error {
	tmp := s.path(id) + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return perrors.Wrap(err)
	}
	if err := writeRecord(f, pairs); err != nil {
		f.Close()
		return perrors.Wrap(err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return perrors.Wrap(err)
	}
	if err := f.Close(); err != nil {
		return perrors.Wrap(err)
	}
	return os.Rename(tmp, s.path(id))
}

// Remove deletes id's record file entirely, called at container Destroy.
func (s *Store) Remove(id uint64) error {
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return perrors.Wrap(err)
	}
	return nil
}

// List returns every container id with a record file, ascending, so
// daemon restore can reconstruct parents before children.
func (s *Store) List() ([]uint64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, perrors.Wrap(err)
	}
	var ids []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) == ".tmp" {
			continue
		}
		id, err := strconv.ParseUint(name, 10, 64)
		if err != nil {
			log.WithField("file", name).Warn("kvstore: ignoring non-numeric entry")
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
