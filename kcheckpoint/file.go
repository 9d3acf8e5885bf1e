package kcheckpoint

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/birdayz/dagstream/internal/fsutil"
	"github.com/birdayz/dagstream/kdag"
)

const (
	markerVersion  = 0
	markerFileName = "_COMMITTED"
	checkpointExt  = ".ckpt"
	epochDirFormat = "%020d"
)

// FileStore keeps checkpoints in a directory tree:
//
//	<dir>/.lock
//	<dir>/epochs/<epoch>/<node>.ckpt
//	<dir>/epochs/<epoch>/_COMMITTED
//
// Every file is written atomically. The commit marker is a small text file:
//
//	0
//	<epoch>
//	<number of nodes>
//	<node> <crc32 of the node's checkpoint file>
//	...
type FileStore struct {
	dir  string
	lock *fsutil.DirectoryLock

	mu     sync.Mutex
	closed bool
}

// OpenFileStore opens or creates a file store rooted at dir. The directory
// is locked for the life of the store.
func OpenFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, "epochs"), 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	lock := fsutil.NewDirectoryLock(dir)
	if err := lock.Lock(); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir, lock: lock}, nil
}

func (s *FileStore) epochDir(epoch uint64) string {
	return filepath.Join(s.dir, "epochs", fmt.Sprintf(epochDirFormat, epoch))
}

func (s *FileStore) nodePath(node kdag.NodeID, epoch uint64) string {
	return filepath.Join(s.epochDir(epoch), url.PathEscape(string(node))+checkpointExt)
}

func (s *FileStore) Put(_ context.Context, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	data, err := Encode(cp)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(s.nodePath(cp.Node, cp.Epoch), func(w *bufio.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

func (s *FileStore) Get(_ context.Context, node kdag.NodeID, epoch uint64) (Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Checkpoint{}, ErrStoreClosed
	}
	return s.read(node, epoch)
}

func (s *FileStore) read(node kdag.NodeID, epoch uint64) (Checkpoint, error) {
	data, err := os.ReadFile(s.nodePath(node, epoch))
	if err != nil {
		if os.IsNotExist(err) {
			return Checkpoint{}, ErrNotFound
		}
		return Checkpoint{}, fmt.Errorf("read checkpoint: %w", err)
	}
	if err := s.verify(node, epoch, data); err != nil {
		return Checkpoint{}, err
	}
	cp, err := Decode(data)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("%s@%d: %w", node, epoch, err)
	}
	return cp, nil
}

// verify checks data against the commit marker of epoch. Checkpoints of
// uncommitted epochs have no marker and are not checked.
func (s *FileStore) verify(node kdag.NodeID, epoch uint64, data []byte) error {
	m, err := readMarker(filepath.Join(s.epochDir(epoch), markerFileName))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("epoch %d: %w", epoch, err)
	}
	want, ok := m.nodes[url.PathEscape(string(node))]
	if !ok {
		return fmt.Errorf("%w: %s@%d is not covered by the commit marker", ErrCorrupt, node, epoch)
	}
	if got := crc32.ChecksumIEEE(data); got != want {
		return fmt.Errorf("%w: %s@%d has checksum %08x, marker recorded %08x", ErrCorrupt, node, epoch, got, want)
	}
	return nil
}

func (s *FileStore) Latest(_ context.Context, node kdag.NodeID) (Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Checkpoint{}, ErrStoreClosed
	}

	epochs, err := s.committedEpochs()
	if err != nil {
		return Checkpoint{}, err
	}
	for i := len(epochs) - 1; i >= 0; i-- {
		cp, err := s.read(node, epochs[i])
		if errors.Is(err, ErrNotFound) {
			continue
		}
		return cp, err
	}
	return Checkpoint{}, ErrNotFound
}

func (s *FileStore) MarkEpochCommitted(_ context.Context, epoch uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	epochs, err := s.committedEpochs()
	if err != nil {
		return err
	}
	last, ok := lastOf(epochs)
	done, err := CheckMarkOrder(epoch, last, ok)
	if err != nil || done {
		return err
	}

	entries, err := s.nodeChecksums(epoch)
	if err != nil {
		return err
	}
	return writeMarker(filepath.Join(s.epochDir(epoch), markerFileName), epoch, entries)
}

func (s *FileStore) LastCommittedEpoch(context.Context) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, false, ErrStoreClosed
	}
	epochs, err := s.committedEpochs()
	if err != nil {
		return 0, false, err
	}
	last, ok := lastOf(epochs)
	return last, ok, nil
}

func (s *FileStore) CommittedEpochs(context.Context) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.committedEpochs()
}

func (s *FileStore) Prune(_ context.Context, before uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	committed, err := s.committedEpochs()
	if err != nil {
		return err
	}
	if last, ok := lastOf(committed); ok {
		before = min(before, last)
	}

	all, err := s.epochs()
	if err != nil {
		return err
	}
	for _, epoch := range all {
		if epoch >= before {
			break
		}
		if err := os.RemoveAll(s.epochDir(epoch)); err != nil {
			return fmt.Errorf("prune epoch %d: %w", epoch, err)
		}
	}
	return fsutil.SyncDir(filepath.Join(s.dir, "epochs"))
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.lock.Unlock()
}

// epochs lists every epoch directory in ascending order, committed or not.
func (s *FileStore) epochs() ([]uint64, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, "epochs"))
	if err != nil {
		return nil, fmt.Errorf("list epochs: %w", err)
	}
	out := make([]uint64, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		epoch, err := strconv.ParseUint(entry.Name(), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, epoch)
	}
	slices.Sort(out)
	return out, nil
}

func (s *FileStore) committedEpochs() ([]uint64, error) {
	all, err := s.epochs()
	if err != nil {
		return nil, err
	}
	committed := all[:0]
	for _, epoch := range all {
		marker, err := readMarker(filepath.Join(s.epochDir(epoch), markerFileName))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		if marker.epoch != epoch {
			return nil, fmt.Errorf("%w: marker of epoch %d names epoch %d", ErrCorrupt, epoch, marker.epoch)
		}
		committed = append(committed, epoch)
	}
	return committed, nil
}

func (s *FileStore) nodeChecksums(epoch uint64) (map[string]uint32, error) {
	entries, err := os.ReadDir(s.epochDir(epoch))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("list epoch %d: %w", epoch, err)
	}
	out := make(map[string]uint32, len(entries))
	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), checkpointExt)
		if !ok || entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.epochDir(epoch), entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read checkpoint: %w", err)
		}
		out[name] = crc32.ChecksumIEEE(data)
	}
	return out, nil
}

type marker struct {
	epoch uint64
	nodes map[string]uint32
}

func writeMarker(path string, epoch uint64, nodes map[string]uint32) error {
	names := make([]string, 0, len(nodes))
	for name := range nodes {
		names = append(names, name)
	}
	slices.Sort(names)

	return fsutil.WriteFileAtomic(path, func(w *bufio.Writer) error {
		if _, err := fmt.Fprintf(w, "%d\n%d\n%d\n", markerVersion, epoch, len(names)); err != nil {
			return fmt.Errorf("write marker header: %w", err)
		}
		for _, name := range names {
			if _, err := fmt.Fprintf(w, "%s %08x\n", name, nodes[name]); err != nil {
				return fmt.Errorf("write marker entry: %w", err)
			}
		}
		return nil
	})
}

// readMarker parses a commit marker. A missing file is reported with an
// error satisfying os.IsNotExist; anything malformed is ErrCorrupt.
func readMarker(path string) (marker, error) {
	file, err := os.Open(path)
	if err != nil {
		return marker{}, err
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	lineNum := 0
	next := func(what string) (string, error) {
		if !scanner.Scan() {
			return "", fmt.Errorf("%w: missing %s on line %d", ErrCorrupt, what, lineNum+1)
		}
		lineNum++
		return strings.TrimSpace(scanner.Text()), nil
	}

	line, err := next("version")
	if err != nil {
		return marker{}, err
	}
	if version, err := strconv.Atoi(line); err != nil || version != markerVersion {
		return marker{}, fmt.Errorf("%w: unknown marker version %q", ErrCorrupt, line)
	}

	line, err = next("epoch")
	if err != nil {
		return marker{}, err
	}
	epoch, err := strconv.ParseUint(line, 10, 64)
	if err != nil {
		return marker{}, fmt.Errorf("%w: line %d: invalid epoch: %w", ErrCorrupt, lineNum, err)
	}

	line, err = next("entry count")
	if err != nil {
		return marker{}, err
	}
	count, err := strconv.Atoi(line)
	if err != nil || count < 0 {
		return marker{}, fmt.Errorf("%w: line %d: invalid entry count %q", ErrCorrupt, lineNum, line)
	}

	nodes := make(map[string]uint32, count)
	for scanner.Scan() {
		lineNum++
		parts := strings.Fields(scanner.Text())
		if len(parts) != 2 {
			return marker{}, fmt.Errorf("%w: line %d: expected 2 fields, got %d", ErrCorrupt, lineNum, len(parts))
		}
		sum, err := strconv.ParseUint(parts[1], 16, 32)
		if err != nil {
			return marker{}, fmt.Errorf("%w: line %d: invalid checksum: %w", ErrCorrupt, lineNum, err)
		}
		nodes[parts[0]] = uint32(sum)
	}
	if err := scanner.Err(); err != nil {
		return marker{}, fmt.Errorf("read marker: %w", err)
	}
	if len(nodes) != count {
		return marker{}, fmt.Errorf("%w: expected %d entries but found %d", ErrCorrupt, count, len(nodes))
	}
	return marker{epoch: epoch, nodes: nodes}, nil
}

func lastOf(epochs []uint64) (uint64, bool) {
	if len(epochs) == 0 {
		return 0, false
	}
	return epochs[len(epochs)-1], true
}
