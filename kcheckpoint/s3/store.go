// Package s3 is a kcheckpoint.Store on S3 compatible object storage.
//
// Objects are laid out under a prefix:
//
//	<prefix>/checkpoints/<epoch>/<node>
//	<prefix>/markers/<epoch>
//
// S3 gives read-after-write consistency for new objects, so a marker that
// is visible implies that the checkpoints written before it are visible.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/birdayz/dagstream/kcheckpoint"
	"github.com/birdayz/dagstream/kdag"
)

const epochFormat = "%020d"

type Config struct {
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	AccessKey string `yaml:"access_key" json:"access_key"`
	SecretKey string `yaml:"secret_key" json:"secret_key"`
	Bucket    string `yaml:"bucket" json:"bucket"`
	Prefix    string `yaml:"prefix" json:"prefix"`
	Secure    bool   `yaml:"secure" json:"secure"`
}

type Store struct {
	client *minio.Client
	bucket string
	prefix string

	mu     sync.RWMutex
	closed bool
}

var _ kcheckpoint.Store = (*Store)(nil)

// Open connects to the object store and creates the bucket if needed.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}

	err = client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{})
	if err != nil {
		exists, errBucketExists := client.BucketExists(ctx, cfg.Bucket)
		if errBucketExists != nil || !exists {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (s *Store) checkpointName(node kdag.NodeID, epoch uint64) string {
	return path.Join(s.prefix, "checkpoints", fmt.Sprintf(epochFormat, epoch), url.PathEscape(string(node)))
}

func (s *Store) markersPrefix() string {
	return path.Join(s.prefix, "markers") + "/"
}

func (s *Store) markerName(epoch uint64) string {
	return s.markersPrefix() + fmt.Sprintf(epochFormat, epoch)
}

func (s *Store) Put(ctx context.Context, cp kcheckpoint.Checkpoint) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return kcheckpoint.ErrStoreClosed
	}

	data, err := kcheckpoint.Encode(cp)
	if err != nil {
		return err
	}
	return s.put(ctx, s.checkpointName(cp.Node, cp.Epoch), data)
}

func (s *Store) put(ctx context.Context, name string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, name, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", name, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, node kdag.NodeID, epoch uint64) (kcheckpoint.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return kcheckpoint.Checkpoint{}, kcheckpoint.ErrStoreClosed
	}
	return s.get(ctx, node, epoch)
}

func (s *Store) get(ctx context.Context, node kdag.NodeID, epoch uint64) (kcheckpoint.Checkpoint, error) {
	name := s.checkpointName(node, epoch)
	obj, err := s.client.GetObject(ctx, s.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return kcheckpoint.Checkpoint{}, translate(err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return kcheckpoint.Checkpoint{}, translate(err)
	}
	cp, err := kcheckpoint.Decode(data)
	if err != nil {
		return kcheckpoint.Checkpoint{}, fmt.Errorf("%s: %w", name, err)
	}
	return cp, nil
}

func translate(err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return kcheckpoint.ErrNotFound
	}
	return err
}

func (s *Store) Latest(ctx context.Context, node kdag.NodeID) (kcheckpoint.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return kcheckpoint.Checkpoint{}, kcheckpoint.ErrStoreClosed
	}

	epochs, err := s.committed(ctx)
	if err != nil {
		return kcheckpoint.Checkpoint{}, err
	}
	for i := len(epochs) - 1; i >= 0; i-- {
		cp, err := s.get(ctx, node, epochs[i])
		if errors.Is(err, kcheckpoint.ErrNotFound) {
			continue
		}
		return cp, err
	}
	return kcheckpoint.Checkpoint{}, kcheckpoint.ErrNotFound
}

func (s *Store) MarkEpochCommitted(ctx context.Context, epoch uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kcheckpoint.ErrStoreClosed
	}

	epochs, err := s.committed(ctx)
	if err != nil {
		return err
	}
	last, ok := lastOf(epochs)
	done, err := kcheckpoint.CheckMarkOrder(epoch, last, ok)
	if err != nil || done {
		return err
	}
	return s.put(ctx, s.markerName(epoch), []byte(strconv.FormatUint(epoch, 10)))
}

func (s *Store) LastCommittedEpoch(ctx context.Context) (uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, false, kcheckpoint.ErrStoreClosed
	}
	epochs, err := s.committed(ctx)
	if err != nil {
		return 0, false, err
	}
	last, ok := lastOf(epochs)
	return last, ok, nil
}

func (s *Store) CommittedEpochs(ctx context.Context) ([]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, kcheckpoint.ErrStoreClosed
	}
	return s.committed(ctx)
}

// committed lists marker objects. Listing returns keys in lexical order,
// which the fixed width epoch format turns into numeric order.
func (s *Store) committed(ctx context.Context) ([]uint64, error) {
	var epochs []uint64
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: s.markersPrefix()}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list markers: %w", obj.Err)
		}
		epoch, err := strconv.ParseUint(strings.TrimPrefix(obj.Key, s.markersPrefix()), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: marker %s", kcheckpoint.ErrCorrupt, obj.Key)
		}
		epochs = append(epochs, epoch)
	}
	return epochs, nil
}

func (s *Store) Prune(ctx context.Context, before uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kcheckpoint.ErrStoreClosed
	}

	epochs, err := s.committed(ctx)
	if err != nil {
		return err
	}
	if last, ok := lastOf(epochs); ok {
		before = min(before, last)
	}

	// Checkpoints go first so that a half finished prune never leaves a
	// marker whose checkpoints are gone.
	checkpoints := path.Join(s.prefix, "checkpoints") + "/"
	if err := s.removeBelow(ctx, checkpoints, before, true); err != nil {
		return err
	}
	return s.removeBelow(ctx, s.markersPrefix(), before, false)
}

func (s *Store) removeBelow(ctx context.Context, prefix string, before uint64, recursive bool) error {
	objects := make(chan minio.ObjectInfo)
	listErr := make(chan error, 1)
	go func() {
		defer close(objects)
		for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: recursive}) {
			if obj.Err != nil {
				listErr <- obj.Err
				return
			}
			head, _, _ := strings.Cut(strings.TrimPrefix(obj.Key, prefix), "/")
			epoch, err := strconv.ParseUint(head, 10, 64)
			if err != nil || epoch >= before {
				continue
			}
			select {
			case objects <- obj:
			case <-ctx.Done():
				return
			}
		}
	}()

	var removeErr error
	for rerr := range s.client.RemoveObjects(ctx, s.bucket, objects, minio.RemoveObjectsOptions{}) {
		if removeErr == nil {
			removeErr = fmt.Errorf("remove %s: %w", rerr.ObjectName, rerr.Err)
		}
	}
	if removeErr != nil {
		return removeErr
	}
	select {
	case err := <-listErr:
		return fmt.Errorf("list %s: %w", prefix, err)
	default:
		return nil
	}
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func lastOf(epochs []uint64) (uint64, bool) {
	if len(epochs) == 0 {
		return 0, false
	}
	return epochs[len(epochs)-1], true
}
