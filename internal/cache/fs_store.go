package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const partitionsDir = "partitions"

// NewStore 以 basePath 为根目录构建磁盘缓存，整个进程复用一份实例。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(filepath.Join(abs, partitionsDir), 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 保证同一条目的写入串行化（last-write-wins），
// 不同 key 的写入互不阻塞。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// entryMeta 是 .meta.json 的磁盘形态，正文单独存放。
type entryMeta struct {
	Key      string            `json:"key"`
	Status   int               `json:"status"`
	Headers  map[string]string `json:"headers,omitempty"`
	StoredAt time.Time         `json:"stored_at"`
	Hash     string            `json:"hash,omitempty"`
}

func (s *fileStore) Get(ctx context.Context, partition Partition, key string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	base, err := s.entryPath(partition, key)
	if err != nil {
		return nil, err
	}

	rawMeta, err := os.ReadFile(base + ".meta.json")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var meta entryMeta
	if err := json.Unmarshal(rawMeta, &meta); err != nil {
		return nil, fmt.Errorf("decode entry meta: %w", err)
	}

	body, err := os.ReadFile(base + ".body")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &Entry{
		Status:   meta.Status,
		Headers:  meta.Headers,
		Body:     body,
		StoredAt: meta.StoredAt,
		Hash:     meta.Hash,
		Key:      meta.Key,
	}, nil
}

func (s *fileStore) Put(ctx context.Context, partition Partition, key string, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock := s.lockEntry(partition, key)
	defer unlock()

	base, err := s.entryPath(partition, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(base), 0o755); err != nil {
		return err
	}

	storedAt := entry.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	hash := entry.Hash
	if hash == "" {
		hash = HashBody(entry.Body)
	}

	if err := writeAtomic(base+".body", entry.Body); err != nil {
		return err
	}

	meta := entryMeta{
		Key:      key,
		Status:   entry.Status,
		Headers:  entry.Headers,
		StoredAt: storedAt,
		Hash:     hash,
	}
	rawMeta, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode entry meta: %w", err)
	}
	// meta 最后落盘，作为条目可见性的提交点。
	return writeAtomic(base+".meta.json", rawMeta)
}

func (s *fileStore) Remove(ctx context.Context, partition Partition, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock := s.lockEntry(partition, key)
	defer unlock()

	base, err := s.entryPath(partition, key)
	if err != nil {
		return err
	}

	metaErr := os.Remove(base + ".meta.json")
	if metaErr != nil && errors.Is(metaErr, fs.ErrNotExist) {
		return ErrNotFound
	}
	bodyErr := os.Remove(base + ".body")
	if metaErr != nil {
		return metaErr
	}
	if bodyErr != nil && !errors.Is(bodyErr, fs.ErrNotExist) {
		return bodyErr
	}
	return nil
}

func (s *fileStore) EnsurePartition(ctx context.Context, partition Partition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.partitionPath(partition)
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

func (s *fileStore) ListPartitions(ctx context.Context) ([]Partition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(filepath.Join(s.basePath, partitionsDir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var result []Partition
	for _, dirEntry := range entries {
		if !dirEntry.IsDir() {
			continue
		}
		name := dirEntry.Name()
		idx := strings.Index(name, "-")
		if idx <= 0 || idx == len(name)-1 {
			continue
		}
		result = append(result, Partition{
			Class:   name[:idx],
			Version: name[idx+1:],
		})
	}
	return result, nil
}

func (s *fileStore) RemovePartition(ctx context.Context, partition Partition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.partitionPath(partition)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

func (s *fileStore) lockEntry(partition Partition, key string) func() {
	lockKey := partition.Name() + "::" + key
	s.mu.Lock()
	lock := s.locks[lockKey]
	if lock == nil {
		lock = &entryLock{}
		s.locks[lockKey] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, lockKey)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) partitionPath(partition Partition) (string, error) {
	if partition.Class == "" || partition.Version == "" {
		return "", errors.New("partition class and version required")
	}
	if strings.ContainsAny(partition.Class+partition.Version, "/\\") {
		return "", errors.New("invalid partition identifier")
	}
	return filepath.Join(s.basePath, partitionsDir, partition.Name()), nil
}

// entryPath 以 key 的 sha1 摘要作为文件名，避免路径字符逃逸出分区目录。
func (s *fileStore) entryPath(partition Partition, key string) (string, error) {
	if key == "" {
		return "", errors.New("entry key required")
	}
	dir, err := s.partitionPath(partition)
	if err != nil {
		return "", err
	}
	sum := sha1.Sum([]byte(key))
	return filepath.Join(dir, hex.EncodeToString(sum[:])), nil
}

func writeAtomic(target string, data []byte) error {
	tempFile, err := os.CreateTemp(filepath.Dir(target), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, writeErr := tempFile.Write(data)
	closeErr := tempFile.Close()
	if writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		os.Remove(tempName)
		return writeErr
	}

	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}
