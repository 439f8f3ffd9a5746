package shielded

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Store persists the active contract address of each session. Get returns
// an error matching ErrNoActiveContract when the session has none.
type Store interface {
	Get(session string) (common.Address, error)
	Put(session string, addr common.Address) error
	Delete(session string) error
}

// MemoryStore keeps addresses for the lifetime of the process.
type MemoryStore struct {
	mu    sync.RWMutex
	addrs map[string]common.Address
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{addrs: make(map[string]common.Address)}
}

func (s *MemoryStore) Get(session string) (common.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addr, ok := s.addrs[session]
	if !ok {
		return common.Address{}, ErrNoActiveContract
	}
	return addr, nil
}

func (s *MemoryStore) Put(session string, addr common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addrs[session] = addr
	return nil
}

func (s *MemoryStore) Delete(session string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.addrs, session)
	return nil
}

// FileStore keeps one file per session under a directory, holding the
// address as a hex string.
type FileStore struct {
	dir string
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(session string) (string, error) {
	if session == "" || strings.ContainsAny(session, `/\`) || session == "." || session == ".." {
		return "", fmt.Errorf("shielded: invalid session id %q", session)
	}
	return filepath.Join(s.dir, session+".address"), nil
}

func (s *FileStore) Get(session string) (common.Address, error) {
	path, err := s.path(session)
	if err != nil {
		return common.Address{}, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return common.Address{}, ErrNoActiveContract
	}
	if err != nil {
		return common.Address{}, fmt.Errorf("read %s: %w", path, err)
	}
	return parseStoredAddress(string(data))
}

func (s *FileStore) Put(session string, addr common.Address) error {
	path, err := s.path(session)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(addr.Hex()+"\n"), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

func (s *FileStore) Delete(session string) error {
	path, err := s.path(session)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

func parseStoredAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("shielded: stored value %q is not an address", s)
	}
	return common.HexToAddress(s), nil
}
