package savestate

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/palmemu/poser/go/models/cpu"
)

var ErrNoSnapshot = errors.New("savestate: no snapshot saved")

const (
	rootFile      = "root.psnp"
	suspendedFile = "suspended.psnp"
)

// Store keeps the root and suspended snapshots a gremlin horde runs from,
// plus auto-saves. With a directory they are also written to disk.
type Store struct {
	cpu cpu.Cpu
	dir string
	log *slog.Logger

	mu        sync.Mutex
	root      []byte
	suspended []byte
	auto      []byte
	autoSaves int
}

func NewStore(c cpu.Cpu, dir string, log *slog.Logger) *Store {
	return &Store{cpu: c, dir: dir, log: log.With("component", "savestate")}
}

func (s *Store) write(name string, data []byte) error {
	if s.dir == "" {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return errors.Wrap(err, "snapshot dir")
	}
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrap(err, "write snapshot")
	}
	s.log.Info("snapshot saved", "path", path, "bytes", len(data))
	return nil
}

func (s *Store) read(name string) ([]byte, error) {
	if s.dir == "" {
		return nil, ErrNoSnapshot
	}
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if os.IsNotExist(err) {
		return nil, ErrNoSnapshot
	}
	return data, errors.Wrap(err, "read snapshot")
}

func (s *Store) save(slot *[]byte, name string) error {
	data, err := Save(s.cpu)
	if err != nil {
		return err
	}
	s.mu.Lock()
	*slot = data
	s.mu.Unlock()
	return s.write(name, data)
}

func (s *Store) load(slot *[]byte, name string) error {
	s.mu.Lock()
	data := *slot
	s.mu.Unlock()
	if data == nil {
		var err error
		if data, err = s.read(name); err != nil {
			return err
		}
	}
	return Load(s.cpu, data)
}

func (s *Store) AutoSave() error {
	s.mu.Lock()
	s.autoSaves++
	name := fmt.Sprintf("auto-%04d.psnp", s.autoSaves)
	s.mu.Unlock()
	return s.save(&s.auto, name)
}

func (s *Store) SaveRoot() error {
	return s.save(&s.root, rootFile)
}

func (s *Store) SaveSuspended() error {
	return s.save(&s.suspended, suspendedFile)
}

func (s *Store) LoadRoot() error {
	return s.load(&s.root, rootFile)
}

func (s *Store) LoadSuspended() error {
	return s.load(&s.suspended, suspendedFile)
}

// MinimizeLoad restarts minimization from the root snapshot.
func (s *Store) MinimizeLoad() error {
	return s.LoadRoot()
}
