package pipeline

import (
	"os"
	"path/filepath"
)

var removeAll = os.RemoveAll

// scratch is a per-job directory for intermediate images (canvas, mask,
// edit1 output). It must be closed on every exit path.
type scratch struct {
	dir string
}

func newScratch(root, jobID string) (*scratch, error) {
	dir, err := os.MkdirTemp(root, "gen-"+jobID+"-")
	if err != nil {
		return nil, &ResourceError{Op: "create", Path: root, Err: err}
	}
	return &scratch{dir: dir}, nil
}

func (s *scratch) put(name string, data []byte) error {
	p := filepath.Join(s.dir, name)
	if err := os.WriteFile(p, data, 0o600); err != nil {
		return &ResourceError{Op: "write", Path: p, Err: err}
	}
	return nil
}

func (s *scratch) get(name string) ([]byte, error) {
	p := filepath.Join(s.dir, name)
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, &ResourceError{Op: "read", Path: p, Err: err}
	}
	return data, nil
}

func (s *scratch) Close() error {
	if err := removeAll(s.dir); err != nil {
		return &ResourceError{Op: "remove", Path: s.dir, Err: err}
	}
	return nil
}
