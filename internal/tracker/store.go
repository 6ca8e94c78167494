package tracker

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const recordExt = ".json"

// fileStore lays records out as
//
//	<dir>/workspaces/<workspace>/<requestId>.json
//	<dir>/index/<requestId>          (contains the workspace name)
type fileStore struct {
	dir string
}

func newFileStore(dir string) (*fileStore, error) {
	for _, sub := range []string{"workspaces", "index"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create tracker dir: %w", err)
		}
	}
	return &fileStore{dir: dir}, nil
}

func (s *fileStore) recordPath(workspace, id string) string {
	return filepath.Join(s.dir, "workspaces", workspace, id+recordExt)
}

func (s *fileStore) indexPath(id string) string {
	return filepath.Join(s.dir, "index", id)
}

func (s *fileStore) write(r *Request) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(s.dir, "workspaces", r.Workspace), 0o755); err != nil {
		return fmt.Errorf("create workspace dir: %w", err)
	}
	if err := writeAtomic(s.recordPath(r.Workspace, r.RequestID), data); err != nil {
		return err
	}
	return writeAtomic(s.indexPath(r.RequestID), []byte(r.Workspace))
}

// workspaceOf resolves a request id through the index.
func (s *fileStore) workspaceOf(id string) (string, error) {
	data, err := os.ReadFile(s.indexPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", err
	}
	ws := strings.TrimSpace(string(data))
	if !safeName.MatchString(ws) {
		return "", fmt.Errorf("corrupt index entry for %s", id)
	}
	return ws, nil
}

func (s *fileStore) read(workspace, id string) (*Request, error) {
	data, err := os.ReadFile(s.recordPath(workspace, id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decode(data)
}

func decode(data []byte) (*Request, error) {
	var r Request
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("corrupt record: %w", err)
	}
	if r.RequestID == "" || !r.State.Valid() {
		return nil, fmt.Errorf("corrupt record: missing id or unknown state %q", r.State)
	}
	return &r, nil
}

func (s *fileStore) remove(workspace, id string) error {
	err := os.Remove(s.recordPath(workspace, id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	err = os.Remove(s.indexPath(id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// listWorkspace returns the ids of record files in a workspace directory.
func (s *fileStore) listWorkspace(workspace string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, "workspaces", workspace))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, recordExt) {
			continue
		}
		id := strings.TrimSuffix(name, recordExt)
		if safeName.MatchString(id) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *fileStore) workspaces() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, "workspaces"))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// writeAtomic writes data to a temp file in the same directory and renames
// it over path, so readers never observe a partial record.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
