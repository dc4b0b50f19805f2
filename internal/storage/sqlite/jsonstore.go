package sqlite

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/Whamp/pi-brain-sub000/internal/types"
)

// The JSON side-store keeps one file per (id, version) under
// nodes/YYYY/MM/. Filenames are authoritative for identity; paths are
// never reused, so concurrent writers to different nodes cannot collide.

func nodeFileName(id string, version int) string {
	return fmt.Sprintf("%s-v%d.json", id, version)
}

// nodeJSONPath computes the side-store path for a node from its analysis
// timestamp.
func (s *Store) nodeJSONPath(n *types.Node) string {
	return filepath.Join(s.nodesDir,
		fmt.Sprintf("%04d", n.AnalyzedAt.UTC().Year()),
		fmt.Sprintf("%02d", int(n.AnalyzedAt.UTC().Month())),
		nodeFileName(n.ID, n.Version))
}

// writeNodeJSON persists the full node blob. The write goes through a temp
// file and rename so a crash never leaves a half-written version on disk.
func (s *Store) writeNodeJSON(n *types.Node) (string, error) {
	path := s.nodeJSONPath(n)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create node JSON dir: %w", err)
	}

	data, err := json.MarshalIndent(n, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal node %s: %w", n.ID, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write node JSON: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to finalize node JSON: %w", err)
	}
	return path, nil
}

// readNodeJSON loads a node blob from a known side-store path.
func readNodeJSON(path string) (*types.Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read node JSON %s: %w", path, err)
	}
	var n types.Node
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("failed to parse node JSON %s: %w", path, err)
	}
	return &n, nil
}

// findNodeJSON locates the file for (id, version) by walking the YYYY/MM
// layout. The row usually remembers its json_path; this is the fallback for
// version history and rebuilds.
func (s *Store) findNodeJSON(id string, version int) (string, error) {
	want := nodeFileName(id, version)
	var found string
	err := filepath.WalkDir(s.nodesDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == want {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to scan nodes dir: %w", err)
	}
	if found == "" {
		return "", fmt.Errorf("node JSON %s not found", want)
	}
	return found, nil
}

// listJSONVersions enumerates every stored version of a node id, ascending.
func (s *Store) listJSONVersions(id string) ([]int, error) {
	prefix := id + "-v"
	var versions []int
	err := filepath.WalkDir(s.nodesDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			return nil
		}
		v, convErr := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".json"))
		if convErr != nil {
			return nil // stray file, not ours
		}
		versions = append(versions, v)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan nodes dir: %w", err)
	}
	sort.Ints(versions)
	return versions, nil
}

// scanAllNodeJSON walks the whole side-store and returns the latest version
// of every node found, for index rebuilds.
func (s *Store) scanAllNodeJSON() (map[string]*types.Node, error) {
	latest := map[string]*types.Node{}
	err := filepath.WalkDir(s.nodesDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		n, readErr := readNodeJSON(path)
		if readErr != nil {
			s.log.Warn("skipping unreadable node JSON during rebuild", "path", path, "error", readErr)
			return nil
		}
		if cur, ok := latest[n.ID]; !ok || n.Version > cur.Version {
			latest[n.ID] = n
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk nodes dir: %w", err)
	}
	return latest, nil
}
