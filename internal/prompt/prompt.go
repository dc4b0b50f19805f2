// Package prompt manages the analysis prompt file: loading it, deriving a
// content-hashed version identifier, and archiving each version so old
// nodes can be traced back to the exact prompt text that produced them.
package prompt

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// VersionLen is the length of the hex-encoded prompt version identifier.
const VersionLen = 12

// defaultPrompt is used when no prompt file exists yet. It is written to
// the configured path on first load so operators can edit it in place.
const defaultPrompt = `Analyze the following AI coding-agent session segment and respond with a
single JSON object with fields: summary, type (coding|debugging|research|
refactoring|configuration|planning|other), outcome (success|partial|failed|
abandoned), decisions (array of strings), lessonsByLevel (object keyed by
tactical/strategic/meta, each an array of {summary, detail, tags, severity}),
modelQuirks, toolErrors, tags, topics.

Session file: {{sessionFile}}
Segment: {{segmentStart}} .. {{segmentEnd}}
`

// Manager loads the prompt and keeps its archive directory current.
type Manager struct {
	path       string
	historyDir string

	mu      sync.RWMutex
	text    string
	version string
}

// NewManager binds a manager to the prompt path and history directory. The
// prompt is not read until Load.
func NewManager(path, historyDir string) *Manager {
	return &Manager{path: path, historyDir: historyDir}
}

// Version hashes prompt text into its 12-hex version identifier.
func Version(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])[:VersionLen]
}

// Load reads the prompt file, seeds it with the default text when absent,
// computes the version, and archives the text under the history dir. Safe
// to call again after the file changes; a HUP reload goes through here.
func (m *Manager) Load() error {
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		if mkErr := os.MkdirAll(filepath.Dir(m.path), 0o755); mkErr != nil {
			return fmt.Errorf("failed to create prompt dir: %w", mkErr)
		}
		if wrErr := os.WriteFile(m.path, []byte(defaultPrompt), 0o644); wrErr != nil {
			return fmt.Errorf("failed to seed default prompt: %w", wrErr)
		}
		data = []byte(defaultPrompt)
	} else if err != nil {
		return fmt.Errorf("failed to read prompt %s: %w", m.path, err)
	}

	text := string(data)
	version := Version(text)

	if err := m.archive(version, text); err != nil {
		return err
	}

	m.mu.Lock()
	m.text, m.version = text, version
	m.mu.Unlock()
	return nil
}

// archive writes the prompt text to history/<version>.md once. An existing
// archive file for the same version is left untouched.
func (m *Manager) archive(version, text string) error {
	if err := os.MkdirAll(m.historyDir, 0o755); err != nil {
		return fmt.Errorf("failed to create prompt history dir: %w", err)
	}
	path := filepath.Join(m.historyDir, version+".md")
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return fmt.Errorf("failed to archive prompt version %s: %w", version, err)
	}
	return nil
}

// CurrentVersion returns the version of the loaded prompt.
func (m *Manager) CurrentVersion() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// Text returns the loaded prompt text.
func (m *Manager) Text() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.text
}

// Render substitutes job fields into the prompt template placeholders.
func (m *Manager) Render(sessionFile, segmentStart, segmentEnd string) string {
	r := strings.NewReplacer(
		"{{sessionFile}}", sessionFile,
		"{{segmentStart}}", segmentStart,
		"{{segmentEnd}}", segmentEnd,
	)
	return r.Replace(m.Text())
}

// ReadArchived returns the archived text of a specific prompt version.
func (m *Manager) ReadArchived(version string) (string, error) {
	data, err := os.ReadFile(filepath.Join(m.historyDir, version+".md"))
	if err != nil {
		return "", fmt.Errorf("failed to read archived prompt %s: %w", version, err)
	}
	return string(data), nil
}
