// Package helm manages the helm repository config file. The file layout and
// locking protocol match the helm CLI, so both can edit the same file safely.
package helm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	zlog "github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/quarterdeck-io/console/pkg/models"
)

const (
	repoConfigFileMode os.FileMode = 0644
	repoConfigDirMode  os.FileMode = 0770

	lockTimeout       = 30 * time.Second
	lockRetryInterval = time.Second
	indexFetchTimeout = 30 * time.Second
)

// ErrRepoNotFound reports a remove of a repository that is not configured.
var ErrRepoNotFound = errors.New("repository not found")

// RepoFile mirrors the repositories.yaml layout the helm CLI writes.
type RepoFile struct {
	APIVersion   string       `yaml:"apiVersion"`
	Generated    time.Time    `yaml:"generated"`
	Repositories []*RepoEntry `yaml:"repositories"`
}

// RepoEntry is one named repository.
type RepoEntry struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

func newRepoFile() *RepoFile {
	return &RepoFile{
		Generated:    time.Now(),
		Repositories: []*RepoEntry{},
	}
}

// Update replaces the entry with the same name or appends a new one.
func (f *RepoFile) Update(entry *RepoEntry) {
	for i, existing := range f.Repositories {
		if existing.Name == entry.Name {
			f.Repositories[i] = entry
			return
		}
	}
	f.Repositories = append(f.Repositories, entry)
}

// Remove drops the named entry and reports whether it was present.
func (f *RepoFile) Remove(name string) bool {
	for i, existing := range f.Repositories {
		if existing.Name == name {
			f.Repositories = append(f.Repositories[:i], f.Repositories[i+1:]...)
			return true
		}
	}
	return false
}

// Manager reads and writes one repository config file.
type Manager struct {
	configPath  string
	indexClient *http.Client
}

// NewManager manages the repository config at configPath.
func NewManager(configPath string) *Manager {
	return &Manager{
		configPath:  configPath,
		indexClient: &http.Client{Timeout: indexFetchTimeout},
	}
}

// List returns the configured repositories. Reads skip the file lock, same
// as the helm CLI.
func (m *Manager) List() ([]models.RepositoryInfo, error) {
	if err := m.ensureConfigFile(); err != nil {
		zlog.Error().Err(err).Str("action", "list_repo").Msg("failed to create empty repository config file")
		return nil, err
	}

	repoFile, err := m.loadFile()
	if err != nil {
		zlog.Error().Err(err).Str("action", "list_repo").Msg("failed to read repo file")
		return nil, err
	}

	repositories := make([]models.RepositoryInfo, 0, len(repoFile.Repositories))
	for _, entry := range repoFile.Repositories {
		repositories = append(repositories, models.RepositoryInfo{
			Name: entry.Name,
			URL:  entry.URL,
		})
	}
	return repositories, nil
}

// Add registers a repository after checking that its index can actually be
// fetched. An existing entry with the same name is replaced.
func (m *Manager) Add(ctx context.Context, name, url string) error {
	if name == "" || url == "" {
		return fmt.Errorf("repository name and url are required")
	}

	if err := m.ensureConfigFile(); err != nil {
		zlog.Error().Err(err).Str("action", "add_repo").Msg("failed to create empty repository config file")
		return err
	}

	fileLock, err := m.lock(ctx)
	if err != nil {
		zlog.Error().Err(err).Str("action", "add_repo").Msg("failed to lock repository config file")
		return err
	}
	defer m.unlock(fileLock, "add_repo")

	repoFile, err := m.loadFile()
	if err != nil {
		zlog.Error().Err(err).Str("action", "add_repo").Msg("failed to read repo file")
		return err
	}

	if err := m.validateIndex(ctx, url); err != nil {
		zlog.Error().Err(err).Str("action", "add_repo").Msg("failed to download index file")
		return err
	}

	repoFile.Update(&RepoEntry{Name: name, URL: url})

	if err := m.writeFile(repoFile); err != nil {
		zlog.Error().Err(err).Str("action", "add_repo").Msg("failed to write repo file")
		return err
	}
	return nil
}

// Update rewrites the entry's URL, appending the entry when it is new.
func (m *Manager) Update(ctx context.Context, name, url string) error {
	if name == "" || url == "" {
		return fmt.Errorf("repository name and url are required")
	}

	if err := m.ensureConfigFile(); err != nil {
		zlog.Error().Err(err).Str("action", "update_repo").Msg("failed to create empty repository config file")
		return err
	}

	fileLock, err := m.lock(ctx)
	if err != nil {
		zlog.Error().Err(err).Str("action", "update_repo").Msg("failed to lock repository config file")
		return err
	}
	defer m.unlock(fileLock, "update_repo")

	repoFile, err := m.loadFile()
	if err != nil {
		zlog.Error().Err(err).Str("action", "update_repo").Msg("failed to read repo file")
		return err
	}

	repoFile.Update(&RepoEntry{Name: name, URL: url})

	if err := m.writeFile(repoFile); err != nil {
		zlog.Error().Err(err).Str("action", "update_repo").Msg("failed to write repo file")
		return err
	}
	return nil
}

// Remove drops the named repository. Removing a name that is not configured
// is an error.
func (m *Manager) Remove(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("repository name is required")
	}

	if err := m.ensureConfigFile(); err != nil {
		zlog.Error().Err(err).Str("action", "remove_repo").Msg("failed to create empty repository config file")
		return err
	}

	fileLock, err := m.lock(ctx)
	if err != nil {
		zlog.Error().Err(err).Str("action", "remove_repo").Msg("failed to lock repository config file")
		return err
	}
	defer m.unlock(fileLock, "remove_repo")

	repoFile, err := m.loadFile()
	if err != nil {
		zlog.Error().Err(err).Str("action", "remove_repo").Msg("failed to read repo file")
		return err
	}

	if !repoFile.Remove(name) {
		return fmt.Errorf("%w: %s", ErrRepoNotFound, name)
	}

	if err := m.writeFile(repoFile); err != nil {
		zlog.Error().Err(err).Str("action", "remove_repo").Msg("failed to write repo file")
		return err
	}
	return nil
}

// lock takes the same file lock the helm CLI uses: the config path with its
// extension swapped for .lock, retried every second for up to 30 seconds.
func (m *Manager) lock(ctx context.Context) (*flock.Flock, error) {
	lockPath := m.configPath + ".lock"
	if ext := filepath.Ext(m.configPath); len(ext) > 0 && len(ext) < len(m.configPath) {
		lockPath = strings.Replace(m.configPath, ext, ".lock", 1)
	}

	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	fileLock := flock.New(lockPath)
	locked, err := fileLock.TryLockContext(lockCtx, lockRetryInterval)
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", lockPath, err)
	}
	if !locked {
		return nil, fmt.Errorf("timed out waiting for lock on %s", lockPath)
	}
	return fileLock, nil
}

func (m *Manager) unlock(fileLock *flock.Flock, action string) {
	if err := fileLock.Unlock(); err != nil {
		zlog.Error().Err(err).Str("action", action).Msg("failed to unlock repository config file")
	}
}

func (m *Manager) ensureConfigFile() error {
	if _, err := os.Stat(m.configPath); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.configPath), repoConfigDirMode); err != nil {
		return err
	}
	return m.writeFile(newRepoFile())
}

func (m *Manager) loadFile() (*RepoFile, error) {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read repository config: %w", err)
	}

	repoFile := &RepoFile{}
	if err := yaml.Unmarshal(data, repoFile); err != nil {
		return nil, fmt.Errorf("failed to parse repository config: %w", err)
	}
	if repoFile.Repositories == nil {
		repoFile.Repositories = []*RepoEntry{}
	}
	return repoFile, nil
}

func (m *Manager) writeFile(repoFile *RepoFile) error {
	repoFile.Generated = time.Now()

	data, err := yaml.Marshal(repoFile)
	if err != nil {
		return fmt.Errorf("failed to encode repository config: %w", err)
	}
	return os.WriteFile(m.configPath, data, repoConfigFileMode)
}

// validateIndex fetches <url>/index.yaml and checks it parses as a chart
// repository index, the same probe the helm CLI runs on repo add.
func (m *Manager) validateIndex(ctx context.Context, repoURL string) error {
	indexURL := strings.TrimSuffix(repoURL, "/") + "/index.yaml"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, indexURL, nil)
	if err != nil {
		return fmt.Errorf("invalid repository url: %w", err)
	}
	resp, err := m.indexClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch repository index: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("repository index returned status %d", resp.StatusCode)
	}

	var index struct {
		APIVersion string `yaml:"apiVersion"`
	}
	if err := yaml.NewDecoder(resp.Body).Decode(&index); err != nil {
		return fmt.Errorf("repository index is not valid YAML: %w", err)
	}
	if index.APIVersion == "" {
		return fmt.Errorf("repository index is missing apiVersion")
	}
	return nil
}
