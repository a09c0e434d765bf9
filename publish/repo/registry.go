package repo

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrNoRepository = errors.New("path is not in any publishable repository")

type RepositoryConfig struct {
	PublicFolder  string   `yaml:"public_folder"`
	CopyFiles     bool     `yaml:"copy_files"`
	HasArchive    bool     `yaml:"has_baricadr"`
	AllowedUsers  []string `yaml:"allowed_users"`
	AllowedGroups []string `yaml:"allowed_groups"`
}

type Repository struct {
	// Symlink-resolved absolute path, no trailing slash.
	RootPath string

	PublicFolder string

	// CopyFiles false (the default) means publish moves the source into the
	// public folder and leaves a symlink at the original path.
	CopyFiles bool

	// HasArchive marks files under this root as retrievable from the remote
	// archive when not locally present.
	HasArchive bool

	AllowedUsers  []string
	AllowedGroups []string
}

// Contains reports whether path lives under the repository root. The
// comparison is trailing-slash-normalized so /data/repo2 does not match a
// root of /data/repo.
func (r *Repository) Contains(path string) bool {
	return strings.HasPrefix(withSlash(path), withSlash(r.RootPath))
}

type LoadOptions struct {
	// Strict makes a missing root or public folder a load error instead of
	// creating it. Set in production.
	Strict bool

	// CheckWrites verifies the public folder is writable by creating and
	// removing a probe file. Disabled for processes that never write, such
	// as a read-only API server running as an unprivileged user.
	CheckWrites bool
}

type Registry struct {
	repos map[string]*Repository
}

func Load(configPath string, opts LoadOptions) (*Registry, error) {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading repository config '%v': %w", configPath, err)
	}
	return Parse(content, opts)
}

func Parse(content []byte, opts LoadOptions) (*Registry, error) {
	var conf map[string]RepositoryConfig
	if err := yaml.Unmarshal(content, &conf); err != nil {
		return nil, fmt.Errorf("malformed repository definition: %w", err)
	}
	if len(conf) == 0 {
		return nil, errors.New("malformed repository definition: no repositories declared")
	}

	registry := &Registry{repos: make(map[string]*Repository, len(conf))}

	for root, repoConf := range conf {
		rootPath, err := resolveRoot(root, opts)
		if err != nil {
			return nil, err
		}

		if _, ok := registry.repos[rootPath]; ok {
			return nil, fmt.Errorf("could not load duplicate repository for path '%v'", rootPath)
		}
		for known := range registry.repos {
			if nested(rootPath, known) {
				return nil, fmt.Errorf("could not load repository for path '%v', conflicting with '%v'", rootPath, known)
			}
		}

		repo, err := newRepository(rootPath, repoConf, opts)
		if err != nil {
			return nil, err
		}
		registry.repos[rootPath] = repo
	}

	return registry, nil
}

// FindRepository returns the repository containing path. Because nested
// roots are rejected at load time, at most one can match. ErrNoRepository
// is a normal outcome, not a fault.
func (r *Registry) FindRepository(path string) (*Repository, error) {
	for _, repo := range r.repos {
		if repo.Contains(path) {
			return repo, nil
		}
	}
	return nil, ErrNoRepository
}

// Get returns the repository whose root is exactly rootPath. Used to
// resolve the RepoPath back-reference stored on a published file.
func (r *Registry) Get(rootPath string) (*Repository, error) {
	if repo, ok := r.repos[rootPath]; ok {
		return repo, nil
	}
	return nil, ErrNoRepository
}

func (r *Registry) Repositories() []*Repository {
	repos := make([]*Repository, 0, len(r.repos))
	for _, repo := range r.repos {
		repos = append(repos, repo)
	}
	return repos
}

func resolveRoot(root string, opts LoadOptions) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("error resolving repository path '%v': %w", root, err)
	}

	if _, err := os.Stat(abs); errors.Is(err, os.ErrNotExist) {
		if opts.Strict {
			return "", fmt.Errorf("repository path '%v' does not exist", abs)
		}
		slog.Warn("repository path does not exist, creating it", "path", abs)
		if err := os.MkdirAll(abs, 0755); err != nil {
			return "", fmt.Errorf("error creating repository path '%v': %w", abs, err)
		}
	}

	// Resolve symlinks so two declared roots cannot alias the same
	// directory unnoticed.
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("error resolving symlinks for repository path '%v': %w", abs, err)
	}

	return strings.TrimSuffix(resolved, "/"), nil
}

func newRepository(rootPath string, conf RepositoryConfig, opts LoadOptions) (*Repository, error) {
	if conf.PublicFolder == "" {
		return nil, fmt.Errorf("public_folder for path '%v' is either not set or empty", rootPath)
	}

	if info, err := os.Stat(conf.PublicFolder); err != nil || !info.IsDir() {
		if opts.Strict {
			return nil, fmt.Errorf("public_folder '%v' for path '%v' does not exist", conf.PublicFolder, rootPath)
		}
		slog.Warn("public folder does not exist, creating it", "path", conf.PublicFolder)
		if err := os.MkdirAll(conf.PublicFolder, 0755); err != nil {
			return nil, fmt.Errorf("error creating public folder '%v': %w", conf.PublicFolder, err)
		}
	}

	if opts.CheckWrites {
		if err := checkWritable(conf.PublicFolder); err != nil {
			return nil, fmt.Errorf("path '%v' is not writable: %w", conf.PublicFolder, err)
		}
	}

	return &Repository{
		RootPath:      rootPath,
		PublicFolder:  conf.PublicFolder,
		CopyFiles:     conf.CopyFiles,
		HasArchive:    conf.HasArchive,
		AllowedUsers:  conf.AllowedUsers,
		AllowedGroups: conf.AllowedGroups,
	}, nil
}

func checkWritable(dir string) error {
	probe, err := os.CreateTemp(dir, ".gopublish-probe-*")
	if err != nil {
		return err
	}
	name := probe.Name()
	probe.Close()
	return os.Remove(name)
}

func withSlash(path string) string {
	return strings.TrimSuffix(path, "/") + "/"
}

func nested(path1, path2 string) bool {
	p1, p2 := withSlash(path1), withSlash(path2)
	return strings.HasPrefix(p1, p2) || strings.HasPrefix(p2, p1)
}
