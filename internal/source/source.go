// Package source loads the code under review from disk or from a git revision.
package source

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/rotisserie/eris"
)

// ErrBinary is returned for content that is not text.
var ErrBinary = eris.New("source: binary content")

// Artifact is a single file to review.
type Artifact struct {
	Path     string `json:"path"`
	Revision string `json:"revision,omitempty"`
	Language string `json:"language,omitempty"`
	Code     string `json:"code"`
}

var languages = map[string]string{
	".go":    "go",
	".py":    "python",
	".js":    "javascript",
	".jsx":   "javascript",
	".mjs":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".java":  "java",
	".kt":    "kotlin",
	".rb":    "ruby",
	".php":   "php",
	".cs":    "csharp",
	".c":     "c",
	".h":     "c",
	".cpp":   "cpp",
	".cc":    "cpp",
	".rs":    "rust",
	".swift": "swift",
	".scala": "scala",
	".sh":    "shell",
	".sql":   "sql",
	".tf":    "terraform",
	".yaml":  "yaml",
	".yml":   "yaml",
}

// DetectLanguage guesses the language from the file extension. Unknown
// extensions return "".
func DetectLanguage(path string) string {
	return languages[strings.ToLower(filepath.Ext(path))]
}

// FromFile reads a file from disk.
func FromFile(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "source: read %s", path)
	}
	if isBinary(data) {
		return nil, eris.Wrapf(ErrBinary, "source: %s", path)
	}
	return &Artifact{
		Path:     path,
		Language: DetectLanguage(path),
		Code:     string(data),
	}, nil
}

// FromGit reads path as of rev from the repository containing repoDir. rev
// is anything git accepts as a revision: a branch, tag, hash or HEAD~1.
func FromGit(repoDir, rev, path string) (*Artifact, error) {
	repo, err := git.PlainOpenWithOptions(repoDir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, eris.Wrapf(err, "source: open repository %s", repoDir)
	}
	if rev == "" {
		rev = "HEAD"
	}

	hash, err := repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return nil, eris.Wrapf(err, "source: resolve revision %s", rev)
	}
	commit, err := repo.CommitObject(*hash)
	if err != nil {
		return nil, eris.Wrapf(err, "source: load commit %s", hash)
	}

	file, err := commit.File(filepath.ToSlash(path))
	if err != nil {
		if eris.Is(err, object.ErrFileNotFound) {
			return nil, eris.Wrapf(err, "source: %s not found at %s", path, rev)
		}
		return nil, eris.Wrapf(err, "source: read %s at %s", path, rev)
	}
	if bin, err := file.IsBinary(); err == nil && bin {
		return nil, eris.Wrapf(ErrBinary, "source: %s at %s", path, rev)
	}
	contents, err := file.Contents()
	if err != nil {
		return nil, eris.Wrapf(err, "source: read %s at %s", path, rev)
	}

	return &Artifact{
		Path:     path,
		Revision: hash.String(),
		Language: DetectLanguage(path),
		Code:     contents,
	}, nil
}

// Load reads path from disk, or from git when rev is set.
func Load(repoDir, rev, path string) (*Artifact, error) {
	if rev == "" {
		return FromFile(path)
	}
	return FromGit(repoDir, rev, path)
}

func isBinary(data []byte) bool {
	n := len(data)
	if n > 8000 {
		n = 8000
	}
	for _, b := range data[:n] {
		if b == 0 {
			return true
		}
	}
	return false
}
