// Package domain holds the project identity model and the error taxonomy
// shared by the ingestion and query pipelines.
package domain

import (
	"fmt"
	"net/url"
	"strings"
)

// RepoRef identifies a repository by owner and name, parsed from its URL.
type RepoRef struct {
	Owner string
	Name  string
}

// Key returns the project key "<owner>-<name>". The key names both the
// vector collection and the cache entry, so it must be stable for a given
// repository URL.
func (r RepoRef) Key() string {
	return r.Owner + "-" + r.Name
}

// ArtifactName returns the name of the extracted text artifact for this
// repository, both on local disk and in the object store.
func (r RepoRef) ArtifactName() string {
	return r.Key() + "-output.txt"
}

// ParseRepoURL parses a repository URL of the form
// https://<host>/<owner>/<name>[.git][/...] into a RepoRef.
// An empty owner or name is rejected: a malformed key would address an
// unrelated project's collection.
func ParseRepoURL(raw string) (RepoRef, error) {
	if strings.TrimSpace(raw) == "" {
		return RepoRef{}, fmt.Errorf("domain: empty url: %w", ErrInvalidRepoURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return RepoRef{}, fmt.Errorf("domain: parse %q: %w", raw, ErrInvalidRepoURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return RepoRef{}, fmt.Errorf("domain: scheme %q: %w", u.Scheme, ErrInvalidRepoURL)
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 {
		return RepoRef{}, fmt.Errorf("domain: path %q: %w", u.Path, ErrInvalidRepoURL)
	}

	owner := parts[0]
	name := strings.TrimSuffix(parts[1], ".git")
	if owner == "" || name == "" {
		return RepoRef{}, fmt.Errorf("domain: empty owner or repo in %q: %w", raw, ErrInvalidRepoURL)
	}

	return RepoRef{Owner: owner, Name: name}, nil
}

// ProjectKey derives the project key directly from a repository URL.
func ProjectKey(rawURL string) (string, error) {
	ref, err := ParseRepoURL(rawURL)
	if err != nil {
		return "", err
	}
	return ref.Key(), nil
}

// JoinKey builds a project key from already-separated owner and project
// names, as supplied by query requests.
func JoinKey(owner, project string) string {
	if owner == "" {
		return project
	}
	return owner + "-" + project
}
