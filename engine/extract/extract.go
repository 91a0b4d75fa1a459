// Package extract runs the external repository-to-text tool. The tool is an
// opaque collaborator: it takes a repository URL and writes a flat text
// artifact, or fails with diagnostic output.
package extract

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/RepoPilot/repopilot-mvp/engine/domain"
)

// Extractor produces a flat text artifact for a repository URL.
type Extractor interface {
	Extract(ctx context.Context, repoURL, outPath string) error
}

// Repomix invokes the repomix CLI against a remote repository.
type Repomix struct {
	// Command is the launcher binary, "npx" by default.
	Command string
	Logger  *slog.Logger
}

// NewRepomix creates a Repomix extractor.
func NewRepomix(logger *slog.Logger) *Repomix {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repomix{Command: "npx", Logger: logger}
}

// Extract runs `npx repomix --remote <url> -o <outPath>`. On failure the
// tool's combined output is surfaced as the error's diagnostic detail; the
// artifact must exist afterwards or the extraction counts as failed.
func (r *Repomix) Extract(ctx context.Context, repoURL, outPath string) error {
	cmd := exec.CommandContext(ctx, r.Command, "repomix", "--remote", repoURL, "-o", outPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return &domain.ExtractionError{
			RepoURL: repoURL,
			Details: strings.TrimSpace(string(out)),
			Err:     err,
		}
	}
	if _, err := os.Stat(outPath); err != nil {
		return &domain.ExtractionError{
			RepoURL: repoURL,
			Details: "output file was not created",
			Err:     domain.ErrArtifactMissing,
		}
	}
	r.Logger.Info("extraction complete", "repo", repoURL, "artifact", outPath)
	return nil
}
