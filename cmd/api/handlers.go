package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/RepoPilot/repopilot-mvp/engine/domain"
	"github.com/RepoPilot/repopilot-mvp/engine/ingest"
	"github.com/RepoPilot/repopilot-mvp/engine/rag"
)

// processor runs repository ingestions.
type processor interface {
	Process(ctx context.Context, repoURL string) (ingest.Result, error)
}

// querier answers questions against an indexed project.
type querier interface {
	Answer(ctx context.Context, projectKey, question string, h rag.StreamHandler) error
}

// artifactURLs resolves stored extraction artifacts to download links.
type artifactURLs interface {
	Exists(ctx context.Context, name string) (bool, error)
	PresignGet(ctx context.Context, name string, expiry time.Duration) (string, error)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ProcessRequest is the JSON body for POST /api/process.
type ProcessRequest struct {
	RepoURL string `json:"repoUrl"`
}

func handleProcess(svc processor, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ProcessRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RepoURL == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "repoUrl is required"})
			return
		}

		res, err := svc.Process(r.Context(), req.RepoURL)
		if err != nil {
			if errors.Is(err, domain.ErrInvalidRepoURL) {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
			logger.Error("ingestion failed", "repo", req.RepoURL, "err", err)
			body := map[string]string{"error": "processing failed"}
			var extErr *domain.ExtractionError
			if errors.As(err, &extErr) && extErr.Details != "" {
				body["details"] = extErr.Details
			}
			writeJSON(w, http.StatusInternalServerError, body)
			return
		}

		logger.Info("process done", "key", res.Key, "chunks", res.Chunks, "cache_hit", res.CacheHit)
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": "Processing complete",
			"status":  http.StatusOK,
		})
	}
}

// QueryRequest is the JSON body for POST /api/query.
type QueryRequest struct {
	Query       string `json:"query"`
	ProjectName string `json:"projectName"`
	UserName    string `json:"userName,omitempty"`
}

func (q QueryRequest) projectKey() string {
	if q.UserName == "" {
		return q.ProjectName
	}
	return domain.JoinKey(q.UserName, q.ProjectName)
}

func handleQuery(svc querier, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req QueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" || req.ProjectName == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "query and projectName are required"})
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming not supported"})
			return
		}

		// started flips once stream headers go out; error conditions after
		// that point can only be reported in-band.
		started := false
		h := rag.StreamHandler{
			OnSources: func(sources []rag.Source) error {
				w.Header().Set("Content-Type", "text/event-stream")
				w.Header().Set("Cache-Control", "no-cache")
				w.Header().Set("Connection", "keep-alive")
				started = true

				data, _ := json.Marshal(sources)
				fmt.Fprintf(w, "event: sources\ndata: %s\n\n", data)
				flusher.Flush()
				return nil
			},
			OnToken: func(tok string) error {
				data, _ := json.Marshal(map[string]string{"token": tok})
				fmt.Fprintf(w, "event: token\ndata: %s\n\n", data)
				flusher.Flush()
				return nil
			},
		}

		err := svc.Answer(r.Context(), req.projectKey(), req.Query, h)
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrIndexNotFound):
				writeJSON(w, http.StatusTemporaryRedirect, map[string]string{
					"redirect": "/",
					"message":  "Session expired. Redirecting to home page.",
				})
			case errors.Is(err, domain.ErrNoRelevantContent):
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "No relevant code found"})
			default:
				logger.Error("query failed", "project", req.projectKey(), "err", err)
				if started {
					fmt.Fprintf(w, "event: error\ndata: {\"error\":\"generation failed\"}\n\n")
					flusher.Flush()
				} else {
					writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
				}
			}
			return
		}

		fmt.Fprintf(w, "event: done\ndata: {}\n\n")
		flusher.Flush()
	}
}

func handleGetURL(store artifactURLs, expiry time.Duration, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("fileName")
		if name == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "fileName is required"})
			return
		}
		if store == nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "artifact storage not configured"})
			return
		}

		exists, err := store.Exists(r.Context(), name)
		if err != nil {
			logger.Error("artifact lookup failed", "file", name, "err", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
			return
		}
		if !exists {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "file not found"})
			return
		}

		url, err := store.PresignGet(r.Context(), name, expiry)
		if err != nil {
			logger.Error("presign failed", "file", name, "err", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"url": url})
	}
}
