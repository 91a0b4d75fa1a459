package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/RepoPilot/repopilot-mvp/pkg/natsutil"
)

const (
	// IngestSubject carries repository ingestion requests.
	IngestSubject = "engine.repo.ingest"
	// DLQSubject is the dead letter queue for requests that kept failing.
	DLQSubject = "engine.repo.ingest.dlq"
	// CompletedSubject announces finished ingestions.
	CompletedSubject = "engine.repo.ingest.completed"
	// MaxRetries before a request goes to the DLQ.
	MaxRetries = 3
)

// IngestRequest is the wire form of an async ingestion request.
type IngestRequest struct {
	RepoURL string `json:"repo_url"`
}

// CompletedEvent is published after a successful ingestion.
type CompletedEvent struct {
	Key      string `json:"key"`
	Chunks   int    `json:"chunks"`
	CacheHit bool   `json:"cache_hit"`
}

// dlqMessage is published to the DLQ on repeated failure.
type dlqMessage struct {
	Request IngestRequest `json:"request"`
	Error   string        `json:"error"`
	Retries int           `json:"retries"`
}

// StartConsumer subscribes the service to the ingestion subject with retry
// and DLQ support. Successful runs are announced on CompletedSubject.
func (s *Service) StartConsumer(nc *nats.Conn) (*nats.Subscription, error) {
	log := s.logger

	return nc.Subscribe(IngestSubject, func(msg *nats.Msg) {
		var req IngestRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			log.Error("ingest: unmarshal failed", "error", err)
			return
		}

		ctx := context.Background()

		retries := 0
		if msg.Header != nil {
			if v := msg.Header.Get("X-Retry-Count"); v != "" {
				fmt.Sscanf(v, "%d", &retries)
			}
		}

		res, err := s.Process(ctx, req.RepoURL)
		if err != nil {
			retries++
			log.Error("ingest: pipeline failed",
				"error", err,
				"repo", req.RepoURL,
				"retry", retries,
			)

			if retries >= MaxRetries {
				dlq := dlqMessage{Request: req, Error: err.Error(), Retries: retries}
				data, _ := json.Marshal(dlq)
				if err := nc.Publish(DLQSubject, data); err != nil {
					log.Error("ingest: DLQ publish failed", "error", err)
				}
			} else {
				retryMsg := nats.NewMsg(IngestSubject)
				retryMsg.Data = msg.Data
				retryMsg.Header = nats.Header{}
				retryMsg.Header.Set("X-Retry-Count", fmt.Sprintf("%d", retries))
				if err := nc.PublishMsg(retryMsg); err != nil {
					log.Error("ingest: retry publish failed", "error", err)
				}
			}
		} else {
			evt := CompletedEvent{Key: res.Key, Chunks: res.Chunks, CacheHit: res.CacheHit}
			if err := natsutil.Publish(ctx, nc, CompletedSubject, evt); err != nil {
				log.Warn("ingest: completion publish failed", "error", err)
			}
			log.Info("ingest: success", "key", res.Key, "chunks", res.Chunks)
		}

		// Ack if JetStream.
		if msg.Reply != "" {
			_ = msg.Ack()
		}
	})
}
