package capture

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Artifact names inside a session directory
const (
	ActivityArtifact    = "network_activity.json"
	PerformanceArtifact = "performance_metrics.json"
	MessagesArtifact    = "websocket_messages.json"
	SummaryArtifact     = "session_summary.json"
)

// ErrActivityNotSaved means the mandatory activity artifact could not be
// written and the session must be considered unsaved.
var ErrActivityNotSaved = errors.New("network activity not saved")

// Done persists the session. The activity log is written first and is the only
// step whose failure is returned; performance and message artifacts are written
// only when non-empty, and the summary is written last referencing whichever
// artifacts were produced. Calling Done again rewrites everything from the
// current in-memory state.
func (r *Recorder) Done() (*SessionSummary, error) {
	level, snap := r.snapshot()
	storage := r.session.Storage

	r.log.Info("Saving session %s: %d requests, %d responses, %d performance records, %d WebSocket messages",
		r.session.ID, snap.Requests, snap.Responses, len(snap.Performance), len(snap.Messages))

	activityRef, err := writeJSON(storage, ActivityArtifact, snap.Activity)
	if err != nil {
		r.log.Error("Failed to save %s: %v", ActivityArtifact, err)
		return nil, fmt.Errorf("%w: %w", ErrActivityNotSaved, err)
	}

	summary := &SessionSummary{
		SessionID:               r.session.ID,
		Level:                   level,
		EndTime:                 r.now(),
		TotalRequests:           snap.Requests,
		TotalResponses:          snap.Responses,
		PerformanceMetricsCount: len(snap.Performance),
		WebSocketMessagesCount:  len(snap.Messages),
		Files: ArtifactRefs{
			NetworkActivity: activityRef,
		},
	}
	if len(snap.Activity) > 0 {
		start := snap.Activity[0].At()
		summary.StartTime = &start
	}

	if len(snap.Performance) > 0 {
		if ref, err := writeJSON(storage, PerformanceArtifact, snap.Performance); err != nil {
			r.optionalFailed(PerformanceArtifact, err)
		} else {
			r.markSaved(PerformanceArtifact)
			summary.Files.PerformanceMetrics = &ref
		}
	}

	if len(snap.Messages) > 0 {
		if ref, err := writeJSON(storage, MessagesArtifact, snap.Messages); err != nil {
			r.optionalFailed(MessagesArtifact, err)
		} else {
			r.markSaved(MessagesArtifact)
			summary.Files.WebSocketMessages = &ref
		}
	}

	if ref, err := writeJSON(storage, SummaryArtifact, summary); err != nil {
		r.log.Error("Failed to save %s: %v", SummaryArtifact, err)
	} else {
		r.log.Info("Session summary written to %s", ref)
	}

	return summary, nil
}

func (r *Recorder) markSaved(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saved == nil {
		r.saved = make(map[string]bool)
	}
	r.saved[name] = true
}

// optionalFailed logs a failed optional artifact. A copy from an earlier Done
// stays in storage but is no longer referenced by the summary.
func (r *Recorder) optionalFailed(name string, err error) {
	r.log.Error("Failed to save %s: %v", name, err)
	r.mu.Lock()
	stale := r.saved[name]
	r.mu.Unlock()
	if stale {
		r.log.Warn("Earlier %s is stale and no longer referenced by %s", name, SummaryArtifact)
	}
}

func writeJSON(storage Storage, name string, v interface{}) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", name, err)
	}
	return storage.WriteArtifact(name, append(data, '\n'))
}

// ActivityRecord is an activity log entry read back from disk. It carries the
// fields of both entry kinds; Type tells which ones are meaningful.
type ActivityRecord struct {
	Timestamp   time.Time         `json:"timestamp"`
	Type        EntryKind         `json:"type"`
	Method      string            `json:"method,omitempty"`
	URL         string            `json:"url"`
	StatusCode  int               `json:"status_code,omitempty"`
	Headers     map[string]string `json:"headers"`
	HTTPVersion string            `json:"http_version"`
	DurationMs  *float64          `json:"duration_ms,omitempty"`
	FlowID      string            `json:"flow_id"`
	BodySize    *int              `json:"body_size,omitempty"`
	BodyPreview *string           `json:"body_preview,omitempty"`
}

// ReadActivity decodes a network activity artifact
func ReadActivity(r io.Reader) ([]ActivityRecord, error) {
	var records []ActivityRecord
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, fmt.Errorf("failed to decode activity log: %w", err)
	}
	return records, nil
}

// LoadActivity reads the activity artifact from a session directory
func LoadActivity(sessionDir string) ([]ActivityRecord, error) {
	f, err := os.Open(filepath.Join(sessionDir, ActivityArtifact))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadActivity(f)
}

// LoadMessages reads the WebSocket message artifact from a session directory.
// Sessions without one yield no messages.
func LoadMessages(sessionDir string) ([]StreamMessageEntry, error) {
	data, err := os.ReadFile(filepath.Join(sessionDir, MessagesArtifact))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var messages []StreamMessageEntry
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("failed to decode websocket messages: %w", err)
	}
	return messages, nil
}

// LoadSummary reads the summary artifact from a session directory
func LoadSummary(sessionDir string) (*SessionSummary, error) {
	data, err := os.ReadFile(filepath.Join(sessionDir, SummaryArtifact))
	if err != nil {
		return nil, err
	}
	var summary SessionSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("failed to decode session summary: %w", err)
	}
	return &summary, nil
}
