// Package spool hands queued manifests to the out-of-process runner through
// a shared directory. The gateway enqueues one JSON job file per queued
// manifest; the runner picks files up, reports progress over the HTTP API,
// and maintains a heartbeat file the gateway reads for health reporting.
//
// Job files are written atomically (write to a temporary file, fsync, rename,
// fsync the directory) so the runner never observes a partial job.
package spool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TitaniumShinobi/vsi-governance/models"
)

const (
	jobSuffix     = ".json"
	heartbeatName = "runner.heartbeat"
)

// Job is the document handed to the runner for one queued manifest
type Job struct {
	JobID         uuid.UUID        `json:"job_id"`
	ManifestID    uuid.UUID        `json:"manifest_id"`
	ConstructID   string           `json:"construct_id"`
	Scope         string           `json:"scope"`
	Target        string           `json:"target"`
	Action        string           `json:"action"`
	CurrentState  json.RawMessage  `json:"current_state,omitempty"`
	ProposedState json.RawMessage  `json:"proposed_state"`
	RiskLevel     models.RiskLevel `json:"risk_level"`
	EnqueuedAt    time.Time        `json:"enqueued_at"`
}

// JobFromManifest builds the spool job for a queued manifest
func JobFromManifest(m *models.Manifest, jobID uuid.UUID) Job {
	return Job{
		JobID:         jobID,
		ManifestID:    m.ID,
		ConstructID:   m.ConstructID,
		Scope:         m.Scope,
		Target:        m.Target,
		Action:        m.Action,
		CurrentState:  m.CurrentState,
		ProposedState: m.ProposedState,
		RiskLevel:     m.RiskLevel,
		EnqueuedAt:    time.Now().UTC(),
	}
}

// Heartbeat is the liveness document the runner refreshes while it runs
type Heartbeat struct {
	RunnerID  string    `json:"runner_id"`
	Version   string    `json:"version"`
	PID       int       `json:"pid"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Health summarizes the spool directory for the health endpoint.
// HeartbeatAgeSeconds is -1 when no heartbeat has ever been written.
type Health struct {
	SpoolDepth          int     `json:"spool_depth"`
	RunnerAlive         bool    `json:"runner_alive"`
	HeartbeatAgeSeconds float64 `json:"heartbeat_age_seconds"`
	RunnerID            string  `json:"runner_id,omitempty"`
	RunnerVersion       string  `json:"runner_version,omitempty"`
}

// Spool is a handle on the shared job directory
type Spool struct {
	dir    string
	logger *zap.Logger
}

// New opens a spool rooted at dir, creating the directory if needed
func New(dir string, logger *zap.Logger) (*Spool, error) {
	if dir == "" {
		return nil, fmt.Errorf("spool directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory %s: %w", dir, err)
	}
	return &Spool{dir: dir, logger: logger}, nil
}

// Dir returns the spool directory path
func (s *Spool) Dir() string {
	return s.dir
}

func (s *Spool) jobPath(jobID uuid.UUID) string {
	return filepath.Join(s.dir, jobID.String()+jobSuffix)
}

// Enqueue writes the job file atomically. The runner either sees the whole
// job or no file at all.
func (s *Spool) Enqueue(job Job) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.JobID, err)
	}
	data = append(data, '\n')

	if err := writeAtomic(s.jobPath(job.JobID), data); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", job.JobID, err)
	}

	s.logger.Info("Job enqueued",
		zap.String("job_id", job.JobID.String()),
		zap.String("manifest_id", job.ManifestID.String()),
		zap.String("scope", job.Scope))
	return nil
}

// ReadJob loads a job file by ID
func (s *Spool) ReadJob(jobID uuid.UUID) (Job, error) {
	data, err := os.ReadFile(s.jobPath(jobID))
	if err != nil {
		return Job{}, err
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return Job{}, fmt.Errorf("failed to parse job file %s: %w", jobID, err)
	}
	return job, nil
}

// Remove deletes the job file once the runner has reported completion.
// Idempotent: removing an absent job is not an error.
func (s *Spool) Remove(jobID uuid.UUID) error {
	if err := os.Remove(s.jobPath(jobID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove job %s: %w", jobID, err)
	}
	return nil
}

// Depth counts the job files waiting in the spool
func (s *Spool) Depth() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read spool directory: %w", err)
	}

	depth := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(entry.Name(), jobSuffix) {
			depth++
		}
	}
	return depth, nil
}

// WriteHeartbeat refreshes the runner liveness file. The gateway never calls
// this; it belongs to the runner process sharing the package.
func (s *Spool) WriteHeartbeat(hb Heartbeat) error {
	data, err := json.MarshalIndent(hb, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal heartbeat: %w", err)
	}
	data = append(data, '\n')

	if err := writeAtomic(filepath.Join(s.dir, heartbeatName), data); err != nil {
		return fmt.Errorf("failed to write heartbeat: %w", err)
	}
	return nil
}

// ReadHeartbeat loads the runner heartbeat. A heartbeat file with an
// unparsable body or a zero timestamp falls back to the file's mtime so a
// partially compatible runner still registers as alive. A missing file
// returns an error wrapping os.ErrNotExist.
func (s *Spool) ReadHeartbeat() (Heartbeat, error) {
	path := filepath.Join(s.dir, heartbeatName)

	data, err := os.ReadFile(path)
	if err != nil {
		return Heartbeat{}, err
	}

	var hb Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil || hb.UpdatedAt.IsZero() {
		info, statErr := os.Stat(path)
		if statErr != nil {
			return Heartbeat{}, fmt.Errorf("failed to stat heartbeat: %w", statErr)
		}
		hb.UpdatedAt = info.ModTime()
	}
	return hb, nil
}

// Health reports spool depth and runner liveness. A runner whose heartbeat
// is older than staleAfter counts as dead.
func (s *Spool) Health(staleAfter time.Duration) Health {
	health := Health{HeartbeatAgeSeconds: -1}

	depth, err := s.Depth()
	if err != nil {
		s.logger.Warn("Failed to read spool depth", zap.Error(err))
	} else {
		health.SpoolDepth = depth
	}

	hb, err := s.ReadHeartbeat()
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("Failed to read runner heartbeat", zap.Error(err))
		}
		return health
	}

	age := time.Since(hb.UpdatedAt)
	health.HeartbeatAgeSeconds = age.Seconds()
	health.RunnerAlive = age <= staleAfter
	health.RunnerID = hb.RunnerID
	health.RunnerVersion = hb.Version
	return health
}

// writeAtomic writes data to path via a temporary file in the same
// directory, fsyncing the file before rename and the directory after, so
// readers never observe a partial write.
func writeAtomic(path string, data []byte) error {
	temporaryPath := path + ".tmp"

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating temporary file: %w", err)
	}

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary file: %w", err)
	}

	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming into place: %w", err)
	}

	if dir, err := os.Open(filepath.Dir(path)); err == nil {
		dir.Sync()
		dir.Close()
	}

	return nil
}
