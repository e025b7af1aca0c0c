package upload

import (
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/docere/gateway/internal/platform/apierr"
	"github.com/docere/gateway/internal/platform/poll"
)

// API is the slice of the transport client the upload workflow needs.
type API interface {
	Get(ctx context.Context, path string, out interface{}) error
	Post(ctx context.Context, path string, body, out interface{}) error
	PostMultipart(ctx context.Context, path, field, filename string, r io.Reader, extra map[string]string, out interface{}) error
}

// Service drives archive uploads end to end: submission, status polling,
// extracted-field edits, candidate selection and the final confirmation
// that links the job to a patient record.
type Service struct {
	api      API
	poller   *poll.Poller
	logger   zerolog.Logger
	maxBytes int64

	mu      sync.RWMutex
	jobs    map[string]*Job
	watches map[string]*poll.Handle
}

func NewService(api API, poller *poll.Poller, maxBytes int64, logger zerolog.Logger) *Service {
	return &Service{
		api:      api,
		poller:   poller,
		logger:   logger.With().Str("component", "upload").Logger(),
		maxBytes: maxBytes,
		jobs:     make(map[string]*Job),
		watches:  make(map[string]*poll.Handle),
	}
}

// -- Submission --

// Submit validates and uploads an archive, returning the skeleton job the
// backend will fill in as processing progresses.
func (s *Service) Submit(ctx context.Context, name, contentType string, size int64, r io.Reader) (*Job, error) {
	if strings.TrimSpace(name) == "" {
		return nil, apierr.New(apierr.KindValidation, "file name is required")
	}
	if !strings.HasSuffix(strings.ToLower(name), ".zip") {
		return nil, apierr.New(apierr.KindValidation, "only .zip archives are accepted")
	}
	if size <= 0 {
		return nil, apierr.New(apierr.KindValidation, "file is empty")
	}
	if size > s.maxBytes {
		return nil, apierr.New(apierr.KindValidation, "file exceeds the %d byte limit", s.maxBytes)
	}

	var resp struct {
		JobID string `json:"job_id"`
	}
	if err := s.api.PostMultipart(ctx, "/process-zip/", "archive_file", name, r, nil, &resp); err != nil {
		if apierr.IsValidation(err) {
			// The backend runs its own serializer checks; surface its
			// reason under the upload kind.
			return nil, apierr.Wrap(apierr.KindUpload, err, "archive rejected")
		}
		return nil, err
	}

	job := &Job{
		ID:         resp.JobID,
		Status:     StatusPending,
		FileName:   name,
		UploadedAt: time.Now().UTC().Format(time.RFC3339),
		LocalFile:  &LocalFile{Name: name, Size: size, Type: contentType},
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	s.logger.Info().Str("job_id", job.ID).Str("file", name).Msg("archive submitted")
	return job, nil
}

// -- Polling --

// Poll fetches the job's current state from the backend and merges it into
// the store. A response whose status ranks below the locally observed one
// arrived out of order and is discarded.
func (s *Service) Poll(ctx context.Context, id string) (*Job, error) {
	var fetched Job
	if err := s.api.Get(ctx, "/task-status/"+id+"/", &fetched); err != nil {
		return nil, err
	}
	fetched.ID = id

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.jobs[id]
	if !ok {
		j := fetched
		s.jobs[id] = &j
		return s.snapshot(&j), nil
	}

	if fetched.Status.Rank() < existing.Status.Rank() {
		s.logger.Debug().
			Str("job_id", id).
			Str("got", string(fetched.Status)).
			Str("have", string(existing.Status)).
			Msg("discarding stale poll response")
		return s.snapshot(existing), nil
	}

	// Local-only fields survive the merge.
	fetched.LocalFile = existing.LocalFile
	fetched.SelectedFIO = existing.SelectedFIO
	*existing = fetched
	return s.snapshot(existing), nil
}

// Watch polls the job until it reaches a terminal status. A second Watch
// for the same id replaces the first.
func (s *Service) Watch(ctx context.Context, id string) *poll.Handle {
	h := s.poller.Start(ctx, func(ctx context.Context) (bool, error) {
		job, err := s.Poll(ctx, id)
		if err != nil {
			return false, err
		}
		return job.Status.Terminal(), nil
	})

	s.mu.Lock()
	if prev, ok := s.watches[id]; ok {
		prev.Stop()
	}
	s.watches[id] = h
	s.mu.Unlock()
	return h
}

// Unwatch stops an active watch for the job, if any.
func (s *Service) Unwatch(id string) {
	s.mu.Lock()
	h, ok := s.watches[id]
	delete(s.watches, id)
	s.mu.Unlock()
	if ok {
		h.Stop()
	}
}

// -- Extraction review --

// UpdateExtracted replaces the job's extracted fields with a locally edited
// version. The backend sees the edit only at confirmation time.
func (s *Service) UpdateExtracted(id string, patch Extracted) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, apierr.New(apierr.KindUpload, "unknown job %s", id)
	}
	job.RawExtracted = patch
	if job.SelectedFIO != "" && !contains(patch.FIOs, job.SelectedFIO) {
		job.SelectedFIO = ""
	}
	return s.snapshot(job), nil
}

// Resolution reports what candidate selection the job needs before it can
// be confirmed.
func (s *Service) Resolution(id string) (Resolution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return "", apierr.New(apierr.KindUpload, "unknown job %s", id)
	}
	switch len(job.RawExtracted.FIOs) {
	case 0:
		return ResolutionNoIdentity, nil
	case 1:
		return ResolutionAutomatic, nil
	}
	return ResolutionSelectionRequired, nil
}

// SelectCandidate picks one of the extracted names for confirmation.
func (s *Service) SelectCandidate(id, fio string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, apierr.New(apierr.KindUpload, "unknown job %s", id)
	}
	if !contains(job.RawExtracted.FIOs, fio) {
		return nil, apierr.New(apierr.KindValidation, "%q is not one of the extracted candidates", fio)
	}
	job.SelectedFIO = fio
	return s.snapshot(job), nil
}

// -- Confirmation --

// Confirm sends the reviewed extraction to the backend, which creates or
// links the patient and record. Only finished jobs with a resolved identity
// candidate can be confirmed.
func (s *Service) Confirm(ctx context.Context, id string) (*Job, error) {
	s.mu.RLock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.RUnlock()
		return nil, apierr.New(apierr.KindUpload, "unknown job %s", id)
	}
	if job.Status != StatusDone {
		status := job.Status
		s.mu.RUnlock()
		return nil, apierr.New(apierr.KindConfirmation, "job is %s, only finished jobs can be confirmed", status)
	}

	fios := job.RawExtracted.FIOs
	selected := job.SelectedFIO
	extracted := job.RawExtracted
	s.mu.RUnlock()

	switch {
	case len(fios) == 0:
		return nil, apierr.New(apierr.KindConfirmation, "no identity found in the archive")
	case len(fios) == 1:
		selected = fios[0]
	case selected == "":
		return nil, apierr.New(apierr.KindValidation, "several candidates extracted, one must be selected")
	}

	body := map[string]interface{}{
		"selected_fio":  selected,
		"raw_extracted": extracted,
	}
	var confirmed Job
	if err := s.api.Post(ctx, "/task-status/"+id+"/confirm/", body, &confirmed); err != nil {
		if apierr.IsValidation(err) {
			return nil, apierr.Wrap(apierr.KindConfirmation, err, "confirmation rejected")
		}
		return nil, err
	}
	confirmed.ID = id

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.jobs[id]; ok {
		confirmed.LocalFile = existing.LocalFile
		confirmed.SelectedFIO = selected
		*existing = confirmed
		s.logger.Info().Str("job_id", id).Msg("extraction confirmed")
		return s.snapshot(existing), nil
	}
	s.jobs[id] = &confirmed
	return s.snapshot(&confirmed), nil
}

// -- Accessors --

// Job returns the stored job, nil when unknown.
func (s *Service) Job(id string) *Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil
	}
	return s.snapshot(job)
}

// Jobs lists all stored jobs, newest first.
func (s *Service) Jobs() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, s.snapshot(j))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UploadedAt > out[j].UploadedAt })
	return out
}

// snapshot copies a job so callers never alias store internals. Callers
// hold s.mu.
func (s *Service) snapshot(j *Job) *Job {
	cp := *j
	return &cp
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
