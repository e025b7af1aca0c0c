package upload

// Status is the backend's processing state for an uploaded archive.
// Statuses only ever move forward; Rank gives the ordering used to discard
// stale poll responses.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// Rank orders statuses along the job lifecycle. Unknown statuses rank
// lowest so they never overwrite a known state.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 1
	case StatusProcessing:
		return 2
	case StatusDone, StatusFailed:
		return 3
	}
	return 0
}

// Terminal reports whether no further status change can happen.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Extracted holds the identity candidates pulled out of the archive.
type Extracted struct {
	FIOs   []string `json:"fios"`
	DOBs   []string `json:"dobs"`
	Phones []string `json:"phones"`
	Emails []string `json:"emails"`
}

// LocalFile describes the file as the caller handed it over. It never
// leaves the gateway; the backend only sees the multipart upload.
type LocalFile struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

// Job is the backend's processing-job object plus the gateway's local
// fields (LocalFile, SelectedFIO).
type Job struct {
	ID           string    `json:"id"`
	Status       Status    `json:"status"`
	Log          string    `json:"log"`
	RawExtracted Extracted `json:"raw_extracted"`
	UploadedAt   string    `json:"uploaded_at"`
	CompletedAt  *string   `json:"completed_at,omitempty"`
	PatientID    *int64    `json:"patient_id,omitempty"`
	RecordID     *int64    `json:"record_id,omitempty"`
	FileName     string    `json:"file_name"`

	LocalFile   *LocalFile `json:"local_file,omitempty"`
	SelectedFIO string     `json:"selected_fio,omitempty"`
}

// Resolution is the outcome of candidate selection for a finished job.
type Resolution string

const (
	// ResolutionNoIdentity: extraction found no patient names, the job
	// cannot be confirmed.
	ResolutionNoIdentity Resolution = "no_identity"
	// ResolutionAutomatic: exactly one candidate, confirmable as is.
	ResolutionAutomatic Resolution = "automatic"
	// ResolutionSelectionRequired: several candidates, one must be picked
	// before confirmation.
	ResolutionSelectionRequired Resolution = "selection_required"
)
