package share

// Status of a share request or an individual shared record. pending may
// move to accepted or declined; both of those are final.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusDeclined Status = "declined"
)

// Action is a recipient's answer to a shared record.
type Action string

const (
	ActionAccept  Action = "accept"
	ActionDecline Action = "decline"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	return a == ActionAccept || a == ActionDecline
}

// SharedRecord is one record offered within a share request.
type SharedRecord struct {
	ID        int64   `json:"id"`
	RecordID  int64   `json:"record_id"`
	VisitDate *string `json:"visit_date"`
	Notes     string  `json:"notes"`
	Status    Status  `json:"status"`
	Created   string  `json:"created"`
	Updated   string  `json:"updated"`
}

// Request is the backend's share-request object. Display fields
// (from_user_fullname, patient_name) come from the backend verbatim; the
// gateway never synthesizes them.
type Request struct {
	ID               int64          `json:"id"`
	FromUserFullname string         `json:"from_user_fullname"`
	ToEmail          string         `json:"to_email"`
	ToUser           *int64         `json:"to_user"`
	Patient          int64          `json:"patient"`
	PatientName      string         `json:"patient_name"`
	Status           Status         `json:"status"`
	CreatedAt        string         `json:"created_at"`
	RespondedAt      *string        `json:"responded_at"`
	Shares           []SharedRecord `json:"shares"`
}

// Aggregate derives the request's overall state from its shares: pending
// while any share is unanswered, accepted if any share was accepted,
// declined otherwise. An empty request counts as pending.
func (r *Request) Aggregate() Status {
	if len(r.Shares) == 0 {
		return StatusPending
	}
	accepted := false
	for _, s := range r.Shares {
		switch s.Status {
		case StatusPending:
			return StatusPending
		case StatusAccepted:
			accepted = true
		}
	}
	if accepted {
		return StatusAccepted
	}
	return StatusDeclined
}
