package patients

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/docere/gateway/internal/platform/apierr"
)

// API is the slice of the transport client the patients store needs.
type API interface {
	Get(ctx context.Context, path string, out interface{}) error
	Post(ctx context.Context, path string, body, out interface{}) error
	Put(ctx context.Context, path string, body, out interface{}) error
}

// Service mirrors the doctor's patient roster. Filtering and search run
// locally over the cached list; all writes go straight to the backend.
type Service struct {
	api    API
	logger zerolog.Logger

	mu       sync.RWMutex
	patients map[int64]*Patient
}

func NewService(api API, logger zerolog.Logger) *Service {
	return &Service{
		api:      api,
		logger:   logger.With().Str("component", "patients").Logger(),
		patients: make(map[int64]*Patient),
	}
}

// List fetches the full roster, replacing the cache.
func (s *Service) List(ctx context.Context) ([]*Patient, error) {
	var list []Patient
	if err := s.api.Get(ctx, "/patients/", &list); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.patients = make(map[int64]*Patient, len(list))
	for i := range list {
		p := list[i]
		s.patients[p.ID] = &p
	}
	s.mu.Unlock()

	return s.Patients(), nil
}

// Get fetches one patient from the backend and refreshes the cache entry.
func (s *Service) Get(ctx context.Context, id int64) (*Patient, error) {
	var p Patient
	if err := s.api.Get(ctx, fmt.Sprintf("/patients/%d/", id), &p); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.patients[p.ID] = &p
	s.mu.Unlock()

	cp := p
	return &cp, nil
}

// Records fetches the patient's records.
func (s *Service) Records(ctx context.Context, patientID int64) ([]Record, error) {
	var list []Record
	if err := s.api.Get(ctx, fmt.Sprintf("/patients/%d/records/", patientID), &list); err != nil {
		return nil, err
	}
	return list, nil
}

// CreateRecord adds a record to the patient's history.
func (s *Service) CreateRecord(ctx context.Context, patientID int64, visitDate *string, notes string) (*Record, error) {
	if strings.TrimSpace(notes) == "" && visitDate == nil {
		return nil, apierr.New(apierr.KindValidation, "a record needs a visit date or notes")
	}

	var rec Record
	body := map[string]interface{}{"visit_date": visitDate, "notes": notes}
	if err := s.api.Post(ctx, fmt.Sprintf("/patients/%d/records/", patientID), body, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpdateRecord replaces a record's editable fields.
func (s *Service) UpdateRecord(ctx context.Context, recordID int64, visitDate *string, notes string) (*Record, error) {
	var rec Record
	body := map[string]interface{}{"visit_date": visitDate, "notes": notes}
	if err := s.api.Put(ctx, fmt.Sprintf("/records/%d/", recordID), body, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Search filters the cached roster by a case-insensitive substring of name
// or email. An empty query returns everyone.
func (s *Service) Search(query string) []*Patient {
	query = strings.ToLower(strings.TrimSpace(query))
	all := s.Patients()
	if query == "" {
		return all
	}

	out := make([]*Patient, 0, len(all))
	for _, p := range all {
		if strings.Contains(strings.ToLower(p.FIO), query) ||
			strings.Contains(strings.ToLower(p.Email), query) {
			out = append(out, p)
		}
	}
	return out
}

// FilterByDate keeps patients whose last visit falls within [start, end].
// Bounds are ISO dates; an empty bound is open. Patients without a visit
// are excluded when any bound is set.
func (s *Service) FilterByDate(start, end string) []*Patient {
	all := s.Patients()
	if start == "" && end == "" {
		return all
	}

	out := make([]*Patient, 0, len(all))
	for _, p := range all {
		if p.LastVisit == nil {
			continue
		}
		v := *p.LastVisit
		if start != "" && v < start {
			continue
		}
		if end != "" && v > end {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Patients lists the cached roster sorted by name.
func (s *Service) Patients() []*Patient {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Patient, 0, len(s.patients))
	for _, p := range s.patients {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FIO < out[j].FIO })
	return out
}
