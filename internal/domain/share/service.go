package share

import (
	"context"
	"fmt"
	"net/mail"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/docere/gateway/internal/platform/apierr"
	"github.com/docere/gateway/internal/platform/poll"
)

// API is the slice of the transport client the share workflow needs.
type API interface {
	Get(ctx context.Context, path string, out interface{}) error
	Post(ctx context.Context, path string, body, out interface{}) error
	Delete(ctx context.Context, path string) error
}

// Service mirrors the backend's share requests and drives the
// accept/decline lifecycle. The backend owns every state transition; the
// cache only ever holds what the backend confirmed.
type Service struct {
	api    API
	poller *poll.Poller
	logger zerolog.Logger

	mu       sync.RWMutex
	requests map[int64]*Request
	watches  map[int64]*poll.Handle
}

func NewService(api API, poller *poll.Poller, logger zerolog.Logger) *Service {
	return &Service{
		api:      api,
		poller:   poller,
		logger:   logger.With().Str("component", "share").Logger(),
		requests: make(map[int64]*Request),
		watches:  make(map[int64]*poll.Handle),
	}
}

// -- Creation --

// Create offers a set of records to another user by email. The stored
// request is the backend's response as is.
func (s *Service) Create(ctx context.Context, patientID int64, toEmail string, recordIDs []int64) (*Request, error) {
	if len(recordIDs) == 0 {
		return nil, apierr.New(apierr.KindValidation, "at least one record must be selected")
	}
	if _, err := mail.ParseAddress(toEmail); err != nil {
		return nil, apierr.New(apierr.KindValidation, "invalid recipient email %q", toEmail)
	}

	var req Request
	body := map[string]interface{}{
		"patient_id": patientID,
		"to_email":   toEmail,
		"record_ids": recordIDs,
	}
	if err := s.api.Post(ctx, "/share-requests/", body, &req); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.requests[req.ID] = &req
	s.mu.Unlock()

	s.logger.Info().Int64("request_id", req.ID).Str("to", toEmail).Int("records", len(recordIDs)).Msg("share request created")
	return s.snapshotByID(req.ID), nil
}

// -- Fetching --

// FetchAll replaces the cache with the backend's full list.
func (s *Service) FetchAll(ctx context.Context) ([]*Request, error) {
	var list []Request
	if err := s.api.Get(ctx, "/share-requests/", &list); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.requests = make(map[int64]*Request, len(list))
	for i := range list {
		r := list[i]
		s.requests[r.ID] = &r
	}
	s.mu.Unlock()

	return s.Requests(), nil
}

// FetchOne refreshes a single request from the backend.
func (s *Service) FetchOne(ctx context.Context, id int64) (*Request, error) {
	var req Request
	if err := s.api.Get(ctx, fmt.Sprintf("/share-requests/%d/", id), &req); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.requests[req.ID] = &req
	s.mu.Unlock()
	return s.snapshotByID(req.ID), nil
}

// -- Responding --

// Respond answers one shared record. A share already answered locally is
// rejected without a backend round trip; otherwise the backend's confirmed
// record replaces the local one only after the call succeeds.
func (s *Service) Respond(ctx context.Context, requestID, shareID int64, action Action) (*Request, error) {
	if !action.Valid() {
		return nil, apierr.New(apierr.KindValidation, "action must be accept or decline")
	}

	s.mu.RLock()
	req, ok := s.requests[requestID]
	if !ok {
		s.mu.RUnlock()
		return nil, apierr.New(apierr.KindShare, "unknown share request %d", requestID)
	}
	var local *SharedRecord
	for i := range req.Shares {
		if req.Shares[i].ID == shareID {
			local = &req.Shares[i]
			break
		}
	}
	if local == nil {
		s.mu.RUnlock()
		return nil, apierr.New(apierr.KindShare, "share %d is not part of request %d", shareID, requestID)
	}
	if local.Status != StatusPending {
		status := local.Status
		s.mu.RUnlock()
		return nil, apierr.New(apierr.KindShare, "share already %s", status)
	}
	s.mu.RUnlock()

	var confirmed SharedRecord
	body := map[string]string{"action": string(action)}
	if err := s.api.Post(ctx, fmt.Sprintf("/record-shares/%d/respond/", shareID), body, &confirmed); err != nil {
		if apierr.IsValidation(err) {
			return nil, apierr.Wrap(apierr.KindShare, err, "response rejected")
		}
		return nil, err
	}

	s.mu.Lock()
	if req, ok := s.requests[requestID]; ok {
		for i := range req.Shares {
			if req.Shares[i].ID == shareID {
				req.Shares[i] = confirmed
				break
			}
		}
	}
	s.mu.Unlock()

	s.logger.Info().Int64("share_id", shareID).Str("action", string(action)).Msg("share answered")
	return s.snapshotByID(requestID), nil
}

// -- Cancellation --

// Cancel withdraws a whole share request. The backend refuses to cancel
// requests that already have answered shares.
func (s *Service) Cancel(ctx context.Context, requestID int64) error {
	if err := s.api.Delete(ctx, fmt.Sprintf("/share-requests/%d/", requestID)); err != nil {
		if apierr.IsValidation(err) {
			return apierr.Wrap(apierr.KindShare, err, "cancellation rejected")
		}
		return err
	}

	s.mu.Lock()
	delete(s.requests, requestID)
	s.mu.Unlock()
	return nil
}

// -- Watching --

// Watch polls the request until its derived aggregate leaves pending. A
// second Watch for the same id replaces the first.
func (s *Service) Watch(ctx context.Context, id int64) *poll.Handle {
	h := s.poller.Start(ctx, func(ctx context.Context) (bool, error) {
		req, err := s.FetchOne(ctx, id)
		if err != nil {
			return false, err
		}
		return req.Aggregate() != StatusPending, nil
	})

	s.mu.Lock()
	if prev, ok := s.watches[id]; ok {
		prev.Stop()
	}
	s.watches[id] = h
	s.mu.Unlock()
	return h
}

// Unwatch stops an active watch for the request, if any.
func (s *Service) Unwatch(id int64) {
	s.mu.Lock()
	h, ok := s.watches[id]
	delete(s.watches, id)
	s.mu.Unlock()
	if ok {
		h.Stop()
	}
}

// -- Accessors --

// Request returns the cached request, nil when unknown.
func (s *Service) Request(id int64) *Request {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return nil
	}
	return snapshot(req)
}

// Requests lists cached requests, newest first.
func (s *Service) Requests() []*Request {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Request, 0, len(s.requests))
	for _, r := range s.requests {
		out = append(out, snapshot(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out
}

func (s *Service) snapshotByID(id int64) *Request {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if req, ok := s.requests[id]; ok {
		return snapshot(req)
	}
	return nil
}

// snapshot deep-copies a request so callers never alias the cache.
func snapshot(r *Request) *Request {
	cp := *r
	cp.Shares = append([]SharedRecord(nil), r.Shares...)
	return &cp
}
