package share

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func newEcho(svc *Service) *echo.Echo {
	e := echo.New()
	h := NewHandler(svc, context.Background())
	h.RegisterRoutes(e.Group("/api"))
	return e
}

func TestHandler_List(t *testing.T) {
	api := &fakeAPI{
		getFn: func(path string, out interface{}) error {
			writeJSON(t, out, []*Request{pendingRequest(1), pendingRequest(2), pendingRequest(3)})
			return nil
		},
	}
	e := newEcho(newTestService(api))

	req := httptest.NewRequest(http.MethodGet, "/api/share-requests?limit=2", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Data  []Request `json:"data"`
		Total int       `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Data) != 2 || resp.Total != 3 {
		t.Errorf("page = %d items, total = %d", len(resp.Data), resp.Total)
	}
}

func TestHandler_Create_BadEmail(t *testing.T) {
	e := newEcho(newTestService(&fakeAPI{}))

	body := `{"patient_id":3,"to_email":"nope","record_ids":[41]}`
	req := httptest.NewRequest(http.MethodPost, "/api/share-requests", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandler_Respond(t *testing.T) {
	api := &fakeAPI{
		postFn: func(path string, body, out interface{}) error {
			writeJSON(t, out, SharedRecord{ID: 100, RecordID: 41, Status: StatusAccepted})
			return nil
		},
	}
	svc := newTestService(api)
	seedRequest(svc, pendingRequest(9))
	e := newEcho(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/share-requests/9/shares/100/respond", strings.NewReader(`{"action":"accept"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var out Request
	json.Unmarshal(rec.Body.Bytes(), &out)
	if out.Shares[0].Status != StatusAccepted {
		t.Errorf("share = %+v", out.Shares[0])
	}
}

func TestHandler_Respond_AlreadyAnswered(t *testing.T) {
	svc := newTestService(&fakeAPI{})
	r := pendingRequest(9)
	r.Shares[0].Status = StatusDeclined
	seedRequest(svc, r)
	e := newEcho(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/share-requests/9/shares/100/respond", strings.NewReader(`{"action":"accept"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestHandler_Cancel(t *testing.T) {
	api := &fakeAPI{
		deleteFn: func(path string) error { return nil },
	}
	svc := newTestService(api)
	seedRequest(svc, pendingRequest(9))
	e := newEcho(svc)

	req := httptest.NewRequest(http.MethodDelete, "/api/share-requests/9", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
}
