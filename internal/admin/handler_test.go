package admin

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type fakeReprocessor struct {
	since   time.Time
	limit   int
	count   int
	callErr error
}

func (f *fakeReprocessor) ReprocessOrphans(ctx context.Context, since time.Time, limit int) (int, error) {
	f.since = since
	f.limit = limit
	return f.count, f.callErr
}

func TestFlagsDefaults(t *testing.T) {
	f := NewFlags(true, false)
	if !f.Maintenance() {
		t.Error("expected maintenance seeded true")
	}
	if f.CleanupEnabled() {
		t.Error("expected cleanup seeded false")
	}

	f.SetMaintenance(false)
	f.SetCleanupEnabled(true)
	if f.Maintenance() || !f.CleanupEnabled() {
		t.Error("flag writes not visible")
	}
}

func TestSetMaintenanceTogglesFlag(t *testing.T) {
	flags := NewFlags(false, true)
	h := NewHandler(flags, nil, time.Hour, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/maintenance", strings.NewReader(`{"enabled":true}`))
	w := httptest.NewRecorder()
	h.SetMaintenance(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !flags.Maintenance() {
		t.Error("expected maintenance enabled")
	}
	if !strings.Contains(w.Body.String(), `"maintenance":true`) {
		t.Errorf("unexpected body %q", w.Body.String())
	}
}

func TestSetCleanupRequiresExplicitValue(t *testing.T) {
	flags := NewFlags(false, true)
	h := NewHandler(flags, nil, time.Hour, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/cleanup", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	h.SetCleanup(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if !flags.CleanupEnabled() {
		t.Error("flag must be untouched on bad input")
	}
}

func TestReprocessOrphansUsesRetentionWindow(t *testing.T) {
	rep := &fakeReprocessor{count: 3}
	h := NewHandler(NewFlags(false, true), rep, 24*time.Hour, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/orphans/reprocess", nil)
	w := httptest.NewRecorder()
	h.ReprocessOrphans(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"reprocessed":3`) {
		t.Errorf("unexpected body %q", w.Body.String())
	}
	if rep.limit != reprocessBatchLimit {
		t.Errorf("unexpected limit %d", rep.limit)
	}
	wantSince := time.Now().Add(-24 * time.Hour)
	if rep.since.Before(wantSince.Add(-time.Minute)) || rep.since.After(wantSince.Add(time.Minute)) {
		t.Errorf("unexpected since %v", rep.since)
	}
}

func TestReprocessOrphansSurfacesFailure(t *testing.T) {
	rep := &fakeReprocessor{callErr: errors.New("db down")}
	h := NewHandler(NewFlags(false, true), rep, time.Hour, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/orphans/reprocess", nil)
	w := httptest.NewRecorder()
	h.ReprocessOrphans(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}
