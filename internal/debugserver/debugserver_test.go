package debugserver

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kernelkit/novabus/internal/bus"
	"github.com/kernelkit/novabus/internal/programs/registry"
)

func TestHandleAdaptersEmptyCollection(t *testing.T) {
	coll := bus.NewCollection()
	s := NewServer("127.0.0.1", 0, Deps{Collection: coll}, nil)

	req := httptest.NewRequest(http.MethodGet, "/adapters", nil)
	rec := httptest.NewRecorder()
	s.handleAdapters(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "[]\n" {
		t.Fatalf("body = %q, want an empty JSON array", rec.Body.String())
	}
}

func TestHandleRegistryRendersEntries(t *testing.T) {
	reg := registry.New()
	reg.Add("novabus.tcp/v1", "**TCP** bridge")
	s := NewServer("127.0.0.1", 0, Deps{Registry: reg}, nil)

	req := httptest.NewRequest(http.MethodGet, "/registry", nil)
	rec := httptest.NewRecorder()
	s.handleRegistry(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "novabus.tcp/v1") || !strings.Contains(body, "<strong>TCP</strong>") {
		t.Fatalf("body missing expected content: %s", body)
	}
}

func TestHandleAuditDisabled(t *testing.T) {
	s := NewServer("127.0.0.1", 0, Deps{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/audit", nil)
	rec := httptest.NewRecorder()
	s.handleAudit(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
