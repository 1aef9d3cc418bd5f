package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinica/clinica/internal/platform/pii"
)

func newTestHandler(t *testing.T) (*Handler, *echo.Echo) {
	t.Helper()
	store := openTestStore(t, schemaWithCompanions)
	piiSvc := newPIIService(t, store, true)
	svc := NewService(
		NewPatientRepo(store, piiSvc.MustPolicy(pii.EntityPatient)),
		NewDoctorRepo(store, piiSvc.MustPolicy(pii.EntityDoctor)),
		NewStaffRepo(store, piiSvc.MustPolicy(pii.EntityStaff)),
		piiSvc, zerolog.Nop())
	return NewHandler(svc), echo.New()
}

func httpCode(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError, got %v", err)
	}
	return he.Code
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func TestHandler_CreatePatient(t *testing.T) {
	h, e := newTestHandler(t)

	body := `{"nombre":"Ana","apellidos":"Paredes","documento":"12345678","email":"ana@example.test"}`
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, "/api/v1/patients", body), rec)

	if err := h.CreatePatient(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}

	var p Patient
	json.Unmarshal(rec.Body.Bytes(), &p)
	if p.Document != "12345678" || p.Email == nil {
		t.Errorf("expected plaintext values in response, got %+v", p)
	}
}

func TestHandler_CreatePatient_BadRequest(t *testing.T) {
	h, e := newTestHandler(t)

	c := e.NewContext(jsonRequest(http.MethodPost, "/api/v1/patients", `{"apellidos":"Paredes"}`), httptest.NewRecorder())
	if code := httpCode(t, h.CreatePatient(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_CreatePatient_Duplicate(t *testing.T) {
	h, e := newTestHandler(t)

	body := `{"nombre":"Ana","apellidos":"Paredes","documento":"12345678"}`
	if err := h.CreatePatient(e.NewContext(jsonRequest(http.MethodPost, "/", body), httptest.NewRecorder())); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := h.CreatePatient(e.NewContext(jsonRequest(http.MethodPost, "/", body), httptest.NewRecorder()))
	if code := httpCode(t, err); code != http.StatusConflict {
		t.Errorf("expected 409, got %d", code)
	}
}

func TestHandler_GetPatient(t *testing.T) {
	h, e := newTestHandler(t)

	p := &Patient{FirstName: "Jane", LastName: "Smith", Document: "D-2"}
	if err := h.svc.CreatePatient(context.Background(), p); err != nil {
		t.Fatalf("create: %v", err)
	}

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(p.ID.String())

	if err := h.GetPatient(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"protected":true`) {
		t.Errorf("expected protected marker in body, got %s", rec.Body.String())
	}
}

func TestHandler_GetPatient_InvalidID(t *testing.T) {
	h, e := newTestHandler(t)

	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")

	if code := httpCode(t, h.GetPatient(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_GetPatient_NotFound(t *testing.T) {
	h, e := newTestHandler(t)

	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("5b3c1b1e-7d7a-4c55-9a8e-2f3f4d5e6a7b")

	if code := httpCode(t, h.GetPatient(c)); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

func TestHandler_LookupPatients(t *testing.T) {
	h, e := newTestHandler(t)

	p := &Patient{FirstName: "Ana", LastName: "Paredes", Document: "1", Phone: strPtr("(600) 123 456")}
	if err := h.svc.CreatePatient(context.Background(), p); err != nil {
		t.Fatalf("create: %v", err)
	}

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/patients/lookup?telefono=600-123-456", nil), rec)
	if err := h.LookupPatients(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var resp struct {
		Data  []Patient `json:"data"`
		Total int       `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Total != 1 || resp.Data[0].ID != p.ID {
		t.Errorf("expected lookup to find the patient, got %+v", resp)
	}
}

func TestHandler_LookupPatients_MissingParam(t *testing.T) {
	h, e := newTestHandler(t)

	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/patients/lookup?nombre=Ana", nil), httptest.NewRecorder())
	if code := httpCode(t, h.LookupPatients(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_SearchPatients_UnsupportedField(t *testing.T) {
	h, e := newTestHandler(t)

	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/patients/search?field=id&q=1", nil), httptest.NewRecorder())
	if code := httpCode(t, h.SearchPatients(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_UpdateAndDeletePatient(t *testing.T) {
	h, e := newTestHandler(t)

	p := &Patient{FirstName: "Ana", LastName: "Paredes", Document: "1"}
	if err := h.svc.CreatePatient(context.Background(), p); err != nil {
		t.Fatalf("create: %v", err)
	}

	rec := httptest.NewRecorder()
	body := `{"nombre":"Ana","apellidos":"Paredes","documento":"1","alergias":"látex"}`
	c := e.NewContext(jsonRequest(http.MethodPut, "/", body), rec)
	c.SetParamNames("id")
	c.SetParamValues(p.ID.String())
	if err := h.UpdatePatient(c); err != nil {
		t.Fatalf("update: %v", err)
	}
	if !strings.Contains(rec.Body.String(), "látex") {
		t.Errorf("expected updated allergies in body, got %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodDelete, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(p.ID.String())
	if err := h.DeletePatient(c); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
}

func TestHandler_ListPatients(t *testing.T) {
	h, e := newTestHandler(t)

	for _, doc := range []string{"1", "2", "3"} {
		if err := h.svc.CreatePatient(context.Background(), &Patient{FirstName: "Ana", LastName: "P" + doc, Document: doc}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/patients?limit=2", nil), rec)
	c.SetPath("/api/v1/patients")
	if err := h.ListPatients(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var resp struct {
		Total   int    `json:"total"`
		HasMore bool   `json:"has_more"`
		Next    string `json:"next"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Total != 3 || !resp.HasMore {
		t.Errorf("unexpected page %+v", resp)
	}
	if resp.Next != "/api/v1/patients?offset=2&limit=2" {
		t.Errorf("unexpected next link %q", resp.Next)
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/patients?limit=2&offset=2", nil), rec)
	c.SetPath("/api/v1/patients")
	if err := h.ListPatients(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var last struct {
		Data    []Patient `json:"data"`
		HasMore bool      `json:"has_more"`
		Next    string    `json:"next"`
		Prev    string    `json:"prev"`
	}
	json.Unmarshal(rec.Body.Bytes(), &last)
	if len(last.Data) != 1 || last.HasMore || last.Next != "" {
		t.Errorf("unexpected last page %+v", last)
	}
	if last.Prev != "/api/v1/patients?offset=0&limit=2" {
		t.Errorf("unexpected prev link %q", last.Prev)
	}
}

func TestHandler_CreateDoctorAndStaff(t *testing.T) {
	h, e := newTestHandler(t)

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, "/", `{"nombre":"Eva","apellidos":"Ruiz","documento":"X1","especialidad":"pediatría"}`), rec)
	if err := h.CreateDoctor(c); err != nil {
		t.Fatalf("create doctor: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(jsonRequest(http.MethodPost, "/", `{"nombre":"Rosa","apellidos":"Gil","documento":"Y1","email":"rosa@clinica.test"}`), rec)
	if err := h.CreateStaff(c); err != nil {
		t.Fatalf("create staff: %v", err)
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/staff/lookup?email=ROSA@clinica.test", nil), rec)
	if err := h.LookupStaff(c); err != nil {
		t.Fatalf("lookup staff: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"total":1`) {
		t.Errorf("expected one staff match, got %s", rec.Body.String())
	}
}

func TestHandler_ProtectionStatus(t *testing.T) {
	h, e := newTestHandler(t)

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/protection", nil), rec)
	if err := h.ProtectionStatus(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var resp struct {
		Entities []pii.EntityStatus `json:"entities"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Entities) != 3 {
		t.Fatalf("expected 3 entities, got %d", len(resp.Entities))
	}
	for _, s := range resp.Entities {
		if !s.Active {
			t.Errorf("expected %s to be active", s.Entity)
		}
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h, e := newTestHandler(t)
	h.RegisterRoutes(e.Group("/api/v1"))

	routePaths := make(map[string]bool)
	for _, r := range e.Routes() {
		routePaths[r.Method+":"+r.Path] = true
	}

	expected := []string{
		"GET:/api/v1/protection",
		"POST:/api/v1/patients",
		"GET:/api/v1/patients/lookup",
		"GET:/api/v1/patients/search",
		"PUT:/api/v1/patients/:id",
		"GET:/api/v1/doctors/lookup",
		"GET:/api/v1/staff/:id",
	}
	for _, path := range expected {
		if !routePaths[path] {
			t.Errorf("missing expected route: %s", path)
		}
	}
}
