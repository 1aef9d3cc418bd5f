package identity

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinica/clinica/internal/platform/pii"
	"github.com/clinica/clinica/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/protection", h.ProtectionStatus)

	api.GET("/patients", h.ListPatients)
	api.POST("/patients", h.CreatePatient)
	api.GET("/patients/lookup", h.LookupPatients)
	api.GET("/patients/search", h.SearchPatients)
	api.GET("/patients/:id", h.GetPatient)
	api.PUT("/patients/:id", h.UpdatePatient)
	api.DELETE("/patients/:id", h.DeletePatient)

	api.GET("/doctors", h.ListDoctors)
	api.POST("/doctors", h.CreateDoctor)
	api.GET("/doctors/lookup", h.LookupDoctors)
	api.GET("/doctors/:id", h.GetDoctor)

	api.GET("/staff", h.ListStaff)
	api.POST("/staff", h.CreateStaff)
	api.GET("/staff/lookup", h.LookupStaff)
	api.GET("/staff/:id", h.GetStaff)
}

// httpError maps service errors to HTTP responses. Decode failures surface
// as a generic 500 so ciphertext details never reach the client.
func httpError(err error, notFound string) error {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrUnsupportedField):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, notFound)
	case errors.Is(err, ErrDuplicateDocument):
		return echo.NewHTTPError(http.StatusConflict, "documento already registered")
	case errors.Is(err, pii.ErrAuthentication), errors.Is(err, pii.ErrMalformedCiphertext), errors.Is(err, pii.ErrMissingKey):
		return echo.NewHTTPError(http.StatusInternalServerError, "record could not be decoded").SetInternal(err)
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// lookupParams reads the first of ?documento=, ?telefono= or ?email=.
func lookupParams(c echo.Context) (pii.Field, string, error) {
	for _, f := range LookupFields {
		if v := c.QueryParam(string(f)); v != "" {
			return f, v, nil
		}
	}
	return "", "", echo.NewHTTPError(http.StatusBadRequest, "one of documento, telefono or email is required")
}

// -- Protection --

func (h *Handler) ProtectionStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"entities": h.svc.ProtectionStatus(),
	})
}

// -- Patient Handlers --

func (h *Handler) CreatePatient(c echo.Context) error {
	var p Patient
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreatePatient(c.Request().Context(), &p); err != nil {
		return httpError(err, "patient not found")
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPatient(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.GetPatient(c.Request().Context(), id)
	if err != nil {
		return httpError(err, "patient not found")
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListPatients(c echo.Context) error {
	pg := pagination.FromContext(c)
	patients, total, err := h.svc.ListPatients(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err, "")
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(patients, total, pg.Limit, pg.Offset).WithLinks(c.Path()))
}

func (h *Handler) UpdatePatient(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var p Patient
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p.ID = id
	if err := h.svc.UpdatePatient(c.Request().Context(), &p); err != nil {
		return httpError(err, "patient not found")
	}
	updated, err := h.svc.GetPatient(c.Request().Context(), id)
	if err != nil {
		return httpError(err, "patient not found")
	}
	return c.JSON(http.StatusOK, updated)
}

func (h *Handler) DeletePatient(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeletePatient(c.Request().Context(), id); err != nil {
		return httpError(err, "patient not found")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) LookupPatients(c echo.Context) error {
	field, value, err := lookupParams(c)
	if err != nil {
		return err
	}
	patients, err := h.svc.LookupPatients(c.Request().Context(), field, value)
	if err != nil {
		return httpError(err, "")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": patients, "total": len(patients)})
}

func (h *Handler) SearchPatients(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 || limit > pagination.MaxLimit {
		limit = pagination.DefaultLimit
	}
	field := c.QueryParam("field")
	if field == "" {
		field = "apellidos"
	}
	patients, err := h.svc.SearchPatients(c.Request().Context(), field, c.QueryParam("q"), limit)
	if err != nil {
		return httpError(err, "")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": patients, "total": len(patients)})
}

// -- Doctor Handlers --

func (h *Handler) CreateDoctor(c echo.Context) error {
	var d Doctor
	if err := c.Bind(&d); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateDoctor(c.Request().Context(), &d); err != nil {
		return httpError(err, "doctor not found")
	}
	return c.JSON(http.StatusCreated, d)
}

func (h *Handler) GetDoctor(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	d, err := h.svc.GetDoctor(c.Request().Context(), id)
	if err != nil {
		return httpError(err, "doctor not found")
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) ListDoctors(c echo.Context) error {
	pg := pagination.FromContext(c)
	doctors, total, err := h.svc.ListDoctors(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err, "")
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(doctors, total, pg.Limit, pg.Offset).WithLinks(c.Path()))
}

func (h *Handler) LookupDoctors(c echo.Context) error {
	field, value, err := lookupParams(c)
	if err != nil {
		return err
	}
	doctors, err := h.svc.LookupDoctors(c.Request().Context(), field, value)
	if err != nil {
		return httpError(err, "")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": doctors, "total": len(doctors)})
}

// -- Staff Handlers --

func (h *Handler) CreateStaff(c echo.Context) error {
	var s Staff
	if err := c.Bind(&s); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateStaff(c.Request().Context(), &s); err != nil {
		return httpError(err, "staff member not found")
	}
	return c.JSON(http.StatusCreated, s)
}

func (h *Handler) GetStaff(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	s, err := h.svc.GetStaff(c.Request().Context(), id)
	if err != nil {
		return httpError(err, "staff member not found")
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) ListStaff(c echo.Context) error {
	pg := pagination.FromContext(c)
	staff, total, err := h.svc.ListStaff(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err, "")
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(staff, total, pg.Limit, pg.Offset).WithLinks(c.Path()))
}

func (h *Handler) LookupStaff(c echo.Context) error {
	field, value, err := lookupParams(c)
	if err != nil {
		return err
	}
	staff, err := h.svc.LookupStaff(c.Request().Context(), field, value)
	if err != nil {
		return httpError(err, "")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": staff, "total": len(staff)})
}
