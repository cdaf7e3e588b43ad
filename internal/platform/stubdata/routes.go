package stubdata

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ehr/opd/internal/domain/consultation"
	"github.com/ehr/opd/internal/platform/backend"
)

// Handler serves a Backend over the hospital REST contract.
type Handler struct {
	b *Backend
}

func NewHandler(b *Backend) *Handler {
	return &Handler{b: b}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/appointments", h.listAppointments)
	g.GET("/appointments/:id", h.getAppointment)
	g.PATCH("/appointments/:id", h.patchAppointment)
	g.GET("/doctors/:id", h.getDoctor)
	g.GET("/patients/:id", h.getPatient)
	g.GET("/patient-lab-orders", h.listLabOrders)
	g.POST("/patient-lab-orders", h.createLabOrder)
	g.DELETE("/patient-lab-orders/:id", h.deleteLabOrder)
	g.GET("/lab-tests", h.listLabTests)
}

func (h *Handler) listAppointments(c echo.Context) error {
	doctorID, err := strconv.ParseInt(c.QueryParam("doctorId"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "doctorId is required")
	}
	if s := c.QueryParam("status"); s != "" && s != string(consultation.StatusWaiting) {
		return echo.NewHTTPError(http.StatusBadRequest, "only status=Waiting is supported")
	}
	page := queryInt(c, "page", 1)
	limit := queryInt(c, "limit", 20)

	res, err := h.b.ListWaitingAppointments(c.Request().Context(), doctorID, page, limit)
	if err != nil {
		return mapError(err)
	}
	out := backend.AppointmentListDTO{Data: make([]backend.AppointmentDTO, 0, len(res.Items)), Total: res.Total, Page: page, Limit: limit}
	for _, a := range res.Items {
		out.Data = append(out.Data, backend.AppointmentFromDomain(a))
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) getAppointment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	a, err := h.b.GetAppointment(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, backend.AppointmentFromDomain(a))
}

func (h *Handler) patchAppointment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var patch backend.AppointmentPatchDTO
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	h.b.mu.Lock()
	defer h.b.mu.Unlock()
	a, ok := h.b.appointments[id]
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "appointment not found")
	}
	patch.Apply(a)
	return c.JSON(http.StatusOK, backend.AppointmentFromDomain(a))
}

func (h *Handler) getDoctor(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	d, err := h.b.GetDoctor(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, backend.DoctorDTO{ID: d.ID, Name: d.Name, Specialization: d.Specialization})
}

func (h *Handler) getPatient(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	p, err := h.b.GetPatient(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, backend.PatientDTO{
		ID: p.ID, Name: p.Name, Age: p.Age, Gender: p.Gender, Phone: p.Phone, ChiefComplaint: p.ChiefComplaint,
	})
}

func (h *Handler) listLabOrders(c echo.Context) error {
	apptID, err := strconv.ParseInt(c.QueryParam("appointmentId"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "appointmentId is required")
	}
	orders, err := h.b.ListPrescribedLabOrders(c.Request().Context(), apptID)
	if err != nil {
		return mapError(err)
	}
	out := make([]backend.LabOrderDTO, 0, len(orders))
	for _, o := range orders {
		out = append(out, backend.LabOrderFromDomain(o))
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) createLabOrder(c echo.Context) error {
	var body backend.CreateLabOrderDTO
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	o, err := h.b.CreateLabOrder(c.Request().Context(), consultation.LabOrder{
		LabTestID:     body.LabTestID,
		TestName:      body.TestName,
		AppointmentID: body.AppointmentID,
		PatientID:     body.PatientID,
		Status:        body.Status,
	})
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, backend.LabOrderFromDomain(*o))
}

func (h *Handler) deleteLabOrder(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := h.b.DeleteLabOrder(c.Request().Context(), id); err != nil {
		return mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) listLabTests(c echo.Context) error {
	tests, err := h.b.ListLabCatalog(c.Request().Context())
	if err != nil {
		return mapError(err)
	}
	out := make([]backend.LabTestDTO, 0, len(tests))
	for _, t := range tests {
		out = append(out, backend.LabTestDTO{ID: t.ID, Name: t.Name})
	}
	return c.JSON(http.StatusOK, out)
}

func pathID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func queryInt(c echo.Context, name string, def int) int {
	n, err := strconv.Atoi(c.QueryParam(name))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func mapError(err error) error {
	if errors.Is(err, consultation.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
