package consultation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/ehr/opd/pkg/pagination"
)

// maxUploadFiles bounds the documents attached to one completion.
const maxUploadFiles = 20

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/encounters/:id", h.GetEncounter)
	api.GET("/encounters/:id/queue", h.GetQueue)
	api.POST("/encounters/:id/complete", h.CompleteEncounter)
	api.GET("/encounters/:id/completions", h.ListCompletions)
	api.GET("/doctors/:id/queue", h.GetDoctorQueue)
	api.GET("/lab-tests", h.ListLabTests)
}

// -- Request bodies --

type labTestInput struct {
	ID   int64  `json:"id" validate:"gte=0"`
	Name string `json:"name" validate:"required,max=200"`
}

type labEditsInput struct {
	Added   []labTestInput `json:"added" validate:"max=50,dive"`
	Removed []int64        `json:"removed" validate:"max=50,dive,gt=0"`
}

type dispositionInput struct {
	Kind             string `json:"kind" validate:"omitempty,oneof=none referral transfer"`
	ReferredDoctorID int64  `json:"referred_doctor_id" validate:"gte=0"`
	TransferTo       string `json:"transfer_to" validate:"omitempty,oneof=IPD ICU OT"`
	TransferDetails  string `json:"transfer_details" validate:"max=2000"`
}

type completeRequest struct {
	Diagnosis          string           `json:"diagnosis" validate:"max=4000"`
	ConsultationCharge decimal.Decimal  `json:"consultation_charge"`
	FollowUpDetails    string           `json:"follow_up_details" validate:"max=2000"`
	References         []string         `json:"references" validate:"max=50,dive,max=2048"`
	Disposition        dispositionInput `json:"disposition"`
	LabEdits           labEditsInput    `json:"lab_edits"`
}

func (r completeRequest) toDomain(appointmentID int64) CompletionRequest {
	added := make([]LabTest, 0, len(r.LabEdits.Added))
	for _, t := range r.LabEdits.Added {
		added = append(added, LabTest{ID: t.ID, Name: t.Name})
	}
	return CompletionRequest{
		AppointmentID: appointmentID,
		Draft: Draft{
			Diagnosis:          r.Diagnosis,
			ConsultationCharge: r.ConsultationCharge,
			FollowUpDetails:    r.FollowUpDetails,
			References:         r.References,
			Disposition: Disposition{
				Kind:             DispositionKind(r.Disposition.Kind),
				ReferredDoctorID: r.Disposition.ReferredDoctorID,
				TransferTo:       TransferDestination(r.Disposition.TransferTo),
				TransferDetails:  r.Disposition.TransferDetails,
			},
		},
		LabEdits: LabEdits{Added: added, Removed: r.LabEdits.Removed},
	}
}

// -- Handlers --

func (h *Handler) GetEncounter(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	view, err := h.svc.EncounterView(c.Request().Context(), id)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

type queueResponse struct {
	Entries []QueueEntry    `json:"entries"`
	Total   int             `json:"total"`
	Next    RoutingDecision `json:"next"`
}

func newQueueResponse(q *Queue) queueResponse {
	return queueResponse{Entries: q.Entries, Total: q.Total, Next: q.Next()}
}

func (h *Handler) GetQueue(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	q, err := h.svc.Queue(c.Request().Context(), id)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, newQueueResponse(q))
}

func (h *Handler) GetDoctorQueue(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	q, err := h.svc.DoctorQueue(c.Request().Context(), id)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, newQueueResponse(q))
}

func (h *Handler) ListLabTests(c echo.Context) error {
	tests, err := h.svc.LabCatalog(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, tests)
}

func (h *Handler) ListCompletions(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	entries, total, err := h.svc.Completions(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if entries == nil {
		entries = []*JournalEntry{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(entries, total, pg.Limit, pg.Offset))
}

// CompleteEncounter accepts either a JSON body or a multipart form carrying
// the JSON in a "payload" field and the documents in "files".
func (h *Handler) CompleteEncounter(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}

	var body completeRequest
	var files []File
	if strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		form, err := c.MultipartForm()
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid multipart form: "+err.Error())
		}
		if payload := form.Value["payload"]; len(payload) > 0 {
			if err := json.Unmarshal([]byte(payload[0]), &body); err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid payload: "+err.Error())
			}
		}
		if files, err = readFiles(form.File["files"]); err != nil {
			return err
		}
	} else if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	req := body.toDomain(id)
	req.Files = files
	result, err := h.svc.Complete(c.Request().Context(), req)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func readFiles(headers []*multipart.FileHeader) ([]File, error) {
	if len(headers) > maxUploadFiles {
		return nil, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("at most %d files per completion", maxUploadFiles))
	}
	files := make([]File, 0, len(headers))
	for _, fh := range headers {
		src, err := fh.Open()
		if err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "cannot open "+fh.Filename)
		}
		data, err := io.ReadAll(src)
		src.Close()
		if err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "cannot read "+fh.Filename)
		}
		files = append(files, File{
			Name:        fh.Filename,
			ContentType: fh.Header.Get(echo.HeaderContentType),
			Content:     data,
		})
	}
	return files, nil
}

func parseID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

type stepErrorResponse struct {
	Error              string               `json:"error"`
	Step               Step                 `json:"step"`
	Uploaded           []string             `json:"uploaded,omitempty"`
	Compensations      []CompensationResult `json:"compensations,omitempty"`
	CompensationFailed bool                 `json:"compensation_failed"`
}

// errorResponse maps workflow errors onto HTTP statuses. A failed step is
// reported with what was uploaded and what was undone.
func errorResponse(c echo.Context, err error) error {
	var ve *ValidationError
	var se *StepError
	switch {
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusBadRequest, ve.Error())
	case errors.Is(err, ErrCompletionInFlight):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.As(err, &se):
		return c.JSON(http.StatusBadGateway, stepErrorResponse{
			Error:              se.Error(),
			Step:               se.Step,
			Uploaded:           se.Uploaded,
			Compensations:      se.Compensations,
			CompensationFailed: se.CompensationFailed(),
		})
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	default:
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
}
