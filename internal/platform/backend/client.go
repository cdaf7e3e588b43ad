// Package backend talks to the hospital REST backend that owns appointments,
// doctors, patients, lab orders and the document upload endpoint.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/opd/internal/domain/consultation"
	"github.com/ehr/opd/internal/platform/middleware"
	"github.com/ehr/opd/internal/platform/validation"
)

const (
	DefaultTimeout = 10 * time.Second

	// maxErrorBody caps how much of a failed response is kept in APIError.
	maxErrorBody = 1024
)

// APIError is a non-2xx answer from the backend. A 404 unwraps to
// consultation.ErrNotFound.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return consultation.ErrNotFound
	}
	return nil
}

// ContractError is a 2xx response whose body does not satisfy the contract.
type ContractError struct {
	Path string
	Err  error
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("unexpected response from %s: %v", e.Path, e.Err)
}

func (e *ContractError) Unwrap() error { return e.Err }

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

// WithUploadURL points document uploads at a different host than the rest of
// the backend.
func WithUploadURL(u string) Option {
	return func(cl *Client) {
		if u != "" {
			cl.uploadURL = trimSlash(u)
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.http.Timeout = d
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(cl *Client) {
		cl.logger = l
	}
}

// Client implements consultation.Backend over HTTP.
type Client struct {
	baseURL   string
	uploadURL string
	http      *http.Client
	validate  *validation.Validator
	logger    zerolog.Logger
}

var _ consultation.Backend = (*Client)(nil)

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:  trimSlash(baseURL),
		http:     &http.Client{Timeout: DefaultTimeout},
		validate: validation.New(),
		logger:   zerolog.Nop(),
	}
	c.uploadURL = c.baseURL
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

func (c *Client) GetAppointment(ctx context.Context, id int64) (*consultation.Appointment, error) {
	path := "/appointments/" + strconv.FormatInt(id, 10)
	var dto AppointmentDTO
	if err := c.getJSON(ctx, path, nil, &dto); err != nil {
		return nil, err
	}
	appt, err := dto.ToDomain()
	if err != nil {
		return nil, &ContractError{Path: path, Err: err}
	}
	return appt, nil
}

func (c *Client) ListWaitingAppointments(ctx context.Context, doctorID int64, page, limit int) (*consultation.AppointmentPage, error) {
	q := url.Values{}
	q.Set("doctorId", strconv.FormatInt(doctorID, 10))
	q.Set("status", string(consultation.StatusWaiting))
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))

	var list AppointmentListDTO
	if err := c.getJSON(ctx, "/appointments", q, &list); err != nil {
		return nil, err
	}
	out := &consultation.AppointmentPage{Items: make([]*consultation.Appointment, 0, len(list.Data)), Total: list.Total}
	for _, dto := range list.Data {
		appt, err := dto.ToDomain()
		if err != nil {
			return nil, &ContractError{Path: "/appointments", Err: fmt.Errorf("appointment %d: %w", dto.ID, err)}
		}
		out.Items = append(out.Items, appt)
	}
	return out, nil
}

func (c *Client) UpdateAppointment(ctx context.Context, id int64, u consultation.AppointmentUpdate) error {
	path := "/appointments/" + strconv.FormatInt(id, 10)
	return c.doJSON(ctx, http.MethodPatch, c.baseURL+path, path, PatchFromUpdate(u), nil)
}

func (c *Client) GetDoctor(ctx context.Context, id int64) (*consultation.Doctor, error) {
	var dto DoctorDTO
	if err := c.getJSON(ctx, "/doctors/"+strconv.FormatInt(id, 10), nil, &dto); err != nil {
		return nil, err
	}
	return dto.ToDomain(), nil
}

func (c *Client) GetPatient(ctx context.Context, id int64) (*consultation.Patient, error) {
	var dto PatientDTO
	if err := c.getJSON(ctx, "/patients/"+strconv.FormatInt(id, 10), nil, &dto); err != nil {
		return nil, err
	}
	return dto.ToDomain(), nil
}

func (c *Client) ListPrescribedLabOrders(ctx context.Context, appointmentID int64) ([]consultation.LabOrder, error) {
	q := url.Values{}
	q.Set("appointmentId", strconv.FormatInt(appointmentID, 10))
	var dtos []LabOrderDTO
	if err := c.getJSON(ctx, "/patient-lab-orders", q, &dtos); err != nil {
		return nil, err
	}
	out := make([]consultation.LabOrder, 0, len(dtos))
	for _, d := range dtos {
		out = append(out, d.ToDomain())
	}
	return out, nil
}

func (c *Client) CreateLabOrder(ctx context.Context, o consultation.LabOrder) (*consultation.LabOrder, error) {
	body := CreateLabOrderDTO{
		LabTestID:     o.LabTestID,
		TestName:      o.TestName,
		AppointmentID: o.AppointmentID,
		PatientID:     o.PatientID,
		Status:        o.Status,
	}
	var created LabOrderDTO
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/patient-lab-orders", "/patient-lab-orders", body, &created); err != nil {
		return nil, err
	}
	out := created.ToDomain()
	return &out, nil
}

func (c *Client) DeleteLabOrder(ctx context.Context, id int64) error {
	path := "/patient-lab-orders/" + strconv.FormatInt(id, 10)
	return c.doJSON(ctx, http.MethodDelete, c.baseURL+path, path, nil, nil)
}

func (c *Client) ListLabCatalog(ctx context.Context) ([]consultation.LabTest, error) {
	var dtos []LabTestDTO
	if err := c.getJSON(ctx, "/lab-tests", nil, &dtos); err != nil {
		return nil, err
	}
	out := make([]consultation.LabTest, 0, len(dtos))
	for _, d := range dtos {
		out = append(out, consultation.LabTest{ID: d.ID, Name: d.Name})
	}
	return out, nil
}

// UploadFile posts one document as multipart form data (file, patientId,
// folder) and returns the URL the upload endpoint assigned to it.
func (c *Client) UploadFile(ctx context.Context, f consultation.File, patientID int64, folder string) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	contentType := f.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(f.Name)))
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return "", fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(f.Content); err != nil {
		return "", fmt.Errorf("write file part: %w", err)
	}
	if err := w.WriteField("patientId", strconv.FormatInt(patientID, 10)); err != nil {
		return "", fmt.Errorf("write patientId: %w", err)
	}
	if err := w.WriteField("folder", folder); err != nil {
		return "", fmt.Errorf("write folder: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadURL+"/upload", &buf)
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var res UploadResultDTO
	if err := c.send(req, "/upload", &res); err != nil {
		return "", err
	}
	return res.URL, nil
}

func escapeQuotes(s string) string {
	var b bytes.Buffer
	for _, r := range s {
		if r == '"' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return c.doJSON(ctx, http.MethodGet, u, path, nil, out)
}

func (c *Client) doJSON(ctx context.Context, method, u, path string, body, out interface{}) error {
	var r io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s %s: %w", method, path, err)
		}
		r = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, path, out)
}

// send executes req, maps non-2xx answers to *APIError and decodes and
// validates the body into out when out is non-nil.
func (c *Client) send(req *http.Request, path string, out interface{}) error {
	req.Header.Set("Accept", "application/json")
	if rid := middleware.RequestIDFromContext(req.Context()); rid != "" {
		req.Header.Set(middleware.RequestIDHeader, rid)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("method", req.Method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("backend call")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{Method: req.Method, Path: path, StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(b))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return &ContractError{Path: path, Err: errors.New("empty body")}
		}
		return &ContractError{Path: path, Err: err}
	}
	if err := c.check(out); err != nil {
		return &ContractError{Path: path, Err: err}
	}
	return nil
}

// check validates a decoded body. Slices of DTOs are validated element by
// element.
func (c *Client) check(out interface{}) error {
	switch v := out.(type) {
	case *[]LabOrderDTO:
		for _, d := range *v {
			if err := c.validate.Struct(d); err != nil {
				return err
			}
		}
	case *[]LabTestDTO:
		for _, d := range *v {
			if err := c.validate.Struct(d); err != nil {
				return err
			}
		}
	default:
		return c.validate.Struct(out)
	}
	return nil
}
