// Package blobstore stores consultation documents for the stub backend. It
// defines the BlobStore interface, an in-memory implementation and the Echo
// handlers behind the upload endpoint, which answers with the document's
// addressable URL.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/opd/pkg/pagination"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrBlobNotFound       = errors.New("blob not found")
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrMissingFileName    = errors.New("file name is required")
	ErrMissingPatient     = errors.New("patient id is required")
)

// MaxFileSize is the maximum allowed document size in bytes (25 MB).
const MaxFileSize = 25 * 1024 * 1024

// DefaultFolder is used when an upload names no folder.
const DefaultFolder = "prescriptions"

// AllowedContentTypes lists the document types a clinician can attach.
var AllowedContentTypes = map[string]bool{
	"application/octet-stream": true,
	"application/pdf":          true,
	"image/png":                true,
	"image/jpeg":               true,
	"image/dicom":              true,
	"application/dicom":        true,
	"text/plain":               true,
}

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// BlobMetadata describes a stored document. Key is its path below the
// files root: patients/{patientID}/{folder}/{fileName}.
type BlobMetadata struct {
	Key         string    `json:"key"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	PatientID   int64     `json:"patient_id"`
	Folder      string    `json:"folder"`
	Hash        string    `json:"hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// ObjectKey builds the storage key of a document. Path separators in the
// folder are kept; the file name is reduced to its base name.
func ObjectKey(patientID int64, folder, fileName string) string {
	folder = strings.Trim(path.Clean("/"+folder), "/")
	if folder == "" {
		folder = DefaultFolder
	}
	return path.Join("patients", strconv.FormatInt(patientID, 10), folder, path.Base("/"+fileName))
}

// ---------------------------------------------------------------------------
// BlobStore interface
// ---------------------------------------------------------------------------

type BlobStore interface {
	Put(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error)
	Get(ctx context.Context, key string) (io.ReadCloser, *BlobMetadata, error)
	Delete(ctx context.Context, key string) error
	ListByPatient(ctx context.Context, patientID int64, limit, offset int) ([]*BlobMetadata, int, error)
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedBlob struct {
	metadata BlobMetadata
	content  []byte
}

// InMemoryBlobStore is a thread-safe, in-memory BlobStore for the stub
// backend and tests. Writing an existing key replaces the document.
type InMemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string]*storedBlob
}

func NewInMemoryBlobStore() *InMemoryBlobStore {
	return &InMemoryBlobStore{
		blobs: make(map[string]*storedBlob),
	}
}

// Put validates the metadata, reads the content, computes its SHA-256 and
// stores it under ObjectKey.
func (s *InMemoryBlobStore) Put(_ context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	if strings.TrimSpace(meta.FileName) == "" {
		return nil, ErrMissingFileName
	}
	if meta.PatientID <= 0 {
		return nil, ErrMissingPatient
	}
	if meta.ContentType == "" {
		meta.ContentType = "application/octet-stream"
	}
	if !AllowedContentTypes[meta.ContentType] {
		return nil, ErrInvalidContentType
	}

	data, err := io.ReadAll(io.LimitReader(content, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > MaxFileSize {
		return nil, ErrFileTooLarge
	}

	if meta.Folder == "" {
		meta.Folder = DefaultFolder
	}
	meta.Key = ObjectKey(meta.PatientID, meta.Folder, meta.FileName)
	meta.FileName = path.Base(meta.Key)
	meta.Size = int64(len(data))
	meta.Hash = fmt.Sprintf("%x", sha256.Sum256(data))
	meta.CreatedAt = time.Now().UTC()

	s.mu.Lock()
	s.blobs[meta.Key] = &storedBlob{metadata: meta, content: data}
	s.mu.Unlock()

	out := meta
	return &out, nil
}

func (s *InMemoryBlobStore) Get(_ context.Context, key string) (io.ReadCloser, *BlobMetadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[key]
	s.mu.RUnlock()

	if !ok {
		return nil, nil, ErrBlobNotFound
	}

	meta := blob.metadata
	return io.NopCloser(bytes.NewReader(blob.content)), &meta, nil
}

func (s *InMemoryBlobStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[key]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, key)
	return nil
}

// ListByPatient returns a patient's documents ordered by key, plus the total.
func (s *InMemoryBlobStore) ListByPatient(_ context.Context, patientID int64, limit, offset int) ([]*BlobMetadata, int, error) {
	s.mu.RLock()
	var matched []*BlobMetadata
	for _, b := range s.blobs {
		if b.metadata.PatientID == patientID {
			m := b.metadata
			matched = append(matched, &m)
		}
	}
	s.mu.RUnlock()
	sort.Slice(matched, func(i, j int) bool { return matched[i].Key < matched[j].Key })

	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	start, end := pagination.Params{Limit: limit, Offset: max(offset, 0)}.Window(len(matched))
	return matched[start:end], len(matched), nil
}

// ---------------------------------------------------------------------------
// HTTP handler
// ---------------------------------------------------------------------------

// UploadResponse is the body returned by the upload endpoint.
type UploadResponse struct {
	URL  string `json:"url"`
	Key  string `json:"key"`
	Size int64  `json:"size"`
}

type listResponse struct {
	Items []*BlobMetadata `json:"items"`
	Total int             `json:"total"`
}

// BlobHandler serves uploads and downloads. Download URLs are built from
// publicURL, or from the request's scheme and host when it is empty.
type BlobHandler struct {
	store     BlobStore
	publicURL string
}

func NewBlobHandler(store BlobStore, publicURL string) *BlobHandler {
	return &BlobHandler{store: store, publicURL: strings.TrimRight(publicURL, "/")}
}

// RegisterRoutes mounts the document routes on the supplied Echo group.
func (h *BlobHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/upload", h.handleUpload)
	g.GET("/files/*", h.handleDownload)
	g.DELETE("/files/*", h.handleDelete)
	g.GET("/patients/:id/files", h.handleListByPatient)
}

func (h *BlobHandler) baseURL(c echo.Context) string {
	if h.publicURL != "" {
		return h.publicURL
	}
	return c.Scheme() + "://" + c.Request().Host
}

func (h *BlobHandler) handleUpload(c echo.Context) error {
	file, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "file is required"})
	}
	patientID, err := strconv.ParseInt(c.FormValue("patientId"), 10, 64)
	if err != nil || patientID <= 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": ErrMissingPatient.Error()})
	}

	src, err := file.Open()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to open uploaded file"})
	}
	defer src.Close()

	meta := BlobMetadata{
		FileName:    file.Filename,
		ContentType: file.Header.Get(echo.HeaderContentType),
		PatientID:   patientID,
		Folder:      c.FormValue("folder"),
	}

	result, err := h.store.Put(c.Request().Context(), meta, src)
	if err != nil {
		switch {
		case errors.Is(err, ErrFileTooLarge):
			return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{"error": err.Error()})
		case errors.Is(err, ErrMissingFileName), errors.Is(err, ErrMissingPatient):
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		case errors.Is(err, ErrInvalidContentType):
			return c.JSON(http.StatusUnsupportedMediaType, map[string]string{"error": err.Error()})
		default:
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
	}

	return c.JSON(http.StatusCreated, UploadResponse{
		URL:  h.baseURL(c) + "/files/" + result.Key,
		Key:  result.Key,
		Size: result.Size,
	})
}

func (h *BlobHandler) handleDownload(c echo.Context) error {
	rc, meta, err := h.store.Get(c.Request().Context(), c.Param("*"))
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	defer rc.Close()

	c.Response().Header().Set("Content-Disposition", fmt.Sprintf(`inline; filename="%s"`, meta.FileName))
	return c.Stream(http.StatusOK, meta.ContentType, rc)
}

func (h *BlobHandler) handleDelete(c echo.Context) error {
	if err := h.store.Delete(c.Request().Context(), c.Param("*")); err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *BlobHandler) handleListByPatient(c echo.Context) error {
	patientID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid patient id"})
	}

	items, total, err := h.store.ListByPatient(c.Request().Context(), patientID, intParam(c, "limit", 20), intParam(c, "offset", 0))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if items == nil {
		items = []*BlobMetadata{}
	}
	return c.JSON(http.StatusOK, listResponse{Items: items, Total: total})
}

func intParam(c echo.Context, name string, defaultVal int) int {
	v := c.QueryParam(name)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
