package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func seedBlob(t *testing.T, store BlobStore, patientID int64, folder, fileName, contentType, content string) *BlobMetadata {
	t.Helper()
	meta := BlobMetadata{
		FileName:    fileName,
		ContentType: contentType,
		PatientID:   patientID,
		Folder:      folder,
	}
	result, err := store.Put(context.Background(), meta, strings.NewReader(content))
	if err != nil {
		t.Fatalf("seedBlob: %v", err)
	}
	return result
}

// ---------------------------------------------------------------------------
// Store tests
// ---------------------------------------------------------------------------

func TestObjectKey(t *testing.T) {
	tests := []struct {
		patient      int64
		folder, name string
		want         string
	}{
		{5, "prescriptions", "rx_18_10_2026.pdf", "patients/5/prescriptions/rx_18_10_2026.pdf"},
		{5, "", "rx.pdf", "patients/5/prescriptions/rx.pdf"},
		{5, "/labs/2026/", "cbc.pdf", "patients/5/labs/2026/cbc.pdf"},
		{5, "../../etc", "../passwd", "patients/5/etc/passwd"},
	}
	for _, tt := range tests {
		if got := ObjectKey(tt.patient, tt.folder, tt.name); got != tt.want {
			t.Errorf("ObjectKey(%d, %q, %q) = %q, want %q", tt.patient, tt.folder, tt.name, got, tt.want)
		}
	}
}

func TestInMemoryBlobStore_Put(t *testing.T) {
	store := NewInMemoryBlobStore()
	content := "hello world"

	result, err := store.Put(context.Background(), BlobMetadata{
		FileName:    "notes.txt",
		ContentType: "text/plain",
		PatientID:   7,
		Folder:      "prescriptions",
	}, strings.NewReader(content))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Key != "patients/7/prescriptions/notes.txt" {
		t.Errorf("unexpected key %s", result.Key)
	}
	if result.Size != int64(len(content)) {
		t.Errorf("expected Size=%d, got %d", len(content), result.Size)
	}
	if result.Hash != fmt.Sprintf("%x", sha256.Sum256([]byte(content))) {
		t.Errorf("unexpected hash %s", result.Hash)
	}
	if result.CreatedAt.IsZero() {
		t.Error("expected non-zero CreatedAt")
	}
}

func TestInMemoryBlobStore_PutDefaults(t *testing.T) {
	store := NewInMemoryBlobStore()

	result, err := store.Put(context.Background(), BlobMetadata{FileName: "scan", PatientID: 3}, strings.NewReader("x"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Folder != DefaultFolder || result.ContentType != "application/octet-stream" {
		t.Errorf("expected defaults, got %+v", result)
	}
}

func TestInMemoryBlobStore_PutValidation(t *testing.T) {
	store := NewInMemoryBlobStore()
	ctx := context.Background()

	if _, err := store.Put(ctx, BlobMetadata{PatientID: 1}, strings.NewReader("x")); !errors.Is(err, ErrMissingFileName) {
		t.Errorf("expected ErrMissingFileName, got %v", err)
	}
	if _, err := store.Put(ctx, BlobMetadata{FileName: "a.pdf"}, strings.NewReader("x")); !errors.Is(err, ErrMissingPatient) {
		t.Errorf("expected ErrMissingPatient, got %v", err)
	}
	if _, err := store.Put(ctx, BlobMetadata{FileName: "a.exe", PatientID: 1, ContentType: "application/x-msdownload"}, strings.NewReader("x")); !errors.Is(err, ErrInvalidContentType) {
		t.Errorf("expected ErrInvalidContentType, got %v", err)
	}
}

func TestInMemoryBlobStore_FileTooLarge(t *testing.T) {
	store := NewInMemoryBlobStore()

	big := io.LimitReader(zeroReader{}, MaxFileSize+1)
	_, err := store.Put(context.Background(), BlobMetadata{FileName: "big.pdf", PatientID: 1, ContentType: "application/pdf"}, big)
	if !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("expected ErrFileTooLarge, got %v", err)
	}
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func TestInMemoryBlobStore_GetAndDelete(t *testing.T) {
	store := NewInMemoryBlobStore()
	meta := seedBlob(t, store, 7, "prescriptions", "rx.pdf", "application/pdf", "pdf-bytes")

	rc, got, err := store.Get(context.Background(), meta.Key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "pdf-bytes" || got.FileName != "rx.pdf" {
		t.Errorf("unexpected blob %q / %+v", data, got)
	}

	if err := store.Delete(context.Background(), meta.Key); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := store.Get(context.Background(), meta.Key); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound, got %v", err)
	}
	if err := store.Delete(context.Background(), meta.Key); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound on second delete, got %v", err)
	}
}

func TestInMemoryBlobStore_SameKeyReplaces(t *testing.T) {
	store := NewInMemoryBlobStore()
	seedBlob(t, store, 7, "prescriptions", "rx.pdf", "application/pdf", "v1")
	meta := seedBlob(t, store, 7, "prescriptions", "rx.pdf", "application/pdf", "v2")

	rc, _, _ := store.Get(context.Background(), meta.Key)
	data, _ := io.ReadAll(rc)
	if string(data) != "v2" {
		t.Errorf("expected the newer content, got %q", data)
	}
	if _, total, _ := store.ListByPatient(context.Background(), 7, 10, 0); total != 1 {
		t.Errorf("expected one document, got %d", total)
	}
}

func TestInMemoryBlobStore_ListByPatient(t *testing.T) {
	store := NewInMemoryBlobStore()
	seedBlob(t, store, 1, "prescriptions", "b.pdf", "application/pdf", "b")
	seedBlob(t, store, 1, "labs", "a.pdf", "application/pdf", "a")
	seedBlob(t, store, 2, "prescriptions", "c.pdf", "application/pdf", "c")

	items, total, err := store.ListByPatient(context.Background(), 1, 1, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 2 || len(items) != 1 {
		t.Fatalf("expected 1 of 2, got %d of %d", len(items), total)
	}
	if items[0].Key != "patients/1/labs/a.pdf" {
		t.Errorf("expected key order, got %s", items[0].Key)
	}
}

func TestInMemoryBlobStore_ConcurrentAccess(t *testing.T) {
	store := NewInMemoryBlobStore()
	var wg sync.WaitGroup
	const goroutines = 50

	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(n int) {
			defer wg.Done()
			result, err := store.Put(context.Background(), BlobMetadata{
				FileName:    fmt.Sprintf("file-%d.txt", n),
				ContentType: "text/plain",
				PatientID:   99,
			}, strings.NewReader(fmt.Sprintf("content-%d", n)))
			if err != nil {
				t.Errorf("put goroutine %d: %v", n, err)
				return
			}
			rc, _, err := store.Get(context.Background(), result.Key)
			if err != nil {
				t.Errorf("get goroutine %d: %v", n, err)
				return
			}
			rc.Close()
		}(i)
	}
	wg.Wait()

	_, total, err := store.ListByPatient(context.Background(), 99, 100, 0)
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if total != goroutines {
		t.Errorf("expected total=%d, got %d", goroutines, total)
	}
}

// ---------------------------------------------------------------------------
// Handler tests
// ---------------------------------------------------------------------------

func newTestHandler(publicURL string) (*InMemoryBlobStore, *echo.Echo) {
	store := NewInMemoryBlobStore()
	e := echo.New()
	NewBlobHandler(store, publicURL).RegisterRoutes(e.Group(""))
	return store, e
}

func uploadRequest(t *testing.T, patientID, folder, name, content string) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if patientID != "" {
		writer.WriteField("patientId", patientID)
	}
	if folder != "" {
		writer.WriteField("folder", folder)
	}
	if name != "" {
		part, err := writer.CreateFormFile("file", name)
		if err != nil {
			t.Fatal(err)
		}
		part.Write([]byte(content))
	}
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set(echo.HeaderContentType, writer.FormDataContentType())
	return req
}

func TestBlobHandler_Upload(t *testing.T) {
	_, e := newTestHandler("https://files.hospital.test/")

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, uploadRequest(t, "12", "prescriptions", "rx_18_10_2026.pdf", "pdf"))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp UploadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("error unmarshaling response: %v", err)
	}
	want := "https://files.hospital.test/files/patients/12/prescriptions/rx_18_10_2026.pdf"
	if resp.URL != want {
		t.Errorf("expected url %s, got %s", want, resp.URL)
	}
}

func TestBlobHandler_UploadURLFromRequestHost(t *testing.T) {
	_, e := newTestHandler("")

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, uploadRequest(t, "12", "", "scan.pdf", "pdf"))

	var resp UploadResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.URL != "http://example.com/files/patients/12/prescriptions/scan.pdf" {
		t.Errorf("unexpected url %s", resp.URL)
	}
}

func TestBlobHandler_UploadBadRequest(t *testing.T) {
	_, e := newTestHandler("")

	tests := []struct {
		name string
		req  *http.Request
	}{
		{"missing file", uploadRequest(t, "12", "", "", "")},
		{"missing patient", uploadRequest(t, "", "", "scan.pdf", "pdf")},
		{"invalid patient", uploadRequest(t, "abc", "", "scan.pdf", "pdf")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, tt.req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rec.Code)
			}
		})
	}
}

func TestBlobHandler_Download(t *testing.T) {
	store, e := newTestHandler("")
	meta := seedBlob(t, store, 4, "prescriptions", "notes.txt", "text/plain", "download-me")

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/files/"+meta.Key, nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "text/plain" {
		t.Errorf("expected Content-Type=text/plain, got %s", ct)
	}
	if rec.Body.String() != "download-me" {
		t.Errorf("expected body=download-me, got %s", rec.Body.String())
	}
}

func TestBlobHandler_DownloadNotFound(t *testing.T) {
	_, e := newTestHandler("")

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/files/patients/1/prescriptions/none.pdf", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestBlobHandler_Delete(t *testing.T) {
	store, e := newTestHandler("")
	meta := seedBlob(t, store, 4, "prescriptions", "delete-me.txt", "text/plain", "bye")

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/files/"+meta.Key, nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected status 204, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestBlobHandler_ListByPatient(t *testing.T) {
	store, e := newTestHandler("")
	seedBlob(t, store, 8, "prescriptions", "r1.pdf", "application/pdf", "r1")
	seedBlob(t, store, 8, "labs", "r2.png", "image/png", "r2")
	seedBlob(t, store, 9, "prescriptions", "r3.txt", "text/plain", "r3")

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/patients/8/files", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp listResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("error unmarshaling: %v", err)
	}
	if resp.Total != 2 || len(resp.Items) != 2 {
		t.Errorf("expected 2 documents, got %d/%d", len(resp.Items), resp.Total)
	}
}
