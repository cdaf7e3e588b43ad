package consultation

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Stager uploads locally selected documents one at a time.
type Stager struct {
	uploader Uploader
	now      func() time.Time
}

func NewStager(uploader Uploader) *Stager {
	return &Stager{uploader: uploader, now: time.Now}
}

// DatedName appends a _dd_mm_yyyy suffix (local date) to the base name,
// keeping the extension: "scan.pdf" becomes "scan_18_10_2026.pdf".
func DatedName(name string, now time.Time) string {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if base == "" {
		// dotfiles such as ".pdf" have no base name of their own
		base, ext = name, ""
	}
	return base + "_" + now.Local().Format("02_01_2006") + ext
}

// Stage uploads files strictly in order. When file k fails the remaining
// files are not attempted and the returned *UploadError carries the URLs of
// files 1..k-1, which stay on the server.
func (s *Stager) Stage(ctx context.Context, files []File, patientID int64, folder string) ([]string, error) {
	if len(files) == 0 {
		return nil, nil
	}
	if patientID <= 0 {
		return nil, &ValidationError{Field: "patient_id", Message: "a patient is required before uploading documents"}
	}

	urls := make([]string, 0, len(files))
	used := make(map[string]bool, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return urls, &UploadError{File: f.Name, Uploaded: urls, Err: err}
		}
		dated := f
		dated.Name = uniqueName(DatedName(f.Name, s.now()), used)
		url, err := s.uploader.UploadFile(ctx, dated, patientID, folder)
		if err != nil {
			return urls, &UploadError{File: f.Name, Uploaded: urls, Err: err}
		}
		urls = append(urls, url)
	}
	return urls, nil
}

// uniqueName numbers repeats of a base name within one batch ("scan.pdf",
// "scan_2.pdf", ...) so no upload overwrites another.
func uniqueName(name string, used map[string]bool) string {
	base := filepath.Base(name)
	candidate := name
	for n := 2; used[filepath.Base(candidate)]; n++ {
		ext := filepath.Ext(base)
		stem := strings.TrimSuffix(base, ext)
		if stem == "" {
			stem, ext = base, ""
		}
		candidate = stem + "_" + strconv.Itoa(n) + ext
	}
	used[filepath.Base(candidate)] = true
	return candidate
}
