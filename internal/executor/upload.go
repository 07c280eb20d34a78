package executor

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/h2non/filetype"

	"github.com/fileflow/fileflow/internal/events"
	"github.com/fileflow/fileflow/internal/task"
	"github.com/fileflow/fileflow/internal/utils"
)

// executeUpload runs an UploadTask/MultiUploadTask/UriUploadTask: a
// multipart POST (mime/multipart) when Fields/FileField are set
// (UploadTask/MultiUploadTask), otherwise a raw binary POST body
// (UriUploadTask) with a `Content-Disposition: attachment; filename="..."`
// header unless t.Headers sets one (an empty value omits the header).
// Status classification matches the download path; no progress updates
// are emitted while the body is sent. The binary body's Content-Type is
// t.MimeType, else sniffed with h2non/filetype.
func (e *Executor) executeUpload(ctx context.Context, rec task.TaskRecord) (task.TaskRecord, error) {
	t := rec.Task

	softCtx, cancel := context.WithTimeout(ctx, e.Runtime.SoftTimeout)
	defer cancel()

	var body io.Reader
	var contentType string
	var size int64

	if len(t.Fields) > 0 || t.FileField != "" {
		buf, ct, err := e.buildMultipartBody(t)
		if err != nil {
			return e.fail(rec, task.ExceptionFileSystem, err.Error(), 0)
		}
		body = buf
		contentType = ct
		size = int64(buf.Len())
	} else {
		f, err := os.Open(t.Post)
		if err != nil {
			return e.fail(rec, task.ExceptionFileSystem, err.Error(), 0)
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return e.fail(rec, task.ExceptionFileSystem, err.Error(), 0)
		}
		body = f
		size = info.Size()
		contentType = t.MimeType
		if contentType == "" {
			contentType = sniffContentType(f)
		}
	}

	req, err := http.NewRequestWithContext(softCtx, http.MethodPost, t.EffectiveURL(), body)
	if err != nil {
		return e.fail(rec, task.ExceptionGeneral, err.Error(), 0)
	}
	for k, v := range t.Headers {
		req.Header.Set(k, v)
	}
	if len(t.Fields) == 0 && t.FileField == "" {
		if v, ok := t.Headers["Content-Disposition"]; !ok {
			req.Header.Set("Content-Disposition", `attachment; filename="`+utils.SanitizeFilename(filepath.Base(t.Post))+`"`)
		} else if v == "" {
			req.Header.Del("Content-Disposition")
		}
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = size
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", e.Runtime.UserAgent)
	}

	resp, err := e.Client.Do(req)
	if err != nil {
		return e.fail(rec, task.ExceptionConnection, err.Error(), 0)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if exc := classifyStatus(resp.StatusCode); exc != nil {
		return e.failExceptionWithResponse(rec, exc, resp)
	}

	rec.Status = task.StatusComplete
	rec.Progress = 1.0
	rec.ExpectedFileSize = size
	rec.Exception = nil
	if e.Hub != nil && t.Updates.WantsStatus() {
		mimeType, charSet := utils.ParseContentType(resp.Header.Get("Content-Type"))
		e.Hub.Publish(events.Update{
			Kind: events.KindStatus, TaskID: t.TaskID, Group: t.Group,
			Status: task.StatusComplete, ResponseBody: string(respBody),
			ResponseCode: resp.StatusCode, MimeType: mimeType, CharSet: charSet,
			ResponseHeaders: flattenHeader(resp.Header),
		})
	}
	return rec, nil
}

// buildMultipartBody writes t.Fields as form fields and, if FileField is
// set, t.Post's file contents under that field name, matching the
// boundary/preamble/epilogue structure mime/multipart.Writer produces.
func (e *Executor) buildMultipartBody(t task.Task) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)

	for k, v := range t.Fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}

	if t.FileField != "" {
		f, err := os.Open(t.Post)
		if err != nil {
			return nil, "", err
		}
		defer f.Close()

		part, err := w.CreateFormFile(t.FileField, utils.SanitizeFilename(filepath.Base(t.Post)))
		if err != nil {
			return nil, "", err
		}
		if _, err := io.Copy(part, f); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf, w.FormDataContentType(), nil
}

func sniffContentType(f *os.File) string {
	header := make([]byte, 512)
	n, _ := f.Read(header)
	f.Seek(0, io.SeekStart)
	header = header[:n]
	if kind, err := filetype.Match(header); err == nil && kind != filetype.Unknown {
		return kind.MIME.Value
	}
	return "application/octet-stream"
}

