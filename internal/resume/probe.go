// Package resume implements the resume controller (spec §4.5): the
// canResume advisory probe, and the pause/resume sequencing shared by
// the transfer executor and the parallel-download supervisor.
package resume

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vfaronov/httpheader"

	"github.com/fileflow/fileflow/internal/config"
	"github.com/fileflow/fileflow/internal/utils"
)

// ProbeResult carries everything the executor and parallel supervisor
// need to decide how to fetch a resource: its size, whether the server
// honors Range requests, the resolved filename and the ETag validator
// used to detect the resource changing mid-resume (Last-Modified is not
// read).
type ProbeResult struct {
	FileSize      int64
	SupportsRange bool
	Filename      string
	ContentType   string
	ETag          string
}

// ProbeServer sends a GET with Range: bytes=0-0 to determine server
// capabilities, mirroring internal/engine/probe.go's ProbeServer with
// ETag extraction added (needed for the mid-stream ETag-mismatch
// decision recorded in SPEC_FULL.md §14).
func ProbeServer(ctx context.Context, client *http.Client, rt *config.RuntimeConfig, rawurl string, headers map[string]string, filenameHint string) (*ProbeResult, error) {
	utils.Debug("resume: probing %s", rawurl)

	var resp *http.Response
	var err error

	for i := 0; i < 3; i++ {
		if i > 0 {
			time.Sleep(1 * time.Second)
			utils.Debug("resume: retrying probe, attempt %d", i+1)
		}

		probeCtx, cancel := context.WithTimeout(ctx, rt.ProbeTimeout)
		req, reqErr := http.NewRequestWithContext(probeCtx, http.MethodGet, rawurl, nil)
		if reqErr != nil {
			cancel()
			return nil, fmt.Errorf("resume: building probe request: %w", reqErr)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		req.Header.Set("Range", "bytes=0-0")
		if req.Header.Get("User-Agent") == "" {
			req.Header.Set("User-Agent", rt.UserAgent)
		}

		resp, err = client.Do(req)
		cancel()
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("resume: probe request failed after retries: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	result := &ProbeResult{ETag: resp.Header.Get("ETag")}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		result.SupportsRange = true
		if cr, ok := httpheader.ContentRange(resp.Header); ok && cr.Complete {
			result.FileSize = cr.Size
		} else if cr := resp.Header.Get("Content-Range"); cr != "" {
			if idx := strings.LastIndex(cr, "/"); idx != -1 {
				sizeStr := cr[idx+1:]
				if sizeStr != "*" {
					result.FileSize, _ = strconv.ParseInt(sizeStr, 10, 64)
				}
			}
		}
	case http.StatusOK:
		result.SupportsRange = false
		if cl := resp.Header.Get("Content-Length"); cl != "" {
			result.FileSize, _ = strconv.ParseInt(cl, 10, 64)
		}
	case http.StatusForbidden, http.StatusMethodNotAllowed:
		// Some servers reject a Range header outright; retry once
		// without it before giving up, per spec §4.5.
		return probeWithoutRange(ctx, client, rt, rawurl, headers, filenameHint)
	default:
		// Any other status (404, 5xx, ...) is left for the real request to
		// classify and report: the probe is only an advisory capability
		// check, not the attempt itself, so erroring here would misreport
		// e.g. a not-found resource as a connection failure.
		result.SupportsRange = false
	}

	name, _, ferr := utils.DetermineFilename(rawurl, resp, false)
	if ferr != nil {
		name = "download.bin"
	}
	if filenameHint != "" {
		result.Filename = filenameHint
	} else {
		result.Filename = name
	}
	result.ContentType = resp.Header.Get("Content-Type")

	return result, nil
}

func probeWithoutRange(ctx context.Context, client *http.Client, rt *config.RuntimeConfig, rawurl string, headers map[string]string, filenameHint string) (*ProbeResult, error) {
	probeCtx, cancel := context.WithTimeout(ctx, rt.ProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, rawurl, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("resume: fallback HEAD failed: %w", err)
	}
	defer resp.Body.Close()

	result := &ProbeResult{SupportsRange: false, ETag: resp.Header.Get("ETag")}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		result.FileSize, _ = strconv.ParseInt(cl, 10, 64)
	}
	if filenameHint != "" {
		result.Filename = filenameHint
	} else {
		result.Filename = "download.bin"
	}
	result.ContentType = resp.Header.Get("Content-Type")
	return result, nil
}

// ValidateContentRange checks a resumed download's 206 response against
// the byte offset we asked to resume from: the Content-Range must parse
// with cr.Complete set and start exactly at resumeFrom, rejecting
// anything else rather than risk stitching mismatched bytes into the
// working file. The range's end is not compared with the total length.
func ValidateContentRange(header http.Header, resumeFrom int64) bool {
	cr, ok := httpheader.ContentRange(header)
	if !ok || !cr.Complete {
		return false
	}
	return cr.Start == resumeFrom
}

// CanResume reports whether a resume attempt is advisable: the server
// must support Range and the previously observed ETag, if any, must
// still match (spec §4.5, §9 Open Question on ETag changes).
func CanResume(probe *ProbeResult, previousETag string) bool {
	if !probe.SupportsRange {
		return false
	}
	if previousETag != "" && probe.ETag != "" && previousETag != probe.ETag {
		return false
	}
	return true
}
