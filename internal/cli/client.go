package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ChuLiYu/plan2mesh/pkg/types"
)

// httpClient talks to the upload/status API of a running server.
type httpClient struct {
	base string
	hc   *http.Client
}

func newHTTPClient(base string) *httpClient {
	return &httpClient{
		base: strings.TrimRight(base, "/"),
		hc:   &http.Client{Timeout: 2 * time.Minute},
	}
}

// upload posts the floorplan and photos as a multipart form and returns the
// new job id.
func (c *httpClient) upload(ctx context.Context, floorplan string, photos []string) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := addFile(mw, "floorplan", floorplan); err != nil {
		return "", err
	}
	for _, p := range photos {
		if err := addFile(mw, "photos", p); err != nil {
			return "", err
		}
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/upload", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out struct {
		JobID string `json:"job_id"`
	}
	if err := c.do(req, &out); err != nil {
		return "", err
	}
	if out.JobID == "" {
		return "", fmt.Errorf("upload: server returned no job id")
	}
	return out.JobID, nil
}

// status fetches the status document of one job.
func (c *httpClient) status(ctx context.Context, id string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/status/"+id, nil)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// waitFor polls until the job reaches a terminal status.
func (c *httpClient) waitFor(ctx context.Context, id string, interval time.Duration) (map[string]any, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		st, err := c.status(ctx, id)
		if err != nil {
			return nil, err
		}
		if s, _ := st["status"].(string); types.JobStatus(s).IsTerminal() {
			return st, nil
		}
		logger().Debug("job still running", "jobID", id, "progress", st["progress"], "message", st["message"])

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *httpClient) do(req *http.Request, out any) error {
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Detail string `json:"detail"`
		}
		if json.Unmarshal(data, &e) == nil && e.Detail != "" {
			return fmt.Errorf("%s %s: %d %s", req.Method, req.URL.Path, resp.StatusCode, e.Detail)
		}
		return fmt.Errorf("%s %s: %s", req.Method, req.URL.Path, resp.Status)
	}
	return json.Unmarshal(data, out)
}

func addFile(mw *multipart.Writer, field, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	fw, err := mw.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return err
	}
	_, err = io.Copy(fw, f)
	return err
}
