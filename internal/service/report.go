package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/CZERTAINLY/Herald/internal/model"
	"github.com/CZERTAINLY/Herald/internal/state"
)

// Report summarizes a finished run.
type Report struct {
	RunID      string                    `json:"runId"`
	Runnable   string                    `json:"runnable"`
	State      state.State               `json:"state"`
	Started    time.Time                 `json:"started"`
	Finished   time.Time                 `json:"finished"`
	StackTrace []state.StackTraceElement `json:"stackTrace,omitempty"`
}

type Reporter interface {
	Report(ctx context.Context, r Report) error
}

// reporters builds the destinations configured in cfg, stdout by default.
func reporters(cfg model.Service) ([]Reporter, error) {
	if cfg.Report == nil || (cfg.Report.Dir == nil && cfg.Report.URL == nil) {
		return []Reporter{NewWriteReporter(os.Stdout)}, nil
	}
	var ret []Reporter
	if cfg.Report.Dir != nil {
		r, err := NewDirReporter(*cfg.Report.Dir)
		if err != nil {
			return nil, err
		}
		ret = append(ret, r)
	}
	if cfg.Report.URL != nil {
		r, err := NewHTTPReporter(*cfg.Report.URL)
		if err != nil {
			return nil, err
		}
		ret = append(ret, r)
	}
	return ret, nil
}

// WriteReporter writes each report as one JSON line.
type WriteReporter struct {
	w io.Writer
}

func NewWriteReporter(w io.Writer) WriteReporter {
	return WriteReporter{w: w}
}

func (r WriteReporter) Report(_ context.Context, rep Report) error {
	w := r.w
	if w == nil {
		w = os.Stdout
	}
	return json.NewEncoder(w).Encode(rep)
}

// DirReporter stores each report as run-<id>.json in a directory.
type DirReporter struct {
	root *os.Root
}

func NewDirReporter(path string) (*DirReporter, error) {
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, err
	}
	return &DirReporter{root: root}, nil
}

func (r *DirReporter) Report(ctx context.Context, rep Report) error {
	if r.root == nil {
		return errors.New("root already closed")
	}

	path := "run-" + rep.RunID + ".json"
	f, err := r.root.Create(path)
	if err != nil {
		return fmt.Errorf("creating run report: %w", err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		_ = f.Close()
		return fmt.Errorf("saving run report: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing run report: %w", err)
	}
	slog.InfoContext(ctx, "report saved", "path", path)
	return nil
}

func (r *DirReporter) Close() error {
	if r.root == nil {
		return errors.New("reporter already closed")
	}
	err := r.root.Close()
	r.root = nil
	return err
}

const reportPath = "api/v1/runs"

// HTTPReporter posts reports to a collector.
type HTTPReporter struct {
	requestURL *url.URL
	client     *http.Client
}

func NewHTTPReporter(serverURL string) (*HTTPReporter, error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	parsedURL.Path = strings.TrimRight(parsedURL.Path, "/")

	if parsedURL.Scheme == "" || parsedURL.Host == "" || parsedURL.Path != "" {
		return nil, errors.New("please define the server url with a scheme and without path, e.g. `http://some-url.com`")
	}
	parsedURL.Path = reportPath

	return &HTTPReporter{
		requestURL: parsedURL,
		client:     &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (r *HTTPReporter) Report(ctx context.Context, rep Report) error {
	raw, err := json.Marshal(rep)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.requestURL.String(), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		slog.DebugContext(ctx, "report uploaded", "run_id", rep.RunID, "status", resp.StatusCode)
		return nil
	}
	return decodeProblem(resp)
}

func decodeProblem(resp *http.Response) error {
	contentType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err == nil && contentType == "application/problem+json" {
		var problemDetail struct {
			Detail string `json:"detail"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&problemDetail); err != nil {
			return fmt.Errorf("decoding json response failed: %w", err)
		}
		return fmt.Errorf("status code: %d, detail: %s", resp.StatusCode, problemDetail.Detail)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return fmt.Errorf("unknown error, status: %d, body: %s", resp.StatusCode, string(respBody))
}
