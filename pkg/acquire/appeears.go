package acquire

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glorpus-work/planetile/internal/logger"
	"github.com/glorpus-work/planetile/pkg/errors"
	"github.com/glorpus-work/planetile/pkg/fsutil"
	"github.com/glorpus-work/planetile/pkg/geo"
)

// DefaultAppEEARSBaseURL is the production endpoint of the batch API.
const DefaultAppEEARSBaseURL = "https://appeears.earthdatacloud.nasa.gov/api"

const defaultPollInterval = 60 * time.Second

// AppEEARSOptions configure the batch API client.
type AppEEARSOptions struct {
	BaseURL       string
	Username      string
	Password      string
	Authorization string // pre-issued "Bearer ..." header, used instead of login
	PollInterval  time.Duration
	HTTPClient    *http.Client
}

// AppEEARSClient is a thin client for the AppEEARS REST API. Login is either
// username/password (exchanged for a bearer token) or a pre-issued
// authorization header.
type AppEEARSClient struct {
	baseURL       string
	username      string
	password      string
	authorization string
	pollInterval  time.Duration
	httpClient    *http.Client
	token         string
}

// NewAppEEARSClient creates a client from explicit options.
func NewAppEEARSClient(opts AppEEARSOptions) *AppEEARSClient {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultAppEEARSBaseURL
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &AppEEARSClient{
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		username:      opts.Username,
		password:      opts.Password,
		authorization: opts.Authorization,
		pollInterval:  opts.PollInterval,
		httpClient:    opts.HTTPClient,
	}
}

// AppEEARSClientFromEnv builds a client from environment credentials:
// EARTHDATA_USERNAME/EARTHDATA_PASSWORD, or APPEEARS_AUTHORIZATION /
// APPEEARS_TOKEN for pre-issued tokens.
func AppEEARSClientFromEnv(opts AppEEARSOptions) (*AppEEARSClient, error) {
	username := os.Getenv("EARTHDATA_USERNAME")
	password := os.Getenv("EARTHDATA_PASSWORD")
	if username != "" && password != "" {
		opts.Username = username
		opts.Password = password
		return NewAppEEARSClient(opts), nil
	}

	authorization := os.Getenv("APPEEARS_AUTHORIZATION")
	if authorization == "" {
		if token := os.Getenv("APPEEARS_TOKEN"); token != "" {
			if strings.HasPrefix(strings.ToLower(token), "bearer ") {
				authorization = token
			} else {
				authorization = "Bearer " + token
			}
		}
	}
	if authorization != "" {
		opts.Authorization = authorization
		return NewAppEEARSClient(opts), nil
	}

	return nil, errors.Wrap(errors.ErrMissingSecrets,
		"set EARTHDATA_USERNAME/EARTHDATA_PASSWORD or APPEEARS_AUTHORIZATION/APPEEARS_TOKEN")
}

// Login obtains a bearer token. With a pre-issued authorization header the
// call is local.
func (c *AppEEARSClient) Login(ctx context.Context) error {
	if c.authorization != "" {
		c.token = c.authorization
		return nil
	}
	if c.username == "" || c.password == "" {
		return errors.Wrap(errors.ErrAuthFailed, "username/password not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/login", nil)
	if err != nil {
		return errors.Wrap(err, "failed to build login request")
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Content-Length", "0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrAuthFailed, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Wrapf(errors.ErrAuthFailed, "login failed: %d %s", resp.StatusCode, string(body))
	}

	var payload struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return errors.Wrap(errors.ErrAuthFailed, "could not decode login response")
	}
	if payload.Token == "" {
		return errors.Wrap(errors.ErrAuthFailed, "login did not return a token")
	}
	c.token = "Bearer " + payload.Token
	return nil
}

// Logout invalidates a password-derived session token. Pre-issued
// authorizations are only removed locally.
func (c *AppEEARSClient) Logout(ctx context.Context) {
	if c.token == "" {
		return
	}
	if c.authorization == "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/logout", nil)
		if err == nil {
			req.Header.Set("Authorization", c.token)
			if resp, doErr := c.httpClient.Do(req); doErr == nil {
				_ = resp.Body.Close()
			}
		}
	}
	c.token = ""
}

// AreaTask describes one batch task covering a set of tile footprints for a
// single acquisition date.
type AreaTask struct {
	Name       string
	Product    string
	Date       time.Time
	Layers     []string
	Tiles      []string
	Projection string
}

// SubmitAreaTask submits an area task whose geometry is the union of the
// tiles' sinusoidal-grid footprints. Returns the remote task id.
func (c *AppEEARSClient) SubmitAreaTask(ctx context.Context, task AreaTask) (string, error) {
	features := make([]map[string]any, 0, len(task.Tiles))
	for _, id := range task.Tiles {
		tile, err := geo.ParseModisTile(id)
		if err != nil {
			return "", err
		}
		ring := tile.Polygon()
		coords := make([][]float64, 0, len(ring))
		for _, corner := range ring {
			coords = append(coords, []float64{corner[0], corner[1]})
		}
		features = append(features, map[string]any{
			"type":       "Feature",
			"properties": map[string]any{"tile": id},
			"geometry": map[string]any{
				"type":        "Polygon",
				"coordinates": [][][]float64{coords},
			},
		})
	}

	projection := task.Projection
	if projection == "" {
		projection = "geographic"
	}
	layers := make([]map[string]string, 0, len(task.Layers))
	for _, layer := range task.Layers {
		layers = append(layers, map[string]string{"product": task.Product, "layer": layer})
	}

	dateStr := task.Date.Format("01-02-2006")
	payload := map[string]any{
		"task_type": "area",
		"task_name": task.Name,
		"params": map[string]any{
			"dates": []map[string]string{
				{"startDate": dateStr, "endDate": dateStr},
			},
			"layers": layers,
			"geo": map[string]any{
				"type":     "FeatureCollection",
				"features": features,
			},
			"output": map[string]any{
				"format":     map[string]string{"type": "geotiff"},
				"projection": projection,
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode task payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/task", bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "failed to build task request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(errors.ErrTaskFailed, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", errors.Wrapf(errors.ErrTaskFailed,
			"task submission failed (%d): %s", resp.StatusCode, string(detail))
	}

	var result struct {
		TaskID string `json:"task_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil || result.TaskID == "" {
		return "", errors.Wrap(errors.ErrTaskFailed, "task submission response missing task_id")
	}
	return result.TaskID, nil
}

// TaskStatus fetches the current status string of a task.
func (c *AppEEARSClient) TaskStatus(ctx context.Context, taskID string) (string, error) {
	var payload struct {
		Status string `json:"status"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("%s/task/%s", c.baseURL, taskID), &payload); err != nil {
		return "", err
	}
	return payload.Status, nil
}

// WaitForTasks polls all tasks on the client's interval until each reaches a
// terminal state. The returned map records success per key.
func (c *AppEEARSClient) WaitForTasks(ctx context.Context, tasks map[string]string) (map[string]bool, error) {
	remaining := make(map[string]string, len(tasks))
	for k, v := range tasks {
		remaining[k] = v
	}
	outcomes := make(map[string]bool, len(tasks))

	for len(remaining) > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}

		for key, taskID := range remaining {
			status, err := c.TaskStatus(ctx, taskID)
			if err != nil {
				return nil, err
			}
			logger.Debug("batch task status", logger.Fields{"key": key, "task_id": taskID, "status": status})
			switch status {
			case "done":
				outcomes[key] = true
				delete(remaining, key)
			case "error":
				outcomes[key] = false
				delete(remaining, key)
			}
		}
	}
	return outcomes, nil
}

// BundleFile is one downloadable file in a finished task's bundle.
type BundleFile struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
}

// ListBundleFiles returns the files available for a finished task.
func (c *AppEEARSClient) ListBundleFiles(ctx context.Context, taskID string) ([]BundleFile, error) {
	var payload struct {
		Files []BundleFile `json:"files"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("%s/bundle/%s", c.baseURL, taskID), &payload); err != nil {
		return nil, err
	}
	return payload.Files, nil
}

// DownloadFile streams one bundle file into destDir. The server-provided
// Content-Disposition filename wins over fallbackName when present.
func (c *AppEEARSClient) DownloadFile(ctx context.Context, taskID, fileID, destDir, fallbackName string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/bundle/%s/%s", c.baseURL, taskID, fileID), nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to build bundle request")
	}
	req.Header.Set("Authorization", c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(errors.ErrDownloadFailed, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", errors.Wrapf(errors.ErrDownloadFailed,
			"bundle file %s returned status %d", fileID, resp.StatusCode)
	}

	name := fallbackName
	if disposition := resp.Header.Get("Content-Disposition"); disposition != "" {
		if _, params, parseErr := mime.ParseMediaType(disposition); parseErr == nil {
			if fn := params["filename"]; fn != "" {
				name = filepath.Base(fn)
			}
		}
	}
	if name == "" {
		name = fileID
	}

	path := filepath.Join(destDir, name)
	if err := fsutil.EnsureFileDir(path); err != nil {
		return "", err
	}
	out, err := fsutil.CreateFilePerm(path, fsutil.FileModeDefault)
	if err != nil {
		return "", errors.Wrapf(err, "failed to create %s", path)
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, resp.Body); err != nil {
		_ = os.Remove(path)
		return "", errors.Wrapf(errors.ErrDownloadFailed, "failed to stream %s: %v", fileID, err)
	}
	return path, nil
}

func (c *AppEEARSClient) getJSON(ctx context.Context, url string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Authorization", c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrTaskFailed, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return errors.Wrapf(errors.ErrTaskFailed, "%s returned status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}
