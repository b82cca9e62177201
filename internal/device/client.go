package device

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"

	"github.com/tinklink/tinkctl/internal/logger"
)

// maxBody caps how much of a response body is read when extracting an
// error detail. Device responses are small; this guards against a
// misbehaving proxy answering in the device's place.
const maxBody = 4 << 10

// HTTPClient is the transport used by Client. It is an interface so
// tests can substitute a mock without a listening server.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to one device over its plain-HTTP control API. Deadlines
// are applied per call through the context; the underlying transport
// carries no global timeout so long uploads are not cut short.
type Client struct {
	host string
	http HTTPClient
	log  *logger.Logger
}

// NewClient returns a client for the device at host (hostname or IP,
// no scheme).
func NewClient(host string, log *logger.Logger) *Client {
	return NewClientWith(host, &http.Client{}, log)
}

// NewClientWith returns a client using a custom HTTP transport.
func NewClientWith(host string, hc HTTPClient, log *logger.Logger) *Client {
	return &Client{host: host, http: hc, log: log}
}

// Host returns the device host this client targets.
func (c *Client) Host() string { return c.host }

func (c *Client) url(path string) string {
	return "http://" + c.host + path
}

// Ping probes the status endpoint to confirm the device is reachable
// and serving its API.
func (c *Client) Ping(ctx context.Context) error {
	const endpoint = "/api/status"
	resp, err := c.get(ctx, endpoint, "probe")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(endpoint, resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Status fetches the device status document.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var st Status
	if err := c.getJSON(ctx, "/api/status", "status", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// FetchLogs returns up to count entries starting at sequence position
// since. The device answers with the page plus the running total for
// the current boot session.
func (c *Client) FetchLogs(ctx context.Context, since, count int) (*LogPage, error) {
	path := fmt.Sprintf("/api/logs?since=%d&count=%d", since, count)
	var page LogPage
	if err := c.getJSON(ctx, path, "fetch logs", &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// ClearLogs empties the device's in-memory log buffer.
func (c *Client) ClearLogs(ctx context.Context) error {
	const endpoint = "/api/logs?clear=1"
	resp, err := c.get(ctx, endpoint, "clear logs")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(endpoint, resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// BackupConfig fetches the device's persisted config sections as an
// opaque document suitable for RestoreConfig.
func (c *Client) BackupConfig(ctx context.Context) (Backup, error) {
	var b Backup
	if err := c.getJSON(ctx, "/api/config/backup", "config backup", &b); err != nil {
		return nil, err
	}
	return b, nil
}

// RestoreConfig posts a previously captured backup document back to the
// device.
func (c *Client) RestoreConfig(ctx context.Context, backup Backup) error {
	const endpoint = "/api/config/restore"
	payload, err := json.Marshal(backup)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(endpoint), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.log.Debugf("POST %s (%d bytes)", endpoint, len(payload))
	resp, err := c.http.Do(req)
	if err != nil {
		return classify(c.host, "config restore", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(endpoint, resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Upload streams the target binary to the OTA endpoint as a multipart
// form. The request carries an exact Content-Length because the device
// derives its flash progress from it. Returns the device's completion
// message, if it sent one.
func (c *Client) Upload(ctx context.Context, target *UploadTarget) (string, error) {
	const endpoint = "/api/ota/upload"
	file, err := os.Open(target.Path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	body, contentType, total, err := multipartBody(target, file)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(endpoint), body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = total

	c.log.Debugf("POST %s mode=%s size=%d", endpoint, target.Mode.Wire(), total)
	resp, err := c.http.Do(req)
	if err != nil {
		return "", classify(c.host, "upload", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", statusError(endpoint, resp)
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	var ack struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(raw, &ack)
	return ack.Message, nil
}

// OTAStatus fetches the device's flash progress report.
func (c *Client) OTAStatus(ctx context.Context) (*OTAStatus, error) {
	var st OTAStatus
	if err := c.getJSON(ctx, "/api/ota/status", "ota status", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Reboot asks the device to restart. The device begins rebooting as
// soon as it acknowledges, so the connection may drop before a full
// response arrives; callers treat errors here as advisory.
func (c *Client) Reboot(ctx context.Context) error {
	const endpoint = "/api/system/reboot"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(endpoint), http.NoBody)
	if err != nil {
		return err
	}
	c.log.Debugf("POST %s", endpoint)
	resp, err := c.http.Do(req)
	if err != nil {
		return classify(c.host, "reboot", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(endpoint, resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// get issues a GET and classifies transport errors. The caller owns the
// response body.
func (c *Client) get(ctx context.Context, path, op string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path), nil)
	if err != nil {
		return nil, err
	}
	c.log.Debugf("GET %s", path)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classify(c.host, op, err)
	}
	return resp, nil
}

// getJSON issues a GET and decodes a 200 response into out.
func (c *Client) getJSON(ctx context.Context, path, op string, out any) error {
	resp, err := c.get(ctx, path, op)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(path, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &DecodeError{Endpoint: path, Err: err}
	}
	return nil
}

// statusError builds a StatusError from a non-200 response, preferring
// the device's {"error": ...} message over the raw body.
func statusError(endpoint string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	detail := strings.TrimSpace(string(raw))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		detail = payload.Error
	}
	return &StatusError{Endpoint: endpoint, StatusCode: resp.StatusCode, Detail: detail}
}

// multipartBody assembles a multipart request without buffering the
// file. The form prologue and epilogue are rendered up front so the
// exact Content-Length is known; the file itself is streamed between
// them.
func multipartBody(target *UploadTarget, file *os.File) (io.Reader, string, int64, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("mode", target.Mode.Wire()); err != nil {
		return nil, "", 0, err
	}
	if _, err := mw.CreateFormFile("file", target.Name); err != nil {
		return nil, "", 0, err
	}
	headLen := buf.Len()
	if err := mw.Close(); err != nil {
		return nil, "", 0, err
	}
	head := buf.Bytes()[:headLen]
	tail := buf.Bytes()[headLen:]

	body := io.MultiReader(bytes.NewReader(head), file, bytes.NewReader(tail))
	total := int64(headLen) + target.Size + int64(len(tail))
	return body, mw.FormDataContentType(), total, nil
}
