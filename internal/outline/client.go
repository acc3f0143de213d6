package outline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client speaks to one Outline-style server management API over HTTPS.
// Management endpoints use self-signed certificates, so the connection is
// pinned to the SHA-256 fingerprint of the server certificate instead of
// relying on a CA chain.
type Client struct {
	APIURL     string
	CertSHA256 string
	httpClient *http.Client
	timeout    time.Duration
}

// AccessKey is a key as reported by the remote management API
type AccessKey struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Method    string     `json:"method"`
	AccessURL string     `json:"accessUrl"`
	DataLimit *DataLimit `json:"dataLimit,omitempty"`
}

// DataLimit is the remote per-key byte limit
type DataLimit struct {
	Bytes int64 `json:"bytes"`
}

// ServerInfo describes the remote server itself
type ServerInfo struct {
	Name      string `json:"name"`
	ServerID  string `json:"serverId"`
	Version   string `json:"version"`
	CreatedAt int64  `json:"createdTimestampMs"`
}

// ConnectionResult contains the result of a connection test
type ConnectionResult struct {
	Success  bool
	ErrorMsg string
	Info     *ServerInfo
}

// NewClient creates a client for one management endpoint. certSHA256 is the
// hex-encoded fingerprint of the server certificate; when empty, standard
// CA verification applies.
func NewClient(apiURL, certSHA256 string) *Client {
	timeout := 10 * time.Second

	tlsConfig := &tls.Config{}
	if certSHA256 != "" {
		expected := strings.ToLower(strings.ReplaceAll(certSHA256, ":", ""))
		tlsConfig.InsecureSkipVerify = true
		tlsConfig.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("server presented no certificate")
			}
			sum := sha256.Sum256(rawCerts[0])
			if hex.EncodeToString(sum[:]) != expected {
				return fmt.Errorf("certificate fingerprint mismatch")
			}
			return nil
		}
	}

	return &Client{
		APIURL:     strings.TrimRight(apiURL, "/"),
		CertSHA256: certSHA256,
		timeout:    timeout,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig:     tlsConfig,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     30 * time.Second,
			},
		},
	}
}

// TestConnection verifies reachability and authentication against the
// management API and returns basic server info on success.
func (c *Client) TestConnection(ctx context.Context) ConnectionResult {
	var result ConnectionResult

	var info ServerInfo
	if err := c.do(ctx, http.MethodGet, "/server", nil, &info); err != nil {
		result.ErrorMsg = fmt.Sprintf("Cannot reach server: %v", err)
		return result
	}

	result.Success = true
	result.Info = &info
	return result
}

// ListKeys returns the remote key inventory
func (c *Client) ListKeys(ctx context.Context) ([]AccessKey, error) {
	var resp struct {
		AccessKeys []AccessKey `json:"accessKeys"`
	}
	if err := c.do(ctx, http.MethodGet, "/access-keys", nil, &resp); err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return resp.AccessKeys, nil
}

// Metrics returns cumulative transferred bytes per remote key ID. The second
// return value is false when the server does not expose transfer metrics;
// that is not an error.
func (c *Client) Metrics(ctx context.Context) (map[string]int64, bool, error) {
	var resp struct {
		BytesTransferredByUserID map[string]int64 `json:"bytesTransferredByUserId"`
	}
	err := c.do(ctx, http.MethodGet, "/metrics/transfer", nil, &resp)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && (se.code == http.StatusNotFound || se.code == http.StatusNotImplemented) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("fetch metrics: %w", err)
	}
	return resp.BytesTransferredByUserID, true, nil
}

// CreateKey creates a new remote key
func (c *Client) CreateKey(ctx context.Context, name, method string) (*AccessKey, error) {
	body := map[string]string{}
	if name != "" {
		body["name"] = name
	}
	if method != "" {
		body["method"] = method
	}

	var key AccessKey
	if err := c.do(ctx, http.MethodPost, "/access-keys", body, &key); err != nil {
		return nil, fmt.Errorf("create key: %w", err)
	}

	// Older servers ignore the name in the create request
	if name != "" && key.Name != name {
		if err := c.RenameKey(ctx, key.ID, name); err == nil {
			key.Name = name
		}
	}

	return &key, nil
}

// DeleteKey removes a remote key. Deleting an already-absent key is a no-op.
func (c *Client) DeleteKey(ctx context.Context, id string) error {
	err := c.do(ctx, http.MethodDelete, "/access-keys/"+id, nil, nil)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("delete key %s: %w", id, err)
	}
	return nil
}

// SetDataLimit applies a per-key byte limit on the remote server
func (c *Client) SetDataLimit(ctx context.Context, id string, limitBytes int64) error {
	body := map[string]DataLimit{"limit": {Bytes: limitBytes}}
	if err := c.do(ctx, http.MethodPut, "/access-keys/"+id+"/data-limit", body, nil); err != nil {
		return fmt.Errorf("set data limit for key %s: %w", id, err)
	}
	return nil
}

// RemoveDataLimit clears the per-key byte limit on the remote server
func (c *Client) RemoveDataLimit(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, "/access-keys/"+id+"/data-limit", nil, nil); err != nil {
		return fmt.Errorf("remove data limit for key %s: %w", id, err)
	}
	return nil
}

// RenameKey changes the display name of a remote key
func (c *Client) RenameKey(ctx context.Context, id, name string) error {
	body := map[string]string{"name": name}
	if err := c.do(ctx, http.MethodPut, "/access-keys/"+id+"/name", body, nil); err != nil {
		return fmt.Errorf("rename key %s: %w", id, err)
	}
	return nil
}

// statusError carries a non-2xx response code
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body != "" {
		return fmt.Sprintf("server returned %d: %s", e.code, e.body)
	}
	return fmt.Sprintf("server returned %d", e.code)
}

// do performs one management API request with a per-call timeout and decodes
// the JSON response into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.APIURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(data))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}
