/**
 * OCR Client
 *
 * Submits documents and rendered pages to the remote OCR / document
 * understanding service:
 * - POST ocr/doc      -> text items with provenance (document.ParsedDocument)
 * - POST ocr/invoice  -> loosely-typed invoice fields (invoice.Response)
 *
 * Both endpoints take a single multipart part named "file" with a filename.
 * The server rejects parts without one.
 *
 * One OCRClient is meant to be shared: its http.Client pools connections and
 * is safe for concurrent requests.
 */

package clients

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/adverant/nexus/ocr-client/internal/document"
	"github.com/adverant/nexus/ocr-client/internal/errors"
	"github.com/adverant/nexus/ocr-client/internal/invoice"
	"github.com/adverant/nexus/ocr-client/internal/logging"
	"github.com/google/uuid"
)

const (
	docPath     = "ocr/doc"
	invoicePath = "ocr/invoice"

	// Filenames for anonymous image submissions.
	AnonymousPNG  = "[unknown].png"
	AnonymousJPEG = "[unknown].jpg"

	// Invoice pages are sent as JPEG at this quality.
	InvoiceJPEGQuality = 90

	defaultTimeout = 120 * time.Second
)

// OCRClient handles communication with the remote OCR service
type OCRClient struct {
	baseURL    *url.URL
	httpClient *http.Client
	logger     *logging.Logger
}

// Option configures an OCRClient.
type Option func(*OCRClient)

// WithTimeout sets the per-request timeout. Timeouts surface as Transport errors.
func WithTimeout(d time.Duration) Option {
	return func(c *OCRClient) {
		c.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the default TLS-configured client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *OCRClient) {
		c.httpClient = hc
	}
}

// WithLogger sets the client logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *OCRClient) {
		c.logger = l
	}
}

// NewOCRClient creates a new OCR client. addr may omit the scheme: loopback
// hosts get http://, everything else https://.
func NewOCRClient(addr string, opts ...Option) (*OCRClient, error) {
	base, err := ParseBaseURL(addr)
	if err != nil {
		return nil, err
	}

	c := &OCRClient{
		baseURL: base,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logging.NewLogger("OCRClient"),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// ParseBaseURL normalizes a server address into a base URL whose path ends
// in "/", so relative endpoint paths resolve beneath it.
func ParseBaseURL(addr string) (*url.URL, error) {
	raw := strings.TrimSpace(addr)
	if raw == "" {
		return nil, errors.NewInvalidEndpointError(addr, fmt.Errorf("empty address"))
	}

	if !strings.Contains(raw, "://") {
		if isLoopback(raw) {
			raw = "http://" + raw
		} else {
			raw = "https://" + raw
		}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.NewInvalidEndpointError(addr, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.NewInvalidEndpointError(addr, fmt.Errorf("unsupported scheme %q", u.Scheme))
	}
	if u.Host == "" {
		return nil, errors.NewInvalidEndpointError(addr, fmt.Errorf("missing host"))
	}

	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return u, nil
}

func isLoopback(hostPort string) bool {
	host := hostPort
	if i := strings.IndexAny(host, "/?#"); i >= 0 {
		host = host[:i]
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")

	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// BaseURL returns the normalized base URL.
func (c *OCRClient) BaseURL() string {
	return c.baseURL.String()
}

// SubmitDocument uploads a document (PDF or image bytes) to ocr/doc.
// An empty filename is replaced by the anonymous PNG name; typeHint sets the
// part's Content-Type and defaults to application/octet-stream.
func (c *OCRClient) SubmitDocument(ctx context.Context, data []byte, filename, typeHint string) (*document.ParsedDocument, error) {
	if filename == "" {
		filename = AnonymousPNG
	}
	return postMultipart[document.ParsedDocument](ctx, c, docPath, data, filename, typeHint)
}

// SubmitImage PNG-encodes img and OCRs it through ocr/doc.
func (c *OCRClient) SubmitImage(ctx context.Context, img image.Image) (*document.ParsedDocument, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, errors.NewImageEncodeError("png", err)
	}
	return c.SubmitDocument(ctx, buf.Bytes(), AnonymousPNG, "image/png")
}

// SubmitInvoiceImage JPEG-encodes a rendered page and asks ocr/invoice for
// invoice header fields.
func (c *OCRClient) SubmitInvoiceImage(ctx context.Context, img image.Image) (*invoice.Response, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: InvoiceJPEGQuality}); err != nil {
		return nil, errors.NewImageEncodeError("jpeg", err)
	}
	return postMultipart[invoice.Response](ctx, c, invoicePath, buf.Bytes(), AnonymousJPEG, "image/jpeg")
}

// HealthCheck verifies the OCR server answers on its base URL
func (c *OCRClient) HealthCheck(ctx context.Context) error {
	endpoint := c.baseURL.String()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return errors.NewInvalidEndpointError(endpoint, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.NewTransportError(endpoint, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return errors.NewTransportError(endpoint, fmt.Errorf("health check returned HTTP %d", resp.StatusCode))
	}
	return nil
}

// postMultipart uploads data as the "file" part and decodes a 2xx body as T.
// Any other status is decoded as RemoteError and returned as RemoteRejected.
func postMultipart[T any](ctx context.Context, c *OCRClient, path string, data []byte, filename, contentType string) (*T, error) {
	endpoint := c.baseURL.ResolveReference(&url.URL{Path: path}).String()

	body, formType, err := buildForm(data, filename, contentType)
	if err != nil {
		return nil, errors.NewTransportError(endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, errors.NewInvalidEndpointError(endpoint, err)
	}
	requestID := uuid.New().String()
	req.Header.Set("Content-Type", formType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)

	startTime := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("OCR request failed", "endpoint", endpoint, "request_id", requestID, "duration", time.Since(startTime), "error", err)
		return nil, errors.NewTransportError(endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.NewTransportError(endpoint, fmt.Errorf("failed to read response body: %w", err))
	}

	c.logger.Debug("OCR request completed", "endpoint", endpoint, "request_id", requestID,
		"status", resp.StatusCode, "bytes_sent", len(data), "duration", time.Since(startTime))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var remote RemoteError
		if err := json.Unmarshal(respBody, &remote); err != nil {
			return nil, errors.NewMalformedResponseError(endpoint, resp.StatusCode, err)
		}
		return nil, errors.NewRemoteRejectedError(endpoint, resp.StatusCode, &RejectedError{
			StatusCode: resp.StatusCode,
			Remote:     remote,
		})
	}

	var result T
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, errors.NewMalformedResponseError(endpoint, resp.StatusCode, err)
	}

	return &result, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func buildForm(data []byte, filename, contentType string) (io.Reader, string, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, quoteEscaper.Replace(filename)))
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", fmt.Errorf("failed to write file data to form: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &body, writer.FormDataContentType(), nil
}
