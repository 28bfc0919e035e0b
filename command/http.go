// Package command sends device commands over HTTP, Kafka or AMQP.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shogotsuneto/go-async-command"
)

const (
	// RequestIDHeader carries the id that later status updates are correlated by.
	RequestIDHeader = "x-ms-request-id"
	// StatusHeader carries the status code returned by the device itself.
	StatusHeader = "x-ms-command-statuscode"

	defaultAPIVersion = "2019-07-01-preview"
)

// CommandPath returns the REST path a command is posted to.
func CommandPath(deviceID, interfaceName, commandName string) string {
	return "/digitalTwins/" + url.PathEscape(deviceID) +
		"/interfaces/" + url.PathEscape(interfaceName) +
		"/commands/" + url.PathEscape(commandName)
}

// HTTPConfig configures an HTTPInvoker.
type HTTPConfig struct {
	BaseURL string
	// Authorization is sent verbatim as the Authorization header when set
	Authorization string
	APIVersion    string
	// Timeout bounds one attempt including the device's immediate response (default 30s)
	Timeout          time.Duration
	RetryMax         int
	RetryStatusCodes []int
	// RetryBase is the exponent base in seconds for retry delays (default 1.5)
	RetryBase float64
}

func (c *HTTPConfig) withDefaults() {
	if c.APIVersion == "" {
		c.APIVersion = defaultAPIVersion
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RetryStatusCodes == nil {
		c.RetryStatusCodes = []int{http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout}
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 1.5
	}
}

func (c HTTPConfig) Validate() error {
	if c.BaseURL == "" {
		return errors.New("http base url is required")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("http base url: %w", err)
	}
	if c.RetryMax < 0 {
		return errors.New("http retry max must be >= 0")
	}
	return nil
}

// StatusError is returned when the service rejects a command.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("command rejected with status %d: %s", e.StatusCode, e.Body)
}

// HTTPInvoker posts commands to a digital-twin style REST endpoint.
type HTTPInvoker struct {
	cfg    HTTPConfig
	client *http.Client
}

// Compile-time interface compliance check
var _ asynccmd.Invoker = (*HTTPInvoker)(nil)

// NewHTTPInvoker creates an invoker whose transport retries throttled and unavailable responses.
func NewHTTPInvoker(cfg HTTPConfig) (*HTTPInvoker, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &HTTPInvoker{
		cfg: cfg,
		client: &http.Client{
			Transport: WrapWithRetries(http.DefaultTransport, cfg.RetryStatusCodes, cfg.RetryMax, cfg.RetryBase),
			Timeout:   cfg.Timeout,
		},
	}, nil
}

// InvokeCommand posts the command and returns the device's immediate response.
func (h *HTTPInvoker) InvokeCommand(ctx context.Context, req asynccmd.CommandRequest) (asynccmd.CommandResponse, error) {
	if err := validateRequest(req); err != nil {
		return asynccmd.CommandResponse{}, err
	}

	endpoint := strings.TrimSuffix(h.cfg.BaseURL, "/") + CommandPath(req.DeviceID, req.InterfaceName, req.CommandName) +
		"?api-version=" + url.QueryEscape(h.cfg.APIVersion)

	var body io.Reader
	if len(req.Payload) > 0 {
		body = bytes.NewReader(req.Payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return asynccmd.CommandResponse{}, fmt.Errorf("build command request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if h.cfg.Authorization != "" {
		httpReq.Header.Set("Authorization", h.cfg.Authorization)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return asynccmd.CommandResponse{}, fmt.Errorf("post command: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return asynccmd.CommandResponse{}, fmt.Errorf("read command response: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return asynccmd.CommandResponse{}, &StatusError{StatusCode: resp.StatusCode, Body: string(payload)}
	}

	requestID := resp.Header.Get(RequestIDHeader)
	if requestID == "" {
		return asynccmd.CommandResponse{}, errors.New("command response carries no request id")
	}
	status := resp.StatusCode
	if v := resp.Header.Get(StatusHeader); v != "" {
		if status, err = strconv.Atoi(v); err != nil {
			return asynccmd.CommandResponse{}, fmt.Errorf("malformed %s header %q", StatusHeader, v)
		}
	}
	if len(payload) == 0 {
		payload = nil
	}
	return asynccmd.CommandResponse{RequestID: requestID, Status: status, Payload: payload}, nil
}

func validateRequest(req asynccmd.CommandRequest) error {
	if req.DeviceID == "" {
		return errors.New("device id is required")
	}
	if req.CommandName == "" {
		return errors.New("command name is required")
	}
	return nil
}
