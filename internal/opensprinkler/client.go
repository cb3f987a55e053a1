// Package opensprinkler talks to an OpenSprinkler controller over its HTTP
// JSON API. The client is stateless apart from connection parameters and is
// safe for concurrent use by the poll loop and command paths.
package opensprinkler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/sprinkler-bridge/internal/config"
	"github.com/thatsimonsguy/sprinkler-bridge/internal/model"
)

const (
	DefaultTimeout = 10 * time.Second

	// MinSupportedFirmware is the first firmware that serves the aggregate
	// "ja" endpoint the bridge polls.
	MinSupportedFirmware = 216

	endpointAll       = "ja"
	endpointOptions   = "jo"
	endpointSetValve  = "cm"
	endpointVariables = "cv"
)

type Options struct {
	Host         string
	PasswordHash string
	Timeout      time.Duration
	// DeviceID is used as the device identifier when the controller reports
	// neither a MAC address nor a location.
	DeviceID string
}

type Client struct {
	baseURL    string
	password   string
	deviceID   string
	httpClient *http.Client
}

type param struct {
	key   string
	value string
}

func NewClient(opts Options) (*Client, error) {
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		return nil, &config.ConfigurationError{Problems: []string{"host is required"}}
	}
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "http://" + host
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:  strings.TrimRight(host, "/"),
		password: opts.PasswordHash,
		deviceID: strings.TrimSpace(opts.DeviceID),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Info reads firmware, hardware and identity fields from the controller.
func (c *Client) Info(ctx context.Context) (model.DeviceInfo, error) {
	var payload AllPayload
	if err := c.getJSON(ctx, endpointAll, &payload); err != nil {
		return model.DeviceInfo{}, err
	}

	id := strings.TrimSpace(payload.Settings.MAC)
	if id == "" {
		id = strings.TrimSpace(payload.Settings.Location)
	}
	if id == "" {
		id = c.deviceID
	}
	if id == "" {
		return model.DeviceInfo{}, &config.ConfigurationError{Problems: []string{
			"controller reports neither a mac address nor a location; set device_id",
		}}
	}

	return model.DeviceInfo{
		FirmwareVersion:  FormatFirmware(payload.Options.FirmwareVersion),
		HardwareVersion:  payload.Options.HardwareVersion.String(),
		DeviceIdentifier: id,
	}, nil
}

// CheckSupport reports whether the controller firmware serves the aggregate
// status endpoint.
func (c *Client) CheckSupport(ctx context.Context) (bool, error) {
	var opts DeviceOptions
	if err := c.getJSON(ctx, endpointOptions, &opts); err != nil {
		return false, err
	}
	return opts.FirmwareVersion >= MinSupportedFirmware, nil
}

// SystemStatus fetches the raw aggregate status. No interpretation happens here.
func (c *Client) SystemStatus(ctx context.Context) (*AllPayload, error) {
	var payload AllPayload
	if err := c.getJSON(ctx, endpointAll, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// SetValve turns a station on for durationSeconds, or off.
func (c *Client) SetValve(ctx context.Context, enable bool, index, durationSeconds int) error {
	en := "0"
	if enable {
		en = "1"
	}
	return c.command(ctx, endpointSetValve, "set valve",
		param{"sid", strconv.Itoa(index)},
		param{"en", en},
		param{"t", strconv.Itoa(durationSeconds)},
	)
}

// SetRainDelay suspends programs for the given number of hours. Zero cancels
// an active delay.
func (c *Client) SetRainDelay(ctx context.Context, hours int) error {
	if hours < 0 {
		return fmt.Errorf("rain delay hours must not be negative: %d", hours)
	}
	return c.command(ctx, endpointVariables, "set rain delay", param{"rd", strconv.Itoa(hours)})
}

func (c *Client) command(ctx context.Context, endpoint, name string, params ...param) error {
	body, err := c.get(ctx, endpoint, params...)
	if err != nil {
		return err
	}
	var res commandResult
	if err := json.Unmarshal(body, &res); err != nil {
		return &ProtocolError{Endpoint: endpoint, Err: err}
	}
	if res.Result == nil {
		return &ProtocolError{Endpoint: endpoint, Err: errors.New("missing result field")}
	}
	if *res.Result != successResult {
		return &CommandRejectedError{Command: name, Result: *res.Result}
	}
	log.Debug().Str("endpoint", endpoint).Msg("Controller acknowledged command")
	return nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, dest any) error {
	body, err := c.get(ctx, endpoint)
	if err != nil {
		return err
	}

	// A bad password is answered with 200 and a bare result code.
	var res commandResult
	if json.Unmarshal(body, &res) == nil && res.Result != nil && *res.Result != successResult {
		return &CommandRejectedError{Command: "read " + endpoint, Result: *res.Result}
	}

	if err := json.Unmarshal(body, dest); err != nil {
		return &ProtocolError{Endpoint: endpoint, Err: err}
	}
	return nil
}

func (c *Client) get(ctx context.Context, endpoint string, params ...param) ([]byte, error) {
	endpointURL := c.baseURL + "/" + endpoint + "?" + encodeQuery(c.password, params)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpointURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &TransportError{
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}
	return body, nil
}

// encodeQuery keeps pw first and the remaining parameters in call order.
func encodeQuery(password string, params []param) string {
	var sb strings.Builder
	sb.WriteString("pw=")
	sb.WriteString(url.QueryEscape(password))
	for _, p := range params {
		sb.WriteByte('&')
		sb.WriteString(url.QueryEscape(p.key))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(p.value))
	}
	return sb.String()
}

// FormatFirmware turns the controller's integer firmware version (219) into
// dotted form ("2.1.9").
func FormatFirmware(fwv int) string {
	digits := strconv.Itoa(fwv)
	return strings.Join(strings.Split(digits, ""), ".")
}
