package opensprinkler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/sprinkler-bridge/internal/config"
)

type recordedRequest struct {
	path  string
	query string
}

type requestLog struct {
	mu       sync.Mutex
	requests []recordedRequest
}

func (l *requestLog) add(r *http.Request) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requests = append(l.requests, recordedRequest{path: r.URL.Path, query: r.URL.RawQuery})
}

func (l *requestLog) all() []recordedRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]recordedRequest(nil), l.requests...)
}

func newTestClient(t *testing.T, status int, body string) (*Client, *requestLog) {
	t.Helper()
	requests := &requestLog{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.add(r)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	client, err := NewClient(Options{Host: srv.URL, PasswordHash: "password"})
	require.NoError(t, err)
	return client, requests
}

func TestInfo_FormatsFields(t *testing.T) {
	client, requests := newTestClient(t, http.StatusOK,
		`{"options":{"fwv":219,"hwv":64},"settings":{"mac":"BA:BA:BA:BA:BA:BA","loc":"xx.xxxx"}}`)

	info, err := client.Info(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "2.1.9", info.FirmwareVersion)
	assert.Equal(t, "OSPi", info.HardwareVersion)
	assert.Equal(t, "BA:BA:BA:BA:BA:BA", info.DeviceIdentifier)
	require.Len(t, requests.all(), 1)
	assert.Equal(t, "/ja", requests.all()[0].path)
	assert.Equal(t, "pw=password", requests.all()[0].query)
}

func TestInfo_HardwareVersions(t *testing.T) {
	tests := []struct {
		hwv  string
		want string
	}{
		{`"some string"`, "some string"},
		{`64`, "OSPi"},
		{`128`, "OSBo"},
		{`192`, "Linux"},
		{`255`, "Demo"},
		{`2`, "0.2"},
		{`23`, "2.3"},
	}

	for _, tt := range tests {
		t.Run(tt.hwv, func(t *testing.T) {
			client, _ := newTestClient(t, http.StatusOK,
				`{"options":{"fwv":219,"hwv":`+tt.hwv+`},"settings":{"mac":"BA:BA:BA:BA:BA:BA"}}`)

			info, err := client.Info(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, info.HardwareVersion)
		})
	}
}

func TestInfo_IdentifierFallbacks(t *testing.T) {
	client, _ := newTestClient(t, http.StatusOK, `{"options":{"fwv":219,"hwv":64},"settings":{"loc":"52.37,4.89"}}`)
	info, err := client.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "52.37,4.89", info.DeviceIdentifier)

	client, _ = newTestClient(t, http.StatusOK, `{"options":{"fwv":219,"hwv":64},"settings":{}}`)
	_, err = client.Info(context.Background())
	var cfgErr *config.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))

	client.deviceID = "garden-controller"
	info, err = client.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "garden-controller", info.DeviceIdentifier)
}

func TestFormatFirmware(t *testing.T) {
	assert.Equal(t, "2.1.9", FormatFirmware(219))
	assert.Equal(t, "2.2.0", FormatFirmware(220))
}

func TestCheckSupport(t *testing.T) {
	client, requests := newTestClient(t, http.StatusOK, `{"fwv":216}`)
	ok, err := client.CheckSupport(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "/jo", requests.all()[0].path)

	client, _ = newTestClient(t, http.StatusOK, `{"fwv":215}`)
	ok, err = client.CheckSupport(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSystemStatus_DecodesRawPayload(t *testing.T) {
	client, _ := newTestClient(t, http.StatusOK, `{
		"status": {"sn": [1, 0]},
		"settings": {"ps": [[0, 30, 123456], [1, 0, 123456, 0]], "rd": 1},
		"programs": {"pd": [[49, 127, 0, [480, 0, 0, 0], [300, 300], "Lawn"]]}
	}`)

	payload, err := client.SystemStatus(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int{1, 0}, payload.Status.Stations)
	assert.Equal(t, []ProgramState{{ProgramID: 0, Remaining: 30, StartTime: 123456}, {ProgramID: 1, Remaining: 0, StartTime: 123456}}, payload.Settings.ProgramStates)
	assert.Equal(t, 1, payload.Settings.RainDelay)
	require.Len(t, payload.Programs.Data, 1)
	assert.Equal(t, 49, payload.Programs.Data[0].Flag)
}

func TestSystemStatus_MalformedPayload(t *testing.T) {
	client, _ := newTestClient(t, http.StatusOK, `{"settings":{"ps":[[0]]}}`)

	_, err := client.SystemStatus(context.Background())
	var protoErr *ProtocolError
	require.True(t, errors.As(err, &protoErr))
	assert.Equal(t, "ja", protoErr.Endpoint)
}

func TestSystemStatus_BadPassword(t *testing.T) {
	client, _ := newTestClient(t, http.StatusOK, `{"result":2}`)

	_, err := client.SystemStatus(context.Background())
	var rejected *CommandRejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, 2, rejected.Result)
}

func TestSetValve_Parameters(t *testing.T) {
	tests := []struct {
		name   string
		enable bool
		want   string
	}{
		{"turning on", true, "pw=password&sid=0&en=1&t=300"},
		{"turning off", false, "pw=password&sid=0&en=0&t=300"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, requests := newTestClient(t, http.StatusOK, `{"result":1}`)

			require.NoError(t, client.SetValve(context.Background(), tt.enable, 0, 300))
			require.Len(t, requests.all(), 1)
			assert.Equal(t, "/cm", requests.all()[0].path)
			assert.Equal(t, tt.want, requests.all()[0].query)
		})
	}
}

func TestSetValve_Rejected(t *testing.T) {
	client, _ := newTestClient(t, http.StatusOK, `{"result":2}`)

	err := client.SetValve(context.Background(), false, 0, 300)
	var rejected *CommandRejectedError
	require.True(t, errors.As(err, &rejected))
	assert.True(t, strings.HasPrefix(err.Error(), "failed to set valve"))
}

func TestSetValve_TransportFailure(t *testing.T) {
	client, _ := newTestClient(t, http.StatusInternalServerError, "Some error message")

	err := client.SetValve(context.Background(), false, 0, 300)
	var transportErr *TransportError
	require.True(t, errors.As(err, &transportErr))
	assert.Equal(t, http.StatusInternalServerError, transportErr.StatusCode)
	assert.Equal(t, "request to cm failed. status code: 500 message: Some error message", err.Error())
}

func TestSetValve_MissingResult(t *testing.T) {
	client, _ := newTestClient(t, http.StatusOK, `{}`)

	err := client.SetValve(context.Background(), true, 1, 60)
	var protoErr *ProtocolError
	assert.True(t, errors.As(err, &protoErr))
}

func TestSetValve_TimeoutIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(map[string]int{"result": 1})
	}))
	defer srv.Close()

	client, err := NewClient(Options{Host: srv.URL, PasswordHash: "password", Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	err = client.SetValve(context.Background(), true, 0, 60)
	var transportErr *TransportError
	require.True(t, errors.As(err, &transportErr))
	assert.Equal(t, 0, transportErr.StatusCode)
}

func TestSetRainDelay(t *testing.T) {
	client, requests := newTestClient(t, http.StatusOK, `{"result":1}`)

	require.NoError(t, client.SetRainDelay(context.Background(), 24))
	assert.Equal(t, "/cv", requests.all()[0].path)
	assert.Equal(t, "pw=password&rd=24", requests.all()[0].query)

	require.NoError(t, client.SetRainDelay(context.Background(), 0))
	assert.Equal(t, "pw=password&rd=0", requests.all()[1].query)

	assert.Error(t, client.SetRainDelay(context.Background(), -1))
}

func TestSetRainDelay_Rejected(t *testing.T) {
	client, _ := newTestClient(t, http.StatusOK, `{"result":3}`)

	err := client.SetRainDelay(context.Background(), 24)
	var rejected *CommandRejectedError
	require.True(t, errors.As(err, &rejected))
	assert.True(t, strings.HasPrefix(err.Error(), "failed to set rain delay"))
}

func TestNewClient_RequiresHost(t *testing.T) {
	_, err := NewClient(Options{})
	var cfgErr *config.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))

	client, err := NewClient(Options{Host: "192.168.1.50/"})
	require.NoError(t, err)
	assert.Equal(t, "http://192.168.1.50", client.baseURL)
}
