package telephony

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

type Config struct {
	AccountSID  string
	AuthToken   string
	PhoneNumber string
	// RecordCalls turns on Twilio recording for outbound calls.
	RecordCalls bool
}

// OutboundCall describes a call to place.
type OutboundCall struct {
	To string
	// AnswerURL is fetched by Twilio for TwiML once the callee answers.
	AnswerURL         string
	StatusCallback    string
	RecordingCallback string
}

// Client wraps the Twilio REST API.
type Client struct {
	config     Config
	api        *twilio.RestClient
	httpClient *http.Client
}

func NewClient(config Config) *Client {
	api := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: config.AccountSID,
		Password: config.AuthToken,
	})
	return &Client{
		config:     config,
		api:        api,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) configured() error {
	if c.config.AccountSID == "" || c.config.AuthToken == "" {
		return fmt.Errorf("missing Twilio credentials: TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN required")
	}
	return nil
}

// PlaceCall dials call.To from the configured number and returns the call SID.
func (c *Client) PlaceCall(_ context.Context, call OutboundCall) (string, error) {
	if err := c.configured(); err != nil {
		return "", err
	}
	if c.config.PhoneNumber == "" {
		return "", fmt.Errorf("missing TWILIO_PHONE_NUMBER")
	}

	params := &twilioApi.CreateCallParams{}
	params.SetTo(call.To)
	params.SetFrom(c.config.PhoneNumber)
	params.SetUrl(call.AnswerURL)
	params.SetMethod("POST")
	if call.StatusCallback != "" {
		params.SetStatusCallback(call.StatusCallback)
		params.SetStatusCallbackMethod("POST")
		params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})
	}
	if c.config.RecordCalls {
		params.SetRecord(true)
		if call.RecordingCallback != "" {
			params.SetRecordingStatusCallback(call.RecordingCallback)
			params.SetRecordingStatusCallbackMethod("POST")
			params.SetRecordingStatusCallbackEvent([]string{"completed"})
		}
	}

	resp, err := c.api.Api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("failed to create call: %w", err)
	}
	if resp.Sid == nil {
		return "", fmt.Errorf("twilio returned no call sid")
	}
	return *resp.Sid, nil
}

// EndCall hangs up an in-progress call.
func (c *Client) EndCall(_ context.Context, callSID string) error {
	if err := c.configured(); err != nil {
		return err
	}
	params := &twilioApi.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := c.api.Api.UpdateCall(callSID, params); err != nil {
		return fmt.Errorf("failed to end call %s: %w", callSID, err)
	}
	return nil
}

// DownloadRecording fetches the WAV rendition of a Twilio recording.
func (c *Client) DownloadRecording(ctx context.Context, recordingURL string) ([]byte, error) {
	if err := c.configured(); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, recordingURL+".wav", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request to Twilio recording URL: %w", err)
	}
	req.SetBasicAuth(c.config.AccountSID, c.config.AuthToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download recording: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		bodyPreview, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("failed to download recording, status %d: %s", resp.StatusCode, string(bodyPreview))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read recording: %w", err)
	}
	return data, nil
}
