package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"otp-auth-service/internal/config"
	"otp-auth-service/internal/model"
	"otp-auth-service/internal/util"
)

// KavenegarNotifier delivers codes through the Kavenegar REST API,
// using the verify lookup endpoint for SMS and maketts for voice.
type KavenegarNotifier struct {
	apiKey   string
	template string
	baseURL  string
	client   *http.Client
}

type kavenegarResponse struct {
	Return struct {
		Status  int    `json:"status"`
		Message string `json:"message"`
	} `json:"return"`
	Entries []struct {
		MessageID  int64  `json:"messageid"`
		Status     int    `json:"status"`
		StatusText string `json:"statustext"`
	} `json:"entries"`
}

func NewKavenegarNotifier(cfg *config.KavenegarConfig) *KavenegarNotifier {
	return &KavenegarNotifier{
		apiKey:   cfg.APIKey,
		template: cfg.OTPTemplate,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Send dispatches the code and returns the provider message id.
func (n *KavenegarNotifier) Send(ctx context.Context, phoneNumber, code, channel string) (string, error) {
	endpoint := fmt.Sprintf("%s/v1/%s/verify/lookup.json", n.baseURL, n.apiKey)

	params := url.Values{}
	params.Set("receptor", phoneNumber)
	params.Set("token", code)
	params.Set("template", n.template)
	if channel == model.ChannelVoice {
		endpoint = fmt.Sprintf("%s/v1/%s/call/maketts.json", n.baseURL, n.apiKey)
		params = url.Values{}
		params.Set("receptor", phoneNumber)
		params.Set("message", ttsMessage(code))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(params.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build provider request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req)
	if err != nil {
		util.Error("Provider request failed",
			zap.String("channel", channel),
			zap.Error(err))
		return "", fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	var body kavenegarResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode provider response: %w", err)
	}

	if resp.StatusCode != http.StatusOK || body.Return.Status != 200 {
		util.Error("Provider rejected message",
			zap.Int("http_status", resp.StatusCode),
			zap.Int("provider_status", body.Return.Status),
			zap.String("provider_message", body.Return.Message))
		return "", fmt.Errorf("provider rejected message: %s", body.Return.Message)
	}

	if len(body.Entries) == 0 {
		return "", fmt.Errorf("provider returned no entries")
	}

	messageID := fmt.Sprintf("%d", body.Entries[0].MessageID)
	util.Info("OTP dispatched",
		zap.String("channel", channel),
		zap.String("provider_message_id", messageID))

	return messageID, nil
}

// ttsMessage spaces out the digits so the TTS engine reads them one
// at a time.
func ttsMessage(code string) string {
	spaced := strings.Join(strings.Split(code, ""), " ")
	return fmt.Sprintf("کد تایید شما %s", spaced)
}
