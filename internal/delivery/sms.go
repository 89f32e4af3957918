package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/albapepper/subwatch/internal/domain"
)

const (
	channelSMS        = "sms"
	twilioBaseURL     = "https://api.twilio.com"
	defaultSMSPerMin  = 60
	twilioHTTPTimeout = 30 * time.Second
)

// TwilioConfig configures the SMS channel.
type TwilioConfig struct {
	AccountSID        string
	AuthToken         string
	From              string
	RequestsPerMinute int
	BaseURL           string // overridable for tests
}

// SMS sends text messages through the Twilio Messages REST endpoint.
// Rate limiting is handled via a token bucket limiter.
type SMS struct {
	httpClient *http.Client
	baseURL    string
	sid        string
	token      string
	from       string
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewSMS creates the SMS channel. Returns nil if Twilio is not configured
// (SMS disabled).
func NewSMS(cfg TwilioConfig, logger *slog.Logger) *SMS {
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.From == "" {
		return nil
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = defaultSMSPerMin
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = twilioBaseURL
	}
	rps := float64(cfg.RequestsPerMinute) / 60.0
	return &SMS{
		httpClient: &http.Client{Timeout: twilioHTTPTimeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		sid:        cfg.AccountSID,
		token:      cfg.AuthToken,
		from:       cfg.From,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		logger:     logger,
	}
}

// twilioError is the error body returned by the Twilio API.
type twilioError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Send texts c.Short to the recipient's phone. 4xx responses (invalid or
// unreachable number) are permanent, except 429; 5xx and network errors
// are transient.
func (s *SMS) Send(ctx context.Context, to domain.User, kind domain.AlertKind, c Content) error {
	if to.Phone == "" {
		return Permanent(channelSMS, fmt.Errorf("user %s has no phone number", to.ID))
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return Transient(channelSMS, fmt.Errorf("rate limit wait: %w", err))
	}

	form := url.Values{}
	form.Set("To", to.Phone)
	form.Set("From", s.from)
	form.Set("Body", c.Short)

	u := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", s.baseURL, url.PathEscape(s.sid))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return Transient(channelSMS, fmt.Errorf("create request: %w", err))
	}
	req.SetBasicAuth(s.sid, s.token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Transient(channelSMS, fmt.Errorf("http request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Transient(channelSMS, fmt.Errorf("read response body: %w", err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		s.logger.Debug("sms sent", "to", to.ID, "kind", kind.String())
		return nil
	}

	var te twilioError
	_ = json.Unmarshal(body, &te)
	err = fmt.Errorf("twilio returned %d (code %d): %s", resp.StatusCode, te.Code, te.Message)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return Permanent(channelSMS, err)
	}
	return Transient(channelSMS, err)
}
