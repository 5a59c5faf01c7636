package channel

import (
	"context"
	"time"
)

type Config struct {
	SMSGatewayURL    string
	SMSGatewaySecret string
	EmailRelayURL    string
	EmailRelaySecret string
	TextGenURL       string
	TextGenSecret    string
	ReportAPIURL     string
	ReportAPISecret  string

	RequestTimeout time.Duration
	TextGenTimeout time.Duration
}

// SMSGateway sends text messages through the external SMS provider.
type SMSGateway struct{ c client }

func NewSMSGateway(cfg Config) *SMSGateway {
	return &SMSGateway{c: newClient(cfg.SMSGatewayURL, cfg.SMSGatewaySecret, cfg.RequestTimeout)}
}

func (g *SMSGateway) SendSMS(ctx context.Context, to, body string) error {
	return g.c.post(ctx, map[string]string{"to": to, "body": body}, nil)
}

// EmailRelay sends report emails through the portal's mail service.
type EmailRelay struct{ c client }

func NewEmailRelay(cfg Config) *EmailRelay {
	return &EmailRelay{c: newClient(cfg.EmailRelayURL, cfg.EmailRelaySecret, cfg.RequestTimeout)}
}

func (r *EmailRelay) SendEmail(ctx context.Context, to, subject, body string) error {
	return r.c.post(ctx, map[string]string{"to": to, "subject": subject, "body": body}, nil)
}

// TextGen asks the AI text service for coaching or announcement copy.
// Generation is slow; it gets its own, longer timeout.
type TextGen struct{ c client }

func NewTextGen(cfg Config) *TextGen {
	timeout := cfg.TextGenTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &TextGen{c: newClient(cfg.TextGenURL, cfg.TextGenSecret, timeout)}
}

// ReportAPI fetches rendered report payloads from the analytics service.
type ReportAPI struct{ c client }

func NewReportAPI(cfg Config) *ReportAPI {
	return &ReportAPI{c: newClient(cfg.ReportAPIURL, cfg.ReportAPISecret, cfg.RequestTimeout)}
}

func (r *ReportAPI) FetchReport(ctx context.Context, reportType, recipient string) (subject, body string, err error) {
	var out struct {
		Subject string `json:"subject"`
		Body    string `json:"body"`
	}
	err = r.c.post(ctx, map[string]string{"report_type": reportType, "recipient": recipient}, &out)
	if err != nil {
		return "", "", err
	}
	return out.Subject, out.Body, nil
}

func (t *TextGen) Generate(ctx context.Context, subject, period string) (string, error) {
	var out struct {
		Text string `json:"text"`
	}
	err := t.c.post(ctx, map[string]string{"subject": subject, "period": period}, &out)
	if err != nil {
		return "", err
	}
	return out.Text, nil
}
