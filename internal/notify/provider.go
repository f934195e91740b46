package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/juju/clock"

	"github.com/diamory/diamory-backend/internal/model"
)

// Provider delivers a single mail. Ready and Acquire consult the provider's
// breaker; Send reports the outcome back to it.
type Provider interface {
	Name() string
	Ready() bool
	Acquire() bool
	Send(ctx context.Context, from string, m model.Mail) error
}

type BreakerOpts struct {
	FailThreshold int
	OpenFor       time.Duration
	Clock         clock.Clock
}

// HTTPProvider posts mails as JSON to a relay endpoint.
type HTTPProvider struct {
	name   string
	url    string
	client *http.Client
	br     *MicroBreaker
}

func NewHTTPProvider(name, baseURL, path string, timeout time.Duration, bo BreakerOpts) *HTTPProvider {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPProvider{
		name:   name,
		url:    baseURL + path,
		client: &http.Client{Timeout: timeout},
		br:     NewMicroBreaker(bo.FailThreshold, openFor(bo.OpenFor), bo.Clock),
	}
}

func (p *HTTPProvider) Name() string  { return p.name }
func (p *HTTPProvider) Ready() bool   { return p.br.Ready() }
func (p *HTTPProvider) Acquire() bool { return p.br.TryAcquire() }

func (p *HTTPProvider) Send(ctx context.Context, from string, m model.Mail) error {
	if err := p.post(ctx, from, m); err != nil {
		p.br.OnFailure()
		return err
	}
	p.br.OnSuccess()
	return nil
}

type relayPayload struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (p *HTTPProvider) post(ctx context.Context, from string, m model.Mail) error {
	b, err := json.Marshal(relayPayload{From: from, To: m.To, Subject: m.Subject, Body: m.Body})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode/100 != 2 {
		return fmt.Errorf("provider=%s status=%d", p.name, res.StatusCode)
	}
	return nil
}

// SESAPI is the subset of the SES client used for delivery.
type SESAPI interface {
	SendEmail(ctx context.Context, in *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type SESProvider struct {
	name    string
	api     SESAPI
	timeout time.Duration
	br      *MicroBreaker
}

func NewSESProvider(name string, api SESAPI, timeout time.Duration, bo BreakerOpts) *SESProvider {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SESProvider{
		name:    name,
		api:     api,
		timeout: timeout,
		br:      NewMicroBreaker(bo.FailThreshold, openFor(bo.OpenFor), bo.Clock),
	}
}

func (p *SESProvider) Name() string  { return p.name }
func (p *SESProvider) Ready() bool   { return p.br.Ready() }
func (p *SESProvider) Acquire() bool { return p.br.TryAcquire() }

func (p *SESProvider) Send(ctx context.Context, from string, m model.Mail) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	_, err := p.api.SendEmail(ctx, &ses.SendEmailInput{
		Source:      aws.String(from),
		Destination: &types.Destination{ToAddresses: []string{m.To}},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(m.Subject), Charset: aws.String("UTF-8")},
			Body: &types.Body{
				Text: &types.Content{Data: aws.String(m.Body), Charset: aws.String("UTF-8")},
			},
		},
	})
	if err != nil {
		p.br.OnFailure()
		return fmt.Errorf("provider=%s: %w", p.name, err)
	}
	p.br.OnSuccess()
	return nil
}

func openFor(d time.Duration) time.Duration {
	if d <= 0 {
		return 15 * time.Second
	}
	return d
}
