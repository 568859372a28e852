package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/devblac/da-verifier/internal/verifier"
)

// Sender delivers one outcome to an external consumer.
type Sender interface {
	Send(ctx context.Context, out verifier.Outcome) error
}

type httpSender struct {
	url     string
	method  string
	render  *template.Template
	client  *http.Client
	headers map[string]string
}

// NewWebhookSender builds an HTTP sender. With an empty template the outcome is posted as JSON;
// otherwise the rendered template is posted as {"text": ...}.
func NewWebhookSender(url, method, tmpl string, timeout time.Duration, headers map[string]string) (Sender, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url required")
	}
	if method == "" {
		method = http.MethodPost
	}
	var t *template.Template
	if tmpl != "" {
		var err error
		if t, err = parseTemplate(tmpl); err != nil {
			return nil, err
		}
	}
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	if headers == nil {
		headers = map[string]string{}
	}
	if _, ok := headers["Content-Type"]; !ok {
		headers["Content-Type"] = "application/json"
	}
	return &httpSender{
		url:     url,
		method:  strings.ToUpper(method),
		render:  t,
		client:  &http.Client{Timeout: timeout},
		headers: headers,
	}, nil
}

func (s *httpSender) Send(ctx context.Context, out verifier.Outcome) error {
	var (
		reqBody []byte
		err     error
	)
	if s.render != nil {
		text, err := executeTemplate(s.render, out)
		if err != nil {
			return err
		}
		reqBody, err = json.Marshal(map[string]string{"text": text})
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
	} else {
		reqBody, err = json.Marshal(out)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, s.method, s.url, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("stream http status %d", resp.StatusCode)
	}
	return nil
}

func parseTemplate(tmpl string) (*template.Template, error) {
	funcs := template.FuncMap{
		"pretty_json": func(v any) string {
			out, _ := json.MarshalIndent(v, "", "  ")
			return string(out)
		},
		"short_id": func(id string) string {
			if len(id) <= 12 {
				return id
			}
			return id[:6] + "..." + id[len(id)-4:]
		},
	}
	return template.New("msg").Funcs(funcs).Parse(tmpl)
}

func executeTemplate(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return buf.String(), nil
}
