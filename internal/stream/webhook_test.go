package stream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/devblac/da-verifier/internal/verifier"
)

func TestWebhookRendersTemplate(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender, err := NewWebhookSender(server.URL, "", "DA {{short_id .TxID}} ok={{.Success}} {{.Kind}}", 0, nil)
	if err != nil {
		t.Fatalf("sender: %v", err)
	}

	err = sender.Send(context.Background(), verifier.Outcome{
		TxID: "abcdefghijklmnopqrstuvwxyz", Kind: verifier.KindPotentialReorg,
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if !strings.Contains(got, "DA abcdef...wxyz ok=false POTENTIAL_REORG") {
		t.Fatalf("unexpected payload: %s", got)
	}
}

func TestWebhookPostsJSONByDefault(t *testing.T) {
	var got verifier.Outcome
	var contentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer server.Close()

	sender, err := NewWebhookSender(server.URL, "post", "", 0, nil)
	if err != nil {
		t.Fatalf("sender: %v", err)
	}
	if err := sender.Send(context.Background(), verifier.Outcome{TxID: "tx1", Success: true}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got.TxID != "tx1" || !got.Success {
		t.Fatalf("unexpected body: %+v", got)
	}
	if contentType != "application/json" {
		t.Fatalf("content type = %q", contentType)
	}
}

func TestWebhookStatusFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	sender, err := NewWebhookSender(server.URL, http.MethodPost, "msg", 0, nil)
	if err != nil {
		t.Fatalf("sender: %v", err)
	}
	if err := sender.Send(context.Background(), verifier.Outcome{TxID: "r"}); err == nil {
		t.Fatalf("expected error on 502")
	}
}

func TestWebhookRequiresURL(t *testing.T) {
	if _, err := NewWebhookSender("", "", "", 0, nil); err == nil {
		t.Fatalf("expected missing url to fail")
	}
	if _, err := NewWebhookSender("http://x", "", "{{", 0, nil); err == nil {
		t.Fatalf("expected bad template to fail")
	}
}
