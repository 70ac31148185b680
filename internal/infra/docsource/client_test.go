package docsource

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"signtrust/internal/domain"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func response(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
	}
}

func newTestClient(t *testing.T, rt roundTripperFunc) *Client {
	t.Helper()
	client, err := NewClient("https://docs.example/", time.Second, &http.Client{Transport: rt}, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestClient_CurrentDocument(t *testing.T) {
	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		if req.Method != http.MethodGet || req.URL.EscapedPath() != "/v1/tenants/T1/documents/R%2F1" {
			t.Fatalf("unexpected request %s %s", req.Method, req.URL.EscapedPath())
		}
		return response(http.StatusOK, `{"content":"hello","fieldValues":{"amount":10},"updatedAt":"2026-03-01T09:00:00Z"}`), nil
	})
	doc, err := client.CurrentDocument(context.Background(), "T1", "R/1")
	if err != nil {
		t.Fatalf("current document: %v", err)
	}
	if doc.Content != "hello" || doc.FieldValues["amount"] != float64(10) {
		t.Fatalf("unexpected document %+v", doc)
	}
	if !doc.CapturedAt.Equal(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected captured at %s", doc.CapturedAt)
	}
}

func TestClient_NotFound(t *testing.T) {
	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		return response(http.StatusNotFound, `{}`), nil
	})
	if _, err := client.CurrentDocument(context.Background(), "T1", "R1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestClient_Failures(t *testing.T) {
	cases := map[string]roundTripperFunc{
		"server error": func(*http.Request) (*http.Response, error) {
			return response(http.StatusBadGateway, `{}`), nil
		},
		"transport": func(*http.Request) (*http.Response, error) {
			return nil, errors.New("connection refused")
		},
		"bad body": func(*http.Request) (*http.Response, error) {
			return response(http.StatusOK, `{"content":`), nil
		},
	}
	for name, rt := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := newTestClient(t, rt).CurrentDocument(context.Background(), "T1", "R1")
			if err == nil || errors.Is(err, domain.ErrNotFound) {
				t.Fatalf("expected a hard failure, got %v", err)
			}
		})
	}
}

func TestNewClient_RequiresURL(t *testing.T) {
	if _, err := NewClient(" ", 0, nil, nil); err == nil {
		t.Fatal("expected an error without a base url")
	}
}
