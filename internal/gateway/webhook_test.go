package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
)

func TestWebhookGatewaySendSuccess(t *testing.T) {
	t.Parallel()

	var gotBody webhookRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}

		w.Header().Set("X-Message-ID", "msg-1")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	g, err := NewWebhookGateway(server.URL)
	if err != nil {
		t.Fatalf("NewWebhookGateway() error = %v", err)
	}

	receipt, err := g.Send(context.Background(), "1001", "hello")
	if err != nil {
		t.Fatalf("Send() unexpected error: %v", err)
	}
	if receipt.StatusCode != http.StatusAccepted {
		t.Fatalf("StatusCode = %d, want %d", receipt.StatusCode, http.StatusAccepted)
	}
	if receipt.MessageID != "msg-1" {
		t.Fatalf("MessageID = %q, want %q", receipt.MessageID, "msg-1")
	}
	if gotBody.Target != "1001" || gotBody.Text != "hello" {
		t.Fatalf("request body = %+v, want target=1001 text=hello", gotBody)
	}
}

func TestWebhookGatewaySendStatusClassification(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name           string
		statusCode     int
		retryAfter     string
		wantThrottled  bool
		wantTransient  bool
		wantRetryAfter time.Duration
	}{
		{name: "too many requests with retry-after is throttled", statusCode: http.StatusTooManyRequests, retryAfter: "7", wantThrottled: true, wantRetryAfter: 7 * time.Second},
		{name: "too many requests without retry-after is throttled", statusCode: http.StatusTooManyRequests, wantThrottled: true},
		{name: "bad request is permanent", statusCode: http.StatusBadRequest},
		{name: "forbidden is permanent", statusCode: http.StatusForbidden},
		{name: "internal server error is transient", statusCode: http.StatusInternalServerError, wantTransient: true},
		{name: "bad gateway is transient", statusCode: http.StatusBadGateway, wantTransient: true},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tc.retryAfter != "" {
					w.Header().Set("Retry-After", tc.retryAfter)
				}
				w.WriteHeader(tc.statusCode)
				_, _ = w.Write([]byte("gateway failed"))
			}))
			defer server.Close()

			g, err := NewWebhookGateway(server.URL)
			if err != nil {
				t.Fatalf("NewWebhookGateway() error = %v", err)
			}

			_, err = g.Send(context.Background(), "1001", "hello")
			if err == nil {
				t.Fatal("expected error")
			}

			if got := IsThrottled(err); got != tc.wantThrottled {
				t.Fatalf("IsThrottled() = %v, want %v", got, tc.wantThrottled)
			}
			if got := IsTransient(err); got != tc.wantTransient {
				t.Fatalf("IsTransient() = %v, want %v", got, tc.wantTransient)
			}

			if tc.wantThrottled {
				throttled, _ := AsThrottled(err)
				if throttled.RetryAfter != tc.wantRetryAfter {
					t.Fatalf("RetryAfter = %s, want %s", throttled.RetryAfter, tc.wantRetryAfter)
				}
				return
			}

			var gatewayErr *GatewayError
			if !errors.As(err, &gatewayErr) {
				t.Fatalf("expected GatewayError, got %T", err)
			}
			if gatewayErr.StatusCode != tc.statusCode {
				t.Fatalf("GatewayError.StatusCode = %d, want %d", gatewayErr.StatusCode, tc.statusCode)
			}
		})
	}
}

func TestWebhookGatewaySendTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := resty.New()
	client.SetTimeout(30 * time.Millisecond)

	g, err := NewWebhookGatewayWithClient(server.URL, client)
	if err != nil {
		t.Fatalf("NewWebhookGatewayWithClient() error = %v", err)
	}

	_, err = g.Send(context.Background(), "1001", "hello")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !IsTransient(err) {
		t.Fatalf("IsTransient() = false, want true (err=%v)", err)
	}
}

func TestNewWebhookGatewayValidatesEndpoint(t *testing.T) {
	t.Parallel()

	for _, endpoint := range []string{"", "   ", "not a url"} {
		if _, err := NewWebhookGateway(endpoint); err == nil {
			t.Fatalf("NewWebhookGateway(%q) expected error", endpoint)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{name: "empty", value: "", want: 0},
		{name: "seconds", value: "30", want: 30 * time.Second},
		{name: "negative", value: "-3", want: 0},
		{name: "http date", value: now.Add(90 * time.Second).Format(http.TimeFormat), want: 90 * time.Second},
		{name: "past http date", value: now.Add(-time.Minute).Format(http.TimeFormat), want: 0},
		{name: "garbage", value: "soon", want: 0},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := parseRetryAfter(tt.value, now); got != tt.want {
				t.Fatalf("parseRetryAfter(%q) = %s, want %s", tt.value, got, tt.want)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "transient gateway error", err: &GatewayError{Transient: true}, want: true},
		{name: "permanent gateway error", err: &GatewayError{StatusCode: 400}, want: false},
		{name: "throttled is not an outage", err: &ThrottledError{RetryAfter: time.Second}, want: false},
		{name: "plain error", err: errors.New("boom"), want: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsTransient(tt.err); got != tt.want {
				t.Fatalf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
