package cmd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"beacon/pkg/config"

	"github.com/go-resty/resty/v2"
)

func TestParseFields(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    map[string]string
		wantErr bool
	}{
		{name: "pairs", args: []string{"callerId=u1", "channelName=c1"}, want: map[string]string{"callerId": "u1", "channelName": "c1"}},
		{name: "value with equals", args: []string{"message=a=b"}, want: map[string]string{"message": "a=b"}},
		{name: "empty value", args: []string{"title="}, want: map[string]string{"title": ""}},
		{name: "missing equals", args: []string{"oops"}, wantErr: true},
		{name: "missing key", args: []string{"=v"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseFields(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseFields(%q) expected error", tt.args)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseFields(%q): %v", tt.args, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("parseFields(%q) = %#v, want %#v", tt.args, got, tt.want)
			}
		})
	}
}

func TestResolveDaemonURL(t *testing.T) {
	cfg := config.Default()

	if got := resolveDaemonURL("", cfg); got != "http://127.0.0.1:18791" {
		t.Fatalf("resolveDaemonURL default = %q", got)
	}

	cfg.Gateway.Host = "0.0.0.0"
	cfg.Gateway.Port = 9000
	if got := resolveDaemonURL("", cfg); got != "http://127.0.0.1:9000" {
		t.Fatalf("resolveDaemonURL wildcard host = %q", got)
	}

	if got := resolveDaemonURL("https://beacon.local/", cfg); got != "https://beacon.local" {
		t.Fatalf("resolveDaemonURL explicit = %q", got)
	}
}

func TestCallDaemon(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/push":
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "queued", "id": body["id"]})
		case "/v1/calls/accept":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":"no active call"}`))
		case "/v1/calls/open":
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"plain failure"}`))
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer server.Close()
	ctx := context.Background()

	out, err := callDaemon(ctx, resty.New(), server.URL+"/v1/push", http.MethodPost, map[string]string{"id": "m1"})
	if err != nil {
		t.Fatalf("callDaemon push: %v", err)
	}
	if !strings.Contains(out, `"id": "m1"`) {
		t.Fatalf("unexpected push output %q", out)
	}

	_, err = callDaemon(ctx, resty.New(), server.URL+"/v1/calls/accept", http.MethodPost, struct{}{})
	if err == nil || !strings.Contains(err.Error(), "no active call") {
		t.Fatalf("expected daemon error, got %v", err)
	}

	_, err = callDaemon(ctx, resty.New(), server.URL+"/v1/calls/open", http.MethodPost, struct{}{})
	if err == nil || !strings.Contains(err.Error(), "plain failure") {
		t.Fatalf("expected plain-text daemon error, got %v", err)
	}

	out, err = callDaemon(ctx, resty.New(), server.URL+"/v1/session", http.MethodDelete, nil)
	if err != nil || out != "" {
		t.Fatalf("callDaemon signout = %q, %v", out, err)
	}
}

func TestFetchSnapshot(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok","runner":{"running":true,"checkInterval":5000000000},"socket":{"connected":true,"profileId":"p1"},"call":{"state":"displaying","callerId":"u1","channelName":"c1","isAudio":true}}`))
	}))
	defer server.Close()

	snap, err := fetchSnapshot(context.Background(), resty.New(), server.URL)
	if err != nil {
		t.Fatalf("fetchSnapshot: %v", err)
	}
	if !snap.Runner.Running || snap.Runner.CheckInterval.Seconds() != 5 {
		t.Fatalf("unexpected runner state %+v", snap.Runner)
	}
	if snap.Call.CallerID != "u1" || !snap.Call.IsAudio || snap.Socket.ProfileID != "p1" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}
