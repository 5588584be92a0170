package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/pkg/protocol"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, name := range []string{"version", "serve", "watch", "publish", "stats", "token", "alerts"} {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestPublishRequest(t *testing.T) {
	tests := []struct {
		name    string
		opts    publishOptions
		wantErr bool
		want    string
	}{
		{name: "minimal", opts: publishOptions{kind: "stock.out", entity: "SKU-1"}, want: `{"entityId":"SKU-1","kind":"stock.out"}`},
		{name: "payload", opts: publishOptions{kind: "order.created", payload: `{"total":3}`}, want: `{"kind":"order.created","payload":{"total":3}}`},
		{name: "target", opts: publishOptions{kind: "custom", users: []string{"U1"}}, want: `{"kind":"custom","target":{"users":["U1"]}}`},
		{name: "bad payload", opts: publishOptions{kind: "stock.out", payload: "{"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := tt.opts.request()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("request() error = %v", err)
			}
			data, _ := json.Marshal(body)
			if string(data) != tt.want {
				t.Fatalf("body = %s, want %s", data, tt.want)
			}
		})
	}
}

func TestRunPublishSendsBearerCredential(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"seq":7,"delivered":2,"failed":0}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	err := runPublish(context.Background(), &out, apiOptions{server: srv.URL, apiKey: "svc-key"}, publishOptions{kind: "stock.out"})
	if err != nil {
		t.Fatalf("runPublish() error = %v", err)
	}
	if gotAuth != "Bearer svc-key" || gotPath != "/api/events" {
		t.Fatalf("request = %q %q", gotAuth, gotPath)
	}
	if !strings.Contains(out.String(), "seq=7 delivered=2") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestAPIClientSurfacesErrorReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"admin role required","reason":"not_permitted"}`))
	}))
	defer srv.Close()

	err := runStats(context.Background(), &bytes.Buffer{}, apiOptions{server: srv.URL, token: "tok"})
	if err == nil || !strings.Contains(err.Error(), "not_permitted") {
		t.Fatalf("runStats() error = %v", err)
	}
}

func TestAPIClientRequiresCredential(t *testing.T) {
	t.Setenv("RELAY_TOKEN", "")
	t.Setenv("RELAY_API_KEY", "")
	if _, err := newAPIClient(apiOptions{server: "http://localhost"}); err == nil {
		t.Fatal("expected error without credential")
	}
}

func TestRunTokenIssuesVerifiableJWT(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	secret := "cli-test-secret-0123456789"
	if err := os.WriteFile(path, []byte("auth:\n  jwt_secret: "+secret+"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var out bytes.Buffer
	if err := runToken(&out, tokenOptions{configPath: path, userID: "C1", role: "commercial"}); err != nil {
		t.Fatalf("runToken() error = %v", err)
	}
	claims, err := auth.NewJWTService(secret, time.Hour, "relay").Parse(strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if claims.Subject != "C1" {
		t.Fatalf("subject = %q, want C1", claims.Subject)
	}

	if err := runToken(&out, tokenOptions{configPath: path, userID: "C1", role: "janitor"}); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestFramePrinterWritesJSONLinesWhenNotATerminal(t *testing.T) {
	var out bytes.Buffer
	p := newFramePrinter(&out, false)
	p.print(protocol.Event(3, "order.ready", json.RawMessage(`{"id":"O-1"}`), time.Unix(0, 0).UTC()))

	var frame protocol.Frame
	if err := json.Unmarshal(out.Bytes(), &frame); err != nil {
		t.Fatalf("output is not a JSON line: %q", out.String())
	}
	if frame.Seq != 3 || frame.Kind != "order.ready" {
		t.Fatalf("frame = %+v", frame)
	}
}
