package web

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/mtzanidakis/agentflow/internal/gateway"
)

func TestExportHistory(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if err := env.archive.SaveAgents([]gateway.Agent{{ID: 1, Name: "Researcher"}}); err != nil {
		t.Fatalf("save agents: %v", err)
	}
	if err := env.archive.RecordMessage(ctx, 1, 0, "user", "<b>hi</b>"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := env.archive.RecordMessage(ctx, 1, 4, "assistant", "**Summary**"); err != nil {
		t.Fatalf("record: %v", err)
	}

	resp := env.do(t, "GET", "/api/history/1/export", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("unexpected content type %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	page := string(body)

	for _, want := range []string{
		"Chat with Researcher",
		"&lt;b&gt;hi&lt;/b&gt;",
		"<strong>Summary</strong>",
	} {
		if !strings.Contains(page, want) {
			t.Errorf("export missing %q:\n%s", want, page)
		}
	}
	if strings.Contains(page, "<b>hi</b>") {
		t.Error("user content must be escaped")
	}
}

func TestExportHistoryEmpty(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, "GET", "/api/history/9/export", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "Chat with Agent 9") || !strings.Contains(string(body), "No messages.") {
		t.Errorf("unexpected empty export:\n%s", body)
	}

	resp = env.do(t, "GET", "/api/history/x/export", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for a bad agent id, got %d", resp.StatusCode)
	}
}
