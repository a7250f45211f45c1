package privacylog

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestSanitizingHandlerFingerprintsPeerIdentifiers(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, nil)
	logger := slog.New(WrapHandler(base))
	logger.Info("inbound", "peer_fingerprint", "a1b2c3", "passphrase", "secret", "state", "ok")

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode log json: %v", err)
	}
	if _, ok := payload["peer_fingerprint"]; ok {
		t.Fatal("peer_fingerprint should not be present in plain form")
	}
	fp, ok := payload["peer_fingerprint_fp"].(string)
	if !ok || !strings.HasPrefix(fp, "fp_") {
		t.Fatalf("expected salted fingerprint, got %v", payload["peer_fingerprint_fp"])
	}
	if got, _ := payload["passphrase"].(string); got != redactedValue {
		t.Fatalf("expected redacted passphrase, got %q", got)
	}
	if got, _ := payload["state"].(string); got != "ok" {
		t.Fatalf("expected untouched state attr, got %q", got)
	}
}

func TestSanitizingHandlerImplementsSlogHandlerContract(t *testing.T) {
	var buf bytes.Buffer
	h := WrapHandler(slog.NewJSONHandler(&buf, nil))
	if !h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("expected handler enabled for info")
	}
	rec := slog.NewRecord(time.Now().UTC(), slog.LevelInfo, "msg", 0)
	rec.AddAttrs(slog.String("message_id", "m1"))
	if err := h.Handle(context.Background(), rec); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if !strings.Contains(buf.String(), "message_id_fp") {
		t.Fatalf("expected sanitized message_id key, got %s", buf.String())
	}
}

func TestFingerprintIDStableWithinProcess(t *testing.T) {
	a := FingerprintID("peer-a")
	b := FingerprintID("peer-a")
	if a == "" || a != b {
		t.Fatalf("expected stable fingerprint, got %q vs %q", a, b)
	}
	if FingerprintID("peer-b") == a {
		t.Fatal("distinct inputs must not collide on the short token")
	}
}
