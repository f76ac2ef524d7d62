package main

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestNotificationKeyFormat(t *testing.T) {
	if got := notificationKey(12, 34, 2); got != "notified:12:34:2" {
		t.Errorf("notificationKey = %q", got)
	}
}

func TestNilNotificationLogIsSafe(t *testing.T) {
	var nl *NotificationLog
	ctx := context.Background()
	if nl.WasSent(ctx, 1, 2, 0) {
		t.Error("Nil log should report nothing as sent")
	}
	nl.MarkSent(ctx, 1, 2, 0) // must not panic
	if err := nl.Close(); err != nil {
		t.Errorf("Nil log close: %v", err)
	}
}

// TestNotificationLogRoundTrip exercises a real Valkey instance when one is
// reachable; otherwise it skips, same as the rest of the integration tests.
func TestNotificationLogRoundTrip(t *testing.T) {
	if os.Getenv("VALKEY_HOST") == "" {
		os.Setenv("VALKEY_HOST", "localhost")
		defer os.Unsetenv("VALKEY_HOST")
	}

	nl := NewNotificationLog()
	if nl == nil {
		t.Skip("Skipping test as Valkey is not available")
	}
	defer nl.Close()

	ctx := context.Background()
	eventID := time.Now().UnixNano()

	if nl.WasSent(ctx, eventID, 42, 1) {
		t.Error("Fresh key should not read as sent")
	}
	nl.MarkSent(ctx, eventID, 42, 1)
	if !nl.WasSent(ctx, eventID, 42, 1) {
		t.Error("Key should read as sent after MarkSent")
	}
	if nl.WasSent(ctx, eventID, 42, 2) {
		t.Error("Different window must have its own key")
	}
}
