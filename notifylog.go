package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/redis/go-redis/v9"
)

const notificationTTL = 24 * time.Hour

// NotificationLog is a Redis-backed dedup cache in front of the relational
// notification log. The SQL table is the durable record; this cache saves a
// round trip per event/user pair during sweeps and expires after a day,
// which is longer than any reminder window repeats.
type NotificationLog struct {
	client *redis.Client
}

// NewNotificationLog connects to the Valkey/Redis instance named by
// VALKEY_HOST and friends. Returns nil when VALKEY_HOST is unset; all
// methods are nil-safe and fall through to the SQL path.
func NewNotificationLog() *NotificationLog {
	host := os.Getenv("VALKEY_HOST")
	if host == "" {
		log.Printf("WARNING: VALKEY_HOST not set. Notification dedup cache disabled.")
		return nil
	}
	port := os.Getenv("VALKEY_PORT")
	if port == "" {
		port = "6379"
	}

	opts := &redis.Options{
		Addr:     host + ":" + port,
		Username: os.Getenv("VALKEY_USERNAME"),
		Password: os.Getenv("VALKEY_PASSWORD"),
	}
	if os.Getenv("VALKEY_USE_TLS") == "true" {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("WARNING: Valkey connection failed: %v. Notification dedup cache disabled.", err)
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("operation", "valkey_connect")
			scope.SetLevel(sentry.LevelWarning)
			sentry.CaptureException(err)
		})
		return nil
	}

	log.Printf("Valkey connected successfully")
	sentry.AddBreadcrumb(&sentry.Breadcrumb{
		Category:  "valkey",
		Message:   "Valkey connected successfully",
		Level:     sentry.LevelInfo,
		Timestamp: time.Now(),
	})
	return &NotificationLog{client: client}
}

func notificationKey(eventID, userID int64, daysBefore int) string {
	return fmt.Sprintf("notified:%d:%d:%d", eventID, userID, daysBefore)
}

// WasSent reports whether this event/user/window reminder went out recently.
// Errors read as "not sent" so the SQL log stays authoritative.
func (n *NotificationLog) WasSent(ctx context.Context, eventID, userID int64, daysBefore int) bool {
	if n == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	exists, err := n.client.Exists(ctx, notificationKey(eventID, userID, daysBefore)).Result()
	if err != nil {
		log.Printf("Error checking notification cache: %v", err)
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("operation", "valkey_exists")
			scope.SetLevel(sentry.LevelWarning)
			sentry.CaptureException(err)
		})
		return false
	}
	return exists > 0
}

// MarkSent records the reminder in the cache with a 24h TTL.
func (n *NotificationLog) MarkSent(ctx context.Context, eventID, userID int64, daysBefore int) {
	if n == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := n.client.Set(ctx, notificationKey(eventID, userID, daysBefore), "1", notificationTTL).Err(); err != nil {
		log.Printf("Error writing notification cache: %v", err)
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("operation", "valkey_set")
			scope.SetLevel(sentry.LevelWarning)
			sentry.CaptureException(err)
		})
	}
}

func (n *NotificationLog) Close() error {
	if n == nil || n.client == nil {
		return nil
	}
	return n.client.Close()
}
