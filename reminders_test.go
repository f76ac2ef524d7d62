package main

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// stubEventSource serves a fixed reminder set and records the notification
// log in memory.
type stubEventSource struct {
	mu        sync.Mutex
	reminders []EventReminder // returned for the daysBefore=0 window only
	upcoming  map[int64][]EventRecord
	logged    map[string]bool
}

func newStubEventSource() *stubEventSource {
	return &stubEventSource{
		upcoming: make(map[int64][]EventRecord),
		logged:   make(map[string]bool),
	}
}

func (s *stubEventSource) QueryEventsForWindow(_ context.Context, date time.Time) ([]EventReminder, error) {
	if date.Format("2006-01-02") != time.Now().Format("2006-01-02") {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventReminder, len(s.reminders))
	copy(out, s.reminders)
	return out, nil
}

func (s *stubEventSource) UpcomingEventsForUser(_ context.Context, userID int64, _, _ int) ([]EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upcoming[userID], nil
}

func (s *stubEventSource) LogNotificationSent(_ context.Context, eventID, userID int64, daysBefore int, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if success {
		s.logged[fmt.Sprintf("%d:%d:%d", eventID, userID, daysBefore)] = true
	}
	return nil
}

func (s *stubEventSource) HasNotificationAlreadySent(_ context.Context, eventID, userID int64, daysBefore int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logged[fmt.Sprintf("%d:%d:%d", eventID, userID, daysBefore)], nil
}

// recordingMailer captures sends instead of talking SMTP.
type recordingMailer struct {
	mu    sync.Mutex
	sends []struct{ to, subject, body string }
}

func (m *recordingMailer) SendEmail(to, subject, htmlBody string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends = append(m.sends, struct{ to, subject, body string }{to, subject, htmlBody})
	return nil
}

func (m *recordingMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sends)
}

func TestSweepEventsNotifiesOnlineAndEmailsOffline(t *testing.T) {
	hub := newHub(nil, nil)
	online := fakeClient()
	hub.register(1, online)
	drain(online)

	events := newStubEventSource()
	ev := EventRecord{ID: 10, Title: "Концерт", Date: time.Now().Add(2 * time.Hour)}
	events.reminders = []EventReminder{
		{Event: ev, UserID: 1, Username: "one", Email: "one@example.com"},
		{Event: ev, UserID: 2, Username: "two", FirstName: "Два", Email: "two@example.com"},
	}

	mailer := &recordingMailer{}
	r := NewReminders(hub, nil, events, mailer, nil)
	r.sweepEvents(context.Background())

	// Online user 1 gets the websocket frame, no email.
	msg := readFrame(t, online)
	if msg["type"] != "event_notifications" {
		t.Fatalf("type = %v, want event_notifications", msg["type"])
	}
	if msg["count"] != float64(1) {
		t.Errorf("count = %v, want 1", msg["count"])
	}
	list, _ := msg["events"].([]any)
	if len(list) != 1 {
		t.Fatalf("events = %v, want 1 entry", msg["events"])
	}
	entry, _ := list[0].(map[string]any)
	if entry["title"] != "Концерт" {
		t.Errorf("title = %v, want Концерт", entry["title"])
	}

	// Offline user 2 gets the email.
	if mailer.count() != 1 {
		t.Fatalf("Expected 1 email, got %d", mailer.count())
	}
	mailer.mu.Lock()
	send := mailer.sends[0]
	mailer.mu.Unlock()
	if send.to != "two@example.com" {
		t.Errorf("Email to %s, want two@example.com", send.to)
	}

	// A second sweep is fully deduplicated by the notification log.
	r.sweepEvents(context.Background())
	if mailer.count() != 1 {
		t.Errorf("Second sweep re-emailed: %d sends", mailer.count())
	}
	select {
	case data := <-online.send:
		t.Errorf("Second sweep re-notified online user: %s", data)
	default:
	}
}

func TestBackfillEmailsCachesOnce(t *testing.T) {
	dir := newStubDirectory()
	dir.emails[1] = "one@example.com"

	hub := newHub(dir, nil)
	c := fakeClient()
	hub.register(1, c)

	r := NewReminders(hub, dir, nil, nil, nil)
	r.backfillEmails(context.Background())

	if got := c.cachedEmail(); got != "one@example.com" {
		t.Errorf("cachedEmail = %q, want one@example.com", got)
	}
}

func TestPushUpcomingEventsSkipsEmpty(t *testing.T) {
	hub := newHub(nil, nil)
	c1 := fakeClient()
	c2 := fakeClient()
	hub.register(1, c1)
	hub.register(2, c2)
	drain(c1)
	drain(c2)

	events := newStubEventSource()
	events.upcoming[1] = []EventRecord{{ID: 3, Title: "Лекция", Date: time.Now().AddDate(0, 0, 1), DaysUntil: 1}}

	r := NewReminders(hub, nil, events, nil, nil)
	r.pushUpcomingEvents(context.Background())

	msg := readFrame(t, c1)
	if msg["type"] != "upcoming_events" {
		t.Errorf("type = %v, want upcoming_events", msg["type"])
	}
	if msg["count"] != float64(1) {
		t.Errorf("count = %v, want 1", msg["count"])
	}

	// User 2 has nothing upcoming and gets nothing.
	select {
	case data := <-c2.send:
		t.Errorf("User with no events received a push: %s", data)
	default:
	}
}
