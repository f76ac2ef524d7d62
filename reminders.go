package main

import (
	"context"
	"log"
	"time"
)

const (
	emailBackfillInterval = 60 * time.Second
	reminderSweepInterval = 30 * time.Minute
	reminderFirstDelay    = 15 * time.Second
	upcomingPushInterval  = time.Hour

	reminderWindowDays  = 3 // remind 0..3 days ahead of the event
	upcomingEventsDays  = 3
	upcomingEventsLimit = 5
)

// Fixed wall-clock sweep times, local time. A 30-minute ticker alone can
// drift past the morning/noon/evening slots users expect reminders at.
var reminderClockTimes = []string{"08:00", "12:00", "18:00"}

// Reminders drives the notification side channels: the email-address
// backfill for connected clients, the event reminder sweep, and the hourly
// upcoming-events push.
type Reminders struct {
	hub       *Hub
	dir       Directory
	events    EventSource
	mailer    EmailSender
	notifyLog *NotificationLog
}

func NewReminders(hub *Hub, dir Directory, events EventSource, mailer EmailSender, nl *NotificationLog) *Reminders {
	return &Reminders{hub: hub, dir: dir, events: events, mailer: mailer, notifyLog: nl}
}

// Run blocks until ctx is cancelled.
func (r *Reminders) Run(ctx context.Context) {
	backfill := time.NewTicker(emailBackfillInterval)
	defer backfill.Stop()
	sweep := time.NewTicker(reminderSweepInterval)
	defer sweep.Stop()
	clock := time.NewTicker(time.Minute)
	defer clock.Stop()
	upcoming := time.NewTicker(upcomingPushInterval)
	defer upcoming.Stop()
	first := time.NewTimer(reminderFirstDelay)
	defer first.Stop()

	log.Printf("Reminder scheduler started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-first.C:
			r.sweepEvents(ctx)
		case <-sweep.C:
			r.sweepEvents(ctx)
		case <-clock.C:
			now := time.Now().Format("15:04")
			for _, t := range reminderClockTimes {
				if now == t {
					r.sweepEvents(ctx)
					break
				}
			}
		case <-backfill.C:
			r.backfillEmails(ctx)
		case <-upcoming.C:
			r.pushUpcomingEvents(ctx)
		}
	}
}

// backfillEmails caches the email address of every authenticated client that
// does not have one yet, so offline-fallback sends later in the session skip
// the lookup.
func (r *Reminders) backfillEmails(ctx context.Context) {
	if r.dir == nil {
		return
	}
	for userID, c := range r.hub.snapshot() {
		if userID == 0 || c.cachedEmail() != "" {
			continue
		}
		email, err := r.dir.GetUserEmail(ctx, userID)
		if err != nil {
			log.Printf("Error backfilling email for user %d: %v", userID, err)
			continue
		}
		if email != "" {
			c.setEmail(email)
		}
	}
}

// sweepEvents walks each reminder window (today through three days out),
// loads the event/participant pairs due in that window, and notifies each
// participant once: over the socket when connected, by email otherwise.
func (r *Reminders) sweepEvents(ctx context.Context) {
	if r.events == nil {
		return
	}
	log.Printf("Running event reminder sweep")

	now := time.Now()
	for daysBefore := 0; daysBefore <= reminderWindowDays; daysBefore++ {
		date := now.AddDate(0, 0, daysBefore)
		reminders, err := r.events.QueryEventsForWindow(ctx, date)
		if err != nil {
			log.Printf("Error querying events %d days out: %v", daysBefore, err)
			continue
		}

		// One event_notifications frame per connected user, not per event.
		perUser := make(map[int64][]EventRecord)
		for _, rem := range reminders {
			if r.alreadyNotified(ctx, rem.Event.ID, rem.UserID, daysBefore) {
				continue
			}

			ev := rem.Event
			ev.DaysUntil = daysBefore
			sent := false
			if r.hub.isOnline(rem.UserID) {
				perUser[rem.UserID] = append(perUser[rem.UserID], ev)
				sent = true
			} else if r.mailer != nil && rem.Email != "" {
				name := rem.FirstName
				if name == "" {
					name = rem.Username
				}
				err := r.mailer.SendEmail(rem.Email, "Напоминание о событии: "+ev.Title,
					eventReminderBody(name, ev, daysBefore))
				if err != nil {
					log.Printf("Error emailing reminder to user %d: %v", rem.UserID, err)
				} else {
					sent = true
				}
			}

			if logErr := r.events.LogNotificationSent(ctx, ev.ID, rem.UserID, daysBefore, sent); logErr != nil {
				log.Printf("Error logging notification for event %d user %d: %v", ev.ID, rem.UserID, logErr)
			}
			if sent {
				r.notifyLog.MarkSent(ctx, ev.ID, rem.UserID, daysBefore)
			}
		}

		for userID, events := range perUser {
			r.hub.sendToUser(userID, map[string]any{
				"type":   "event_notifications",
				"events": eventList(events),
				"count":  len(events),
			})
		}
	}
}

// alreadyNotified consults the dedup cache first and falls back to the
// relational log when the cache misses or is unavailable.
func (r *Reminders) alreadyNotified(ctx context.Context, eventID, userID int64, daysBefore int) bool {
	if r.notifyLog.WasSent(ctx, eventID, userID, daysBefore) {
		return true
	}
	sent, err := r.events.HasNotificationAlreadySent(ctx, eventID, userID, daysBefore)
	if err != nil {
		log.Printf("Error checking notification log for event %d user %d: %v", eventID, userID, err)
		return false
	}
	return sent
}

// pushUpcomingEvents sends every connected user their next few events.
func (r *Reminders) pushUpcomingEvents(ctx context.Context) {
	if r.events == nil {
		return
	}
	for userID, c := range r.hub.snapshot() {
		if userID == 0 {
			continue
		}
		events, err := r.events.UpcomingEventsForUser(ctx, userID, upcomingEventsDays, upcomingEventsLimit)
		if err != nil {
			log.Printf("Error loading upcoming events for user %d: %v", userID, err)
			continue
		}
		if len(events) == 0 {
			continue
		}
		c.sendJSON(map[string]any{
			"type":   "upcoming_events",
			"events": eventList(events),
			"count":  len(events),
		})
	}
}

// eventList is the wire shape for event records.
func eventList(events []EventRecord) []map[string]any {
	out := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		entry := map[string]any{
			"id":          ev.ID,
			"title":       ev.Title,
			"date":        ev.Date.Format(time.RFC3339),
			"location":    ev.Location,
			"description": ev.Description,
			"days_until":  ev.DaysUntil,
		}
		if ev.EndDate != nil {
			entry["end_date"] = ev.EndDate.Format(time.RFC3339)
		}
		out = append(out, entry)
	}
	return out
}
