package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	_ "github.com/lib/pq"
)

// Directory is the user/message slice of the relational store the router
// depends on. A failing call degrades to placeholder data at the call site;
// it never aborts delivery.
type Directory interface {
	GetUserEmail(ctx context.Context, userID int64) (string, error)
	GetUserFullName(ctx context.Context, userID int64) (string, error)
	GetUserAvatar(ctx context.Context, userID int64) (string, error)
	SaveMessage(ctx context.Context, msg *ChatRecord) (int64, time.Time, error)
	FetchMessageByID(ctx context.Context, id int64) (*ChatRecord, error)
	UpdateOnlineStatus(ctx context.Context, userID int64, online bool) error
	TouchLastActivity(ctx context.Context, userID int64) error
}

// EventSource is the scheduled-events slice of the store, consumed by the
// reminder side channel.
type EventSource interface {
	QueryEventsForWindow(ctx context.Context, date time.Time) ([]EventReminder, error)
	UpcomingEventsForUser(ctx context.Context, userID int64, days, limit int) ([]EventRecord, error)
	LogNotificationSent(ctx context.Context, eventID, userID int64, daysBefore int, success bool) error
	HasNotificationAlreadySent(ctx context.Context, eventID, userID int64, daysBefore int) (bool, error)
}

// ChatRecord is a persisted 1:1 chat message, enriched with sender metadata
// when fetched back.
type ChatRecord struct {
	ID          int64
	SenderID    int64
	RecipientID int64
	MessageText string
	MessageType string
	ImageURL    string
	VideoURL    string
	FileURL     string
	FileName    string
	CreatedAt   time.Time

	SenderUsername string
	SenderAvatar   string
}

// EventRecord is one scheduled event row.
type EventRecord struct {
	ID          int64
	Title       string
	Date        time.Time
	EndDate     *time.Time
	Location    string
	Description string
	DaysUntil   int
}

// EventReminder pairs an event with one registered participant.
type EventReminder struct {
	Event     EventRecord
	UserID    int64
	Username  string
	FirstName string
	Email     string
}

// Store implements Directory and EventSource on Postgres.
type Store struct {
	db        *sql.DB
	opTimeout time.Duration
}

// NewStore opens the database named by DATABASE_URL. Returns nil (not an
// error) when the variable is unset: the relay runs with degraded
// functionality, same as the Redis handling in the rest of the pack.
func NewStore() *Store {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Printf("WARNING: DATABASE_URL not set. Database-backed features disabled.")
		return nil
	}

	opTimeout := 2 * time.Second
	if s := os.Getenv("DB_OP_TIMEOUT_SECONDS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			opTimeout = time.Duration(n) * time.Second
		}
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Printf("WARNING: cannot open database: %v. Will operate with degraded functionality.", err)
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("operation", "db_open")
			scope.SetLevel(sentry.LevelWarning)
			sentry.CaptureException(err)
		})
		return nil
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &Store{db: db, opTimeout: opTimeout}

	// Probe the connection without blocking startup.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			log.Printf("WARNING: database connection failed: %v. Will operate with degraded functionality.", err)
			sentry.WithScope(func(scope *sentry.Scope) {
				scope.SetTag("operation", "db_connect")
				scope.SetLevel(sentry.LevelWarning)
				sentry.CaptureException(err)
			})
		} else {
			log.Printf("Database connected successfully")
			sentry.AddBreadcrumb(&sentry.Breadcrumb{
				Category:  "db",
				Message:   "Database connected successfully",
				Level:     sentry.LevelInfo,
				Timestamp: time.Now(),
			})
		}
	}()

	return store
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *Store) capture(op string, err error) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("operation", op)
		scope.SetLevel(sentry.LevelError)
		sentry.CaptureException(err)
	})
}

func (s *Store) GetUserEmail(ctx context.Context, userID int64) (string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var email string
	err := s.db.QueryRowContext(ctx, `SELECT email FROM users WHERE id = $1`, userID).Scan(&email)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		log.Printf("Error retrieving email for user %d: %v", userID, err)
		s.capture("db_get_user_email", err)
		return "", err
	}
	return email, nil
}

func (s *Store) GetUserFullName(ctx context.Context, userID int64) (string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var fullName string
	err := s.db.QueryRowContext(ctx,
		`SELECT firstname || ' ' || lastname FROM users WHERE id = $1`, userID).Scan(&fullName)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		log.Printf("Error retrieving full name for user %d: %v", userID, err)
		s.capture("db_get_user_full_name", err)
		return "", err
	}
	return fullName, nil
}

func (s *Store) GetUserAvatar(ctx context.Context, userID int64) (string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var avatar sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT avatar FROM users WHERE id = $1`, userID).Scan(&avatar)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		log.Printf("Error retrieving avatar for user %d: %v", userID, err)
		s.capture("db_get_user_avatar", err)
		return "", err
	}
	return avatar.String, nil
}

func (s *Store) SaveMessage(ctx context.Context, msg *ChatRecord) (int64, time.Time, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var (
		id        int64
		createdAt time.Time
	)
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO messages
			(sender_id, recipient_id, message_text, message_type, image_url, video_url, file_url, file_name, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), NOW())
		RETURNING id, created_at`,
		msg.SenderID, msg.RecipientID, msg.MessageText, msg.MessageType,
		msg.ImageURL, msg.VideoURL, msg.FileURL, msg.FileName,
	).Scan(&id, &createdAt)
	if err != nil {
		log.Printf("Error saving message from %d to %d: %v", msg.SenderID, msg.RecipientID, err)
		s.capture("db_save_message", err)
		return 0, time.Time{}, err
	}
	return id, createdAt, nil
}

func (s *Store) FetchMessageByID(ctx context.Context, id int64) (*ChatRecord, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var (
		rec      ChatRecord
		imageURL sql.NullString
		videoURL sql.NullString
		fileURL  sql.NullString
		fileName sql.NullString
		avatar   sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT m.id, m.sender_id, m.recipient_id, m.message_text, m.message_type,
		       m.image_url, m.video_url, m.file_url, m.file_name, m.created_at,
		       u.username, u.avatar
		FROM messages m
		JOIN users u ON m.sender_id = u.id
		WHERE m.id = $1`, id).Scan(
		&rec.ID, &rec.SenderID, &rec.RecipientID, &rec.MessageText, &rec.MessageType,
		&imageURL, &videoURL, &fileURL, &fileName, &rec.CreatedAt,
		&rec.SenderUsername, &avatar,
	)
	if err != nil {
		log.Printf("Error fetching message %d: %v", id, err)
		s.capture("db_fetch_message", err)
		return nil, err
	}
	rec.ImageURL = imageURL.String
	rec.VideoURL = videoURL.String
	rec.FileURL = fileURL.String
	rec.FileName = fileName.String
	rec.SenderAvatar = avatar.String
	return &rec, nil
}

func (s *Store) UpdateOnlineStatus(ctx context.Context, userID int64, online bool) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET is_online = $1, last_seen = NOW() WHERE id = $2`, online, userID)
	if err != nil {
		s.capture("db_update_online_status", err)
	}
	return err
}

func (s *Store) TouchLastActivity(ctx context.Context, userID int64) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_activity = NOW() WHERE id = $1`, userID)
	if err != nil {
		s.capture("db_touch_last_activity", err)
	}
	return err
}

// QueryEventsForWindow returns (event, participant) pairs for active events
// on the given calendar date.
func (s *Store) QueryEventsForWindow(ctx context.Context, date time.Time) ([]EventReminder, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.title, e.event_date, e.event_end_date, e.location, e.description,
		       u.id, u.username, COALESCE(u.firstname, ''), u.email
		FROM events e
		JOIN event_going eg ON e.id = eg.event_id
		JOIN users u ON eg.user_id = u.id
		WHERE DATE(e.event_date) = DATE($1)
		  AND e.status = 'active' AND e.is_active = TRUE
		ORDER BY e.event_date ASC`, date)
	if err != nil {
		log.Printf("Error querying events for %s: %v", date.Format("2006-01-02"), err)
		s.capture("db_query_events_for_window", err)
		return nil, err
	}
	defer rows.Close()

	var out []EventReminder
	for rows.Next() {
		var (
			r       EventReminder
			endDate sql.NullTime
		)
		if err := rows.Scan(&r.Event.ID, &r.Event.Title, &r.Event.Date, &endDate,
			&r.Event.Location, &r.Event.Description,
			&r.UserID, &r.Username, &r.FirstName, &r.Email); err != nil {
			log.Printf("Error scanning event reminder row: %v", err)
			continue
		}
		if endDate.Valid {
			t := endDate.Time
			r.Event.EndDate = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) UpcomingEventsForUser(ctx context.Context, userID int64, days, limit int) ([]EventRecord, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.title, e.event_date, e.event_end_date, e.location, e.description,
		       EXTRACT(DAY FROM e.event_date - NOW())::int AS days_until
		FROM events e
		JOIN event_going eg ON e.id = eg.event_id
		WHERE eg.user_id = $1
		  AND e.event_date > NOW()
		  AND e.event_date <= NOW() + ($2 || ' days')::interval
		  AND e.status = 'active' AND e.is_active = TRUE
		ORDER BY e.event_date ASC
		LIMIT $3`, userID, days, limit)
	if err != nil {
		log.Printf("Error querying upcoming events for user %d: %v", userID, err)
		s.capture("db_upcoming_events", err)
		return nil, err
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var (
			rec     EventRecord
			endDate sql.NullTime
		)
		if err := rows.Scan(&rec.ID, &rec.Title, &rec.Date, &endDate,
			&rec.Location, &rec.Description, &rec.DaysUntil); err != nil {
			log.Printf("Error scanning upcoming event row: %v", err)
			continue
		}
		if endDate.Valid {
			t := endDate.Time
			rec.EndDate = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) LogNotificationSent(ctx context.Context, eventID, userID int64, daysBefore int, success bool) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_notification_log (event_id, user_id, days_before, sent_at, success)
		VALUES ($1, $2, $3, NOW(), $4)`, eventID, userID, daysBefore, success)
	if err != nil {
		s.capture("db_log_notification", err)
	}
	return err
}

func (s *Store) HasNotificationAlreadySent(ctx context.Context, eventID, userID int64, daysBefore int) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM event_notification_log
		WHERE event_id = $1 AND user_id = $2 AND days_before = $3
		  AND sent_at >= NOW() - INTERVAL '24 hours'`,
		eventID, userID, daysBefore).Scan(&n)
	if err != nil {
		s.capture("db_has_notification_sent", err)
		return false, err
	}
	return n > 0, nil
}

// resolveDisplayName fetches a user's full name, substituting the default
// placeholder on any failure. Safe on a nil Directory.
func resolveDisplayName(ctx context.Context, dir Directory, userID int64) string {
	if dir == nil {
		return defaultDisplayName
	}
	name, err := dir.GetUserFullName(ctx, userID)
	if err != nil || name == "" {
		return defaultDisplayName
	}
	return name
}

// resolveAvatar fetches a user's avatar path, substituting the default
// placeholder on any failure. Safe on a nil Directory.
func resolveAvatar(ctx context.Context, dir Directory, userID int64) string {
	if dir == nil {
		return defaultAvatarPath
	}
	avatar, err := dir.GetUserAvatar(ctx, userID)
	if err != nil || avatar == "" {
		return defaultAvatarPath
	}
	return avatar
}
