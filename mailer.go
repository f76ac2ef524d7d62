package main

import (
	"fmt"
	"html/template"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"gopkg.in/gomail.v2"
)

// EmailSender is the notification gateway: fire-and-forget HTML email for
// users who are not connected. A send failure never propagates past the
// caller's log line.
type EmailSender interface {
	SendEmail(to, subject, htmlBody string) error
}

// Mailer sends over SMTP. SSL on port 465 by default, matching the
// shared-hosting setups this relay is deployed against.
type Mailer struct {
	dialer *gomail.Dialer
	from   string
}

// NewMailer reads SMTP_* from the environment and returns nil when the
// host or credentials are missing, same degradation contract as NewStore.
func NewMailer() *Mailer {
	host := os.Getenv("SMTP_HOST")
	user := os.Getenv("SMTP_USER")
	pass := os.Getenv("SMTP_PASSWORD")
	if host == "" || user == "" {
		log.Printf("WARNING: SMTP not configured. Email notifications disabled.")
		return nil
	}

	port := 465
	if s := os.Getenv("SMTP_PORT"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			port = n
		}
	}

	d := gomail.NewDialer(host, port, user, pass)
	d.SSL = port == 465

	from := os.Getenv("SMTP_FROM")
	if from == "" {
		from = user
	}
	log.Printf("Mailer configured: %s:%d from %s", host, port, from)
	return &Mailer{dialer: d, from: from}
}

func (m *Mailer) SendEmail(to, subject, htmlBody string) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/html", htmlBody)

	if err := m.dialer.DialAndSend(msg); err != nil {
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("operation", "smtp_send")
			scope.SetLevel(sentry.LevelError)
			sentry.CaptureException(err)
		})
		return fmt.Errorf("send email to %s: %w", to, err)
	}
	log.Printf("Email sent to %s: %s", to, subject)
	return nil
}

var giftTmpl = template.Must(template.New("gift").Parse(`
<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto;">
  <h2 style="color: #e91e63;">🎁 Вам отправили подарок!</h2>
  <p><strong>{{.SenderName}}</strong> отправил(а) вам подарок.</p>
  <p>Войдите на сайт, чтобы посмотреть его.</p>
</div>`))

func giftEmailBody(senderName string) string {
	var b strings.Builder
	if err := giftTmpl.Execute(&b, struct{ SenderName string }{senderName}); err != nil {
		log.Printf("Error rendering gift email: %v", err)
		return ""
	}
	return b.String()
}

var warningTmpl = template.Must(template.New("warning").Parse(`
<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto;">
  <h2 style="color: #f44336;">⚠️ Предупреждение от администрации</h2>
  <p>Здравствуйте, <strong>{{.UserName}}</strong>!</p>
  <p>Вы получили предупреждение.</p>
  <table style="width: 100%; border-collapse: collapse;">
    <tr><td style="padding: 6px; font-weight: bold;">Причина:</td><td style="padding: 6px;">{{.Reason}}</td></tr>
    {{if .Details}}<tr><td style="padding: 6px; font-weight: bold;">Подробности:</td><td style="padding: 6px;">{{.Details}}</td></tr>{{end}}
    {{if .Duration}}<tr><td style="padding: 6px; font-weight: bold;">Срок действия:</td><td style="padding: 6px;">{{.Duration}} дн. (до {{.Expires}})</td></tr>{{end}}
    {{if .AdminName}}<tr><td style="padding: 6px; font-weight: bold;">Выдано:</td><td style="padding: 6px;">{{.AdminName}}</td></tr>{{end}}
  </table>
  <p style="color: #757575; font-size: 13px;">Повторные нарушения могут привести к блокировке аккаунта.</p>
</div>`))

func warningEmailBody(userName, reason, details string, durationDays int, adminName string) string {
	data := struct {
		UserName  string
		Reason    string
		Details   string
		Duration  int
		Expires   string
		AdminName string
	}{
		UserName:  userName,
		Reason:    reason,
		Details:   details,
		Duration:  durationDays,
		AdminName: adminName,
	}
	if durationDays > 0 {
		data.Expires = time.Now().AddDate(0, 0, durationDays).Format("02.01.2006")
	}
	var b strings.Builder
	if err := warningTmpl.Execute(&b, data); err != nil {
		log.Printf("Error rendering warning email: %v", err)
		return ""
	}
	return b.String()
}

var reminderTmpl = template.Must(template.New("reminder").Parse(`
<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto;">
  <h2 style="color: {{.Accent}};">📅 {{.Heading}}</h2>
  <p>Здравствуйте, <strong>{{.Name}}</strong>!</p>
  <p>Напоминаем о событии, на которое вы записаны:</p>
  <div style="border-left: 4px solid {{.Accent}}; padding: 10px 16px; background: #fafafa;">
    <h3 style="margin: 0 0 8px;">{{.Title}}</h3>
    <p style="margin: 4px 0;">🕒 {{.When}}</p>
    {{if .Location}}<p style="margin: 4px 0;">📍 {{.Location}}</p>{{end}}
    {{if .Description}}<p style="margin: 4px 0; color: #555;">{{.Description}}</p>{{end}}
  </div>
</div>`))

// eventReminderBody renders the reminder notice. The accent color tracks
// urgency: red the day of the event, orange the day before, blue otherwise.
func eventReminderBody(name string, ev EventRecord, daysBefore int) string {
	accent := "#2196f3"
	heading := fmt.Sprintf("Событие через %d дн.", daysBefore)
	switch daysBefore {
	case 0:
		accent = "#f44336"
		heading = "Событие сегодня!"
	case 1:
		accent = "#ff9800"
		heading = "Событие завтра"
	}

	data := struct {
		Accent, Heading, Name, Title, When, Location, Description string
	}{
		Accent:      accent,
		Heading:     heading,
		Name:        name,
		Title:       ev.Title,
		When:        ev.Date.Format("02.01.2006 15:04"),
		Location:    ev.Location,
		Description: ev.Description,
	}
	var b strings.Builder
	if err := reminderTmpl.Execute(&b, data); err != nil {
		log.Printf("Error rendering reminder email: %v", err)
		return ""
	}
	return b.String()
}
