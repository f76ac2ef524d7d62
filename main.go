package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     ValidateOrigin,
}

func serveWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("Upgrade error:", err)
		return
	}

	client := newClient(conn)
	go client.writePump()
	go client.readPump(hub)

	log.Printf("Client %s connected, awaiting authentication", conn.RemoteAddr())
}

func healthCheckHandler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":      "ok",
			"connections": hub.clientCount(),
			"online":      hub.onlineCount(),
		})
	}
}

func main() {
	// .env is optional; real deployments set the environment directly.
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded configuration from .env")
	}
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Environment: os.Getenv("SENTRY_ENVIRONMENT"),
		})
		if err != nil {
			log.Printf("WARNING: sentry init failed: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	var (
		dir    Directory
		events EventSource
		mailer EmailSender
	)
	if store := NewStore(); store != nil {
		dir, events = store, store
		defer store.Close()
	}
	if m := NewMailer(); m != nil {
		mailer = m
	}
	notifyLog := NewNotificationLog()
	defer notifyLog.Close()

	hub := newHub(dir, mailer)
	hub.setEventSource(events)

	ctx := context.Background()
	go hub.runLiveness(ctx)
	go NewReminders(hub, dir, events, mailer, notifyLog).Run(ctx)

	http.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		serveWs(hub, w, r)
	})
	http.HandleFunc("/health", healthCheckHandler(hub))

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	log.Printf("WebSocket relay listening on :%s", port)
	if err := http.ListenAndServe(":"+port, nil); err != nil {
		log.Fatal("ListenAndServe: ", err)
	}
}
