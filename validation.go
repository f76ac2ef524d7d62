package main

import (
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
)

var (
	originsOnce    sync.Once
	allowedOrigins []string
)

// loadAllowedOrigins reads ALLOWED_ORIGINS, a comma-separated list of
// trusted origins. An empty list means allow-all: the relay historically ran
// without an origin check and some deployments still rely on that.
func loadAllowedOrigins() []string {
	originsOnce.Do(func() {
		raw := os.Getenv("ALLOWED_ORIGINS")
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				allowedOrigins = append(allowedOrigins, o)
			}
		}
		if len(allowedOrigins) == 0 {
			log.Printf("WARNING: ALLOWED_ORIGINS not set, accepting connections from any origin")
		}
	})
	return allowedOrigins
}

// ValidateOrigin checks if the origin of the request is allowed.
func ValidateOrigin(r *http.Request) bool {
	origins := loadAllowedOrigins()
	if len(origins) == 0 {
		return true
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		log.Println("Rejecting connection with no Origin header")
		return false
	}

	u, err := url.Parse(origin)
	if err != nil {
		log.Printf("Rejecting connection with malformed Origin header: %s", origin)
		return false
	}

	for _, allowedOrigin := range origins {
		allowedURL, err := url.Parse(allowedOrigin)
		if err != nil {
			log.Printf("Invalid allowed origin configured: %s", allowedOrigin)
			continue
		}

		// Compare scheme and hostname
		if u.Scheme == allowedURL.Scheme && u.Hostname() == allowedURL.Hostname() {
			uPort := u.Port()
			allowedPort := allowedURL.Port()

			// Normalize ports for comparison
			if uPort == "" {
				if u.Scheme == "https" {
					uPort = "443"
				} else {
					uPort = "80"
				}
			}
			if allowedPort == "" {
				if allowedURL.Scheme == "https" {
					allowedPort = "443"
				} else {
					allowedPort = "80"
				}
			}

			if uPort == allowedPort {
				return true
			}
		}
	}

	log.Printf("Rejecting connection from origin: %s", origin)
	return false
}
