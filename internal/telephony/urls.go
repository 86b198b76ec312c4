package telephony

import (
	"fmt"
	"net/http"
	"strings"
)

// PublicURL builds a public absolute URL for callbacks.
// Priority: configured base URL > X-Forwarded-* headers > request Host heuristic.
func PublicURL(baseURL string, r *http.Request, path string) string {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		proto := r.Header.Get("X-Forwarded-Proto")
		host := r.Header.Get("X-Forwarded-Host")
		if proto != "" && host != "" {
			baseURL = fmt.Sprintf("%s://%s", proto, host)
		}
	}
	if baseURL == "" {
		host := r.Host
		proto := "https"
		if strings.HasPrefix(host, "localhost:") || strings.HasPrefix(host, "127.0.0.1:") {
			proto = "http"
		}
		baseURL = fmt.Sprintf("%s://%s", proto, host)
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return baseURL + path
}

// WebsocketURL is PublicURL with the scheme switched to ws/wss.
func WebsocketURL(baseURL string, r *http.Request, path string) string {
	u := PublicURL(baseURL, r, path)
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}
