package httpapi

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

type setupCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type setupStatusResponse struct {
	RecognizerMode    string       `json:"recognizer_mode"`
	RosterSource      string       `json:"roster_source"`
	RosterSize        int          `json:"roster_size"`
	CaptureIntervalMS int64        `json:"capture_interval_ms"`
	Checks            []setupCheck `json:"checks"`
}

// handleSetupStatus reports whether the kiosk is wired well enough to scan
// real badges.
func (s *Server) handleSetupStatus(w http.ResponseWriter, _ *http.Request) {
	resp := setupStatusResponse{
		RecognizerMode:    s.info.RecognizerMode,
		RosterSource:      s.info.RosterSource,
		CaptureIntervalMS: s.cfg.CaptureInterval.Milliseconds(),
		Checks:            make([]setupCheck, 0, 6),
	}
	if s.scanner != nil {
		resp.RosterSize = s.scanner.Roster().Len()
	}

	resp.Checks = append(resp.Checks, s.rosterChecks(resp.RosterSize)...)
	resp.Checks = append(resp.Checks, s.recognizerChecks()...)

	interval := s.cfg.CaptureInterval
	switch {
	case interval < 100*time.Millisecond:
		resp.Checks = append(resp.Checks, setupCheck{
			ID:     "capture_interval",
			Status: "warn",
			Label:  "Capture interval",
			Detail: interval.String(),
			Fix:    "Raise SCAN_CAPTURE_INTERVAL; very short intervals flood the recognizer.",
		})
	default:
		resp.Checks = append(resp.Checks, setupCheck{
			ID:     "capture_interval",
			Status: "ok",
			Label:  "Capture interval",
			Detail: interval.String(),
		})
	}

	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) rosterChecks(size int) []setupCheck {
	out := make([]setupCheck, 0, 2)
	switch s.info.RosterSource {
	case "postgres":
		out = append(out, setupCheck{ID: "roster_source", Status: "ok", Label: "Roster", Detail: "postgres"})
	case "file":
		path := strings.TrimSpace(s.cfg.RosterFile)
		if _, err := os.Stat(path); err != nil {
			out = append(out, setupCheck{
				ID:     "roster_source",
				Status: "warn",
				Label:  "Roster",
				Detail: fmt.Sprintf("roster file no longer readable (%s)", path),
				Fix:    "Restore ROSTER_FILE; the loaded roster is used until restart.",
			})
		} else {
			out = append(out, setupCheck{ID: "roster_source", Status: "ok", Label: "Roster", Detail: "file"})
		}
	case "inline":
		out = append(out, setupCheck{ID: "roster_source", Status: "ok", Label: "Roster", Detail: "ROSTER"})
	default:
		out = append(out, setupCheck{
			ID:     "roster_source",
			Status: "warn",
			Label:  "Roster",
			Detail: "built-in demo roster",
			Fix:    "Set DATABASE_URL, ROSTER_FILE or ROSTER to use the real employee list.",
		})
	}
	if size == 0 {
		out = append(out, setupCheck{
			ID:     "roster_size",
			Status: "error",
			Label:  "Roster size",
			Detail: "no users loaded",
		})
	}
	return out
}

func (s *Server) recognizerChecks() []setupCheck {
	out := make([]setupCheck, 0, 2)
	switch s.info.RecognizerMode {
	case "mock":
		out = append(out, setupCheck{
			ID:     "recognizer",
			Status: "warn",
			Label:  "Text recognizer is mock",
			Detail: "frames are decoded as plain text; camera images will never match",
			Fix:    "Set RECOGNIZER_HTTP_URL to an OCR service.",
		})
		return out
	default:
		out = append(out, setupCheck{
			ID:     "recognizer",
			Status: "ok",
			Label:  "Text recognizer",
			Detail: s.info.RecognizerMode,
		})
	}

	if err := probeHTTPEndpoint(s.cfg.RecognizerHTTPURL); err != nil {
		out = append(out, setupCheck{
			ID:     "recognizer_endpoint",
			Status: "error",
			Label:  "OCR service",
			Detail: fmt.Sprintf("not reachable (%s)", strings.TrimSpace(s.cfg.RecognizerHTTPURL)),
			Fix:    "Start the OCR service or correct RECOGNIZER_HTTP_URL.",
		})
	} else {
		out = append(out, setupCheck{
			ID:     "recognizer_endpoint",
			Status: "ok",
			Label:  "OCR service",
			Detail: "reachable",
		})
	}
	return out
}

func probeHTTPEndpoint(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("url missing")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	host := strings.TrimSpace(u.Host)
	if host == "" {
		return fmt.Errorf("host missing")
	}
	addr := host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		addr = net.JoinHostPort(u.Hostname(), port)
	}
	c, err := net.DialTimeout("tcp", addr, 250*time.Millisecond)
	if err != nil {
		return err
	}
	_ = c.Close()
	return nil
}
