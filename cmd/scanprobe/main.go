package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/gradescanner/internal/protocol"
	"github.com/ent0n29/gradescanner/internal/session"
)

type options struct {
	baseURL       string
	kioskID       string
	badgeText     string
	badgeImage    []byte
	badgeFormat   string
	noiseFrames   int
	cycles        int
	score         int
	frameInterval time.Duration
	cycleTimeout  time.Duration
	verbose       bool
	out           io.Writer
}

type cycleResult struct {
	framesSent  int
	timeToFound time.Duration
	user        string
	finalScore  int
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "scanprobe: %v\n", err)
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	results, err := run(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scanprobe: %v\n", err)
		os.Exit(1)
	}
	printSummary(cfg.out, results)
}

func parseFlags(args []string) (options, error) {
	fs := flag.NewFlagSet("scanprobe", flag.ContinueOnError)
	var cfg options
	var imagePath string
	var frameIntervalMS, cycleTimeoutMS int
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "scanner base URL")
	fs.StringVar(&cfg.kioskID, "kiosk-id", "scanprobe", "kiosk_id for the probe session")
	fs.StringVar(&cfg.badgeText, "badge", "Tim Cook", "badge text sent as a text frame (mock recognizer)")
	fs.StringVar(&imagePath, "badge-image", "", "optional badge image file sent instead of badge text")
	fs.IntVar(&cfg.noiseFrames, "noise-frames", 3, "frames without a badge before the badge is shown")
	fs.IntVar(&cfg.cycles, "cycles", 5, "scan, confirm, score and dismiss cycles to run")
	fs.IntVar(&cfg.score, "score", 7, "score submitted for each matched user")
	fs.IntVar(&frameIntervalMS, "frame-interval-ms", 100, "delay between frames in milliseconds")
	fs.IntVar(&cycleTimeoutMS, "cycle-timeout-ms", 10000, "timeout for one cycle in milliseconds")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print probe progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.cycles <= 0 {
		return options{}, fmt.Errorf("cycles must be > 0")
	}
	if cfg.noiseFrames < 0 {
		cfg.noiseFrames = 0
	}
	if frameIntervalMS < 10 {
		frameIntervalMS = 10
	}
	if cycleTimeoutMS < 1000 {
		cycleTimeoutMS = 1000
	}
	cfg.frameInterval = time.Duration(frameIntervalMS) * time.Millisecond
	cfg.cycleTimeout = time.Duration(cycleTimeoutMS) * time.Millisecond

	if imagePath = strings.TrimSpace(imagePath); imagePath != "" {
		img, err := os.ReadFile(imagePath)
		if err != nil {
			return options{}, fmt.Errorf("read badge image: %w", err)
		}
		if len(img) == 0 {
			return options{}, fmt.Errorf("badge image %s is empty", imagePath)
		}
		cfg.badgeImage = img
		cfg.badgeFormat = strings.TrimPrefix(strings.ToLower(filepath.Ext(imagePath)), ".")
	} else if strings.TrimSpace(cfg.badgeText) == "" {
		return options{}, fmt.Errorf("badge text or badge-image is required")
	}
	cfg.out = os.Stdout
	return cfg, nil
}

func run(ctx context.Context, cfg options) ([]cycleResult, error) {
	httpClient := &http.Client{Timeout: 15 * time.Second}

	sessionID, err := createSession(ctx, httpClient, cfg)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endSession(context.Background(), httpClient, cfg.baseURL, sessionID)
	}()
	cfg.logf("session=%s cycles=%d noise_frames=%d frame_interval=%s", sessionID, cfg.cycles, cfg.noiseFrames, cfg.frameInterval)

	wsURL, err := wsURLForSession(cfg.baseURL, sessionID)
	if err != nil {
		return nil, fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("open websocket: %w", err)
	}

	snapshots := make(chan protocol.SessionSnapshot, 64)
	finished := make(chan struct{})
	var results []cycleResult

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return readLoop(gctx, conn, snapshots, finished, cfg)
	})
	g.Go(func() error {
		defer conn.Close()
		defer close(finished)
		var err error
		results, err = drive(gctx, conn, sessionID, cfg, snapshots)
		return err
	})
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// drive runs the kiosk side of the workflow: frames until a match, then the
// confirm, score and dismiss intents.
func drive(ctx context.Context, conn *websocket.Conn, sessionID string, cfg options, snapshots <-chan protocol.SessionSnapshot) ([]cycleResult, error) {
	first, err := awaitSnapshot(ctx, snapshots, cfg.cycleTimeout, func(s protocol.SessionSnapshot) bool { return true })
	if err != nil {
		return nil, fmt.Errorf("await first snapshot: %w", err)
	}
	if first.Step != "scanning" {
		return nil, fmt.Errorf("session starts in step %q, want scanning", first.Step)
	}

	results := make([]cycleResult, 0, cfg.cycles)
	seq := 0
	for i := 0; i < cfg.cycles; i++ {
		res, err := runCycle(ctx, conn, sessionID, cfg, snapshots, &seq)
		if err != nil {
			return results, fmt.Errorf("cycle %d: %w", i+1, err)
		}
		cfg.logf("cycle %d/%d user=%q frames=%d time_to_found=%s score=%d",
			i+1, cfg.cycles, res.user, res.framesSent, res.timeToFound.Round(time.Millisecond), res.finalScore)
		results = append(results, res)
	}
	return results, nil
}

func runCycle(ctx context.Context, conn *websocket.Conn, sessionID string, cfg options, snapshots <-chan protocol.SessionSnapshot, seq *int) (cycleResult, error) {
	var res cycleResult
	deadline := time.NewTimer(cfg.cycleTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(cfg.frameInterval)
	defer ticker.Stop()

	started := time.Now()
	var found protocol.SessionSnapshot
scan:
	for {
		*seq++
		res.framesSent++
		frame := noiseFrame(sessionID, *seq)
		if res.framesSent > cfg.noiseFrames {
			frame = badgeFrame(sessionID, *seq, cfg)
		}
		if err := conn.WriteJSON(frame); err != nil {
			return res, fmt.Errorf("send frame: %w", err)
		}
		for {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-deadline.C:
				return res, fmt.Errorf("no match after %d frames", res.framesSent)
			case snap := <-snapshots:
				if snap.Step == "found" {
					found = snap
					break scan
				}
				continue
			case <-ticker.C:
			}
			break
		}
	}
	res.timeToFound = time.Since(started)
	if found.User != nil {
		res.user = found.User.Name
	}

	// A score equal to the current one is a no-op on the server and
	// publishes nothing, so that step completes without waiting.
	want := clampScore(cfg.score)
	steps := []struct {
		intent protocol.ClientIntent
		done   func(protocol.SessionSnapshot) bool
	}{
		{
			intent: intent(sessionID, protocol.ActionConfirmCandidate, 0),
			done:   func(s protocol.SessionSnapshot) bool { return s.Step == "form" },
		},
		{
			intent: intent(sessionID, protocol.ActionSetScore, cfg.score),
			done:   func(s protocol.SessionSnapshot) bool { return s.Step == "form" && s.Score == want },
		},
		{
			intent: intent(sessionID, protocol.ActionDismissForm, 0),
			done:   func(s protocol.SessionSnapshot) bool { return s.Step == "scanning" },
		},
	}
	last := found
	for _, step := range steps {
		if !step.done(last) {
			if err := conn.WriteJSON(step.intent); err != nil {
				return res, fmt.Errorf("send %s: %w", step.intent.Action, err)
			}
			snap, err := awaitSnapshot(ctx, snapshots, cfg.cycleTimeout, step.done)
			if err != nil {
				return res, fmt.Errorf("await %s: %w", step.intent.Action, err)
			}
			last = snap
		}
		if step.intent.Action == protocol.ActionSetScore {
			res.finalScore = last.Score
		}
	}
	return res, nil
}

func awaitSnapshot(ctx context.Context, snapshots <-chan protocol.SessionSnapshot, timeout time.Duration, done func(protocol.SessionSnapshot) bool) (protocol.SessionSnapshot, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return protocol.SessionSnapshot{}, ctx.Err()
		case <-timer.C:
			return protocol.SessionSnapshot{}, fmt.Errorf("timeout after %s", timeout)
		case snap := <-snapshots:
			if done(snap) {
				return snap, nil
			}
		}
	}
}

func readLoop(ctx context.Context, conn *websocket.Conn, snapshots chan<- protocol.SessionSnapshot, finished <-chan struct{}, cfg options) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-finished:
				return nil
			default:
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("ws read: %w", err)
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case protocol.TypeSessionSnapshot:
			var snap protocol.SessionSnapshot
			if err := json.Unmarshal(data, &snap); err != nil {
				continue
			}
			select {
			case snapshots <- snap:
			case <-ctx.Done():
				return nil
			case <-finished:
				return nil
			}
		case protocol.TypeErrorEvent:
			var ev protocol.ErrorEvent
			if err := json.Unmarshal(data, &ev); err == nil && cfg.verbose {
				fmt.Fprintf(os.Stderr, "scanprobe: error_event code=%s detail=%s\n", ev.Code, ev.Detail)
			}
		case protocol.TypeSystemEvent:
			var ev protocol.SystemEvent
			if err := json.Unmarshal(data, &ev); err == nil && ev.Code == "session_ended" {
				select {
				case <-finished:
					return nil
				default:
					return fmt.Errorf("session ended by server")
				}
			}
		}
	}
}

func createSession(ctx context.Context, client *http.Client, cfg options) (string, error) {
	payload, err := json.Marshal(session.CreateRequest{KioskID: cfg.kioskID})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/scan/session", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var out session.CreateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", fmt.Errorf("missing session_id in response")
	}
	return out.SessionID, nil
}

func endSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/scan/session/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/scan/session/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func noiseFrame(sessionID string, seq int) protocol.ClientFrame {
	return textFrame(sessionID, seq, fmt.Sprintf("VISITOR\nframe %d", seq))
}

func badgeFrame(sessionID string, seq int, cfg options) protocol.ClientFrame {
	if len(cfg.badgeImage) > 0 {
		return protocol.ClientFrame{
			Type:        protocol.TypeClientFrame,
			SessionID:   sessionID,
			Seq:         seq,
			ImageBase64: base64.StdEncoding.EncodeToString(cfg.badgeImage),
			Format:      cfg.badgeFormat,
			TSMs:        time.Now().UnixMilli(),
		}
	}
	return textFrame(sessionID, seq, "EMPLOYEE\n"+cfg.badgeText)
}

func textFrame(sessionID string, seq int, text string) protocol.ClientFrame {
	return protocol.ClientFrame{
		Type:        protocol.TypeClientFrame,
		SessionID:   sessionID,
		Seq:         seq,
		ImageBase64: base64.StdEncoding.EncodeToString([]byte(text)),
		Format:      "text",
		TSMs:        time.Now().UnixMilli(),
	}
}

func intent(sessionID, action string, value int) protocol.ClientIntent {
	return protocol.ClientIntent{
		Type:      protocol.TypeClientIntent,
		SessionID: sessionID,
		Action:    action,
		Value:     value,
	}
}

func clampScore(v int) int {
	switch {
	case v < 0:
		return 0
	case v > 10:
		return 10
	default:
		return v
	}
}

func printSummary(w io.Writer, results []cycleResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, "scanprobe: no cycles completed")
		return
	}
	durations := make([]time.Duration, 0, len(results))
	frames := 0
	for _, r := range results {
		durations = append(durations, r.timeToFound)
		frames += r.framesSent
	}
	fmt.Fprintf(w, "scanprobe: cycles=%d frames=%d time_to_found p50=%s p95=%s max=%s\n",
		len(results), frames,
		percentile(durations, 0.50).Round(time.Millisecond),
		percentile(durations, 0.95).Round(time.Millisecond),
		percentile(durations, 1).Round(time.Millisecond))
}

func percentile(values []time.Duration, q float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(q*float64(len(sorted)-1) + 0.5)
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func (o options) logf(format string, args ...any) {
	if !o.verbose || o.out == nil {
		return
	}
	fmt.Fprintf(o.out, "scanprobe: "+format+"\n", args...)
}
