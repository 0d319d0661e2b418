// Package hls renders replay streams into browser-playable HLS review
// sessions. Each session is one ffmpeg process transcoding an RTSP replay
// URL into <root>/<uuid>/index.m3u8 until it is stopped.
package hls

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-parkops/internal/platform/paths"
)

var (
	idRegex   = regexp.MustCompile(`^[a-zA-Z0-9-]{1,64}$`)
	fileRegex = regexp.MustCompile(`^[a-zA-Z0-9_\-]+\.(m3u8|ts)$`)
)

const playlistName = "index.m3u8"

type Config struct {
	FFmpegBin      string
	Root           string
	SegmentSeconds int
	ReadyTimeout   time.Duration
	PollInterval   time.Duration
}

type Session struct {
	ID        string    `json:"id"`
	Playlist  string    `json:"m3u8"`
	Warn      string    `json:"warn,omitempty"`
	StartedAt time.Time `json:"started_at"`

	cmd *exec.Cmd
	dir string
}

// Manager owns the ffmpeg processes behind active review sessions.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(cfg Config) *Manager {
	if cfg.FFmpegBin == "" {
		cfg.FFmpegBin = "ffmpeg"
	}
	if cfg.Root == "" {
		cfg.Root = paths.HLSRoot()
	}
	if cfg.SegmentSeconds <= 0 {
		cfg.SegmentSeconds = 2
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 20 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Manager{cfg: cfg, sessions: make(map[string]*Session)}
}

// probe pulls one second of the stream into a null sink so an unreadable
// replay URL fails fast. A failed probe does not block Start; some NVRs
// reject the short-lived probe connection but serve the long pull fine.
func (m *Manager) probe(ctx context.Context, replayURL string) error {
	ctx, cancel := context.WithTimeout(ctx, 7*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, m.cfg.FFmpegBin,
		"-rtsp_transport", "tcp",
		"-stimeout", "5000000",
		"-i", replayURL,
		"-t", "1",
		"-f", "null", "-")
	return cmd.Run()
}

// transcodeArgs forces H.264 baseline with a keyframe every segment so the
// playlist plays in any browser regardless of what the NVR records in.
func (m *Manager) transcodeArgs(replayURL, dir string) []string {
	return []string{
		"-rtsp_transport", "tcp",
		"-i", replayURL,
		"-analyzeduration", "100000000",
		"-probesize", "100000000",
		"-fflags", "nobuffer",
		"-flags", "low_delay",
		"-an",
		"-map", "0:v:0",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-tune", "zerolatency",
		"-pix_fmt", "yuv420p",
		"-profile:v", "baseline",
		"-level", "3.1",
		"-g", "50",
		"-keyint_min", "50",
		"-sc_threshold", "0",
		"-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%d)", m.cfg.SegmentSeconds),
		"-b:v", "1500k",
		"-max_muxing_queue_size", "1024",
		"-f", "hls",
		"-hls_time", fmt.Sprintf("%d", m.cfg.SegmentSeconds),
		"-hls_list_size", "6",
		"-hls_flags", "delete_segments+program_date_time",
		"-hls_segment_type", "mpegts",
		"-hls_segment_filename", filepath.Join(dir, "index%03d.ts"),
		filepath.Join(dir, playlistName),
	}
}

// Start launches a transcode of replayURL and blocks until the playlist
// materializes or the ready timeout passes. On timeout or early ffmpeg exit
// the session directory is removed.
func (m *Manager) Start(ctx context.Context, replayURL string) (*Session, error) {
	var warn string
	if err := m.probe(ctx, replayURL); err != nil {
		warn = "replay probe failed, started transcode anyway"
		log.Printf("[WARN] [hls] probe of replay stream failed: %v", err)
	}

	id := uuid.NewString()
	dir := filepath.Join(m.cfg.Root, id)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	cmd := exec.Command(m.cfg.FFmpegBin, m.transcodeArgs(replayURL, dir)...)
	if err := cmd.Start(); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	playlist := filepath.Join(dir, playlistName)
	deadline := time.Now().Add(m.cfg.ReadyTimeout)
	for {
		if _, err := os.Stat(playlist); err == nil {
			break
		}
		select {
		case err := <-exited:
			os.RemoveAll(dir)
			return nil, fmt.Errorf("ffmpeg exited before producing a playlist: %v", err)
		case <-ctx.Done():
			cmd.Process.Kill()
			os.RemoveAll(dir)
			return nil, ctx.Err()
		case <-time.After(m.cfg.PollInterval):
		}
		if time.Now().After(deadline) {
			cmd.Process.Kill()
			os.RemoveAll(dir)
			return nil, fmt.Errorf("no playlist after %s, replay stream may be empty", m.cfg.ReadyTimeout)
		}
	}

	s := &Session{
		ID:        id,
		Playlist:  "/hls/" + id + "/" + playlistName,
		Warn:      warn,
		StartedAt: time.Now(),
		cmd:       cmd,
		dir:       dir,
	}
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	log.Printf("[INFO] [hls] session %s started", id)
	return s, nil
}

// Stop terminates a session's ffmpeg process and removes its files.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no session %s", id)
	}

	m.terminate(s)
	os.RemoveAll(s.dir)
	log.Printf("[INFO] [hls] session %s stopped", id)
	return nil
}

// StopAll tears down every active session. Called on shutdown and by the
// data wipe endpoint.
func (m *Manager) StopAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		m.terminate(s)
		os.RemoveAll(s.dir)
	}
}

// Active lists the running sessions.
func (m *Manager) Active() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

func (m *Manager) terminate(s *Session) {
	if s.cmd == nil || s.cmd.Process == nil {
		return
	}
	s.cmd.Process.Signal(os.Interrupt)

	done := make(chan struct{})
	go func() {
		s.cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.cmd.Process.Kill()
	}
}

// ServeFile serves one playlist or segment from a session directory. The
// id and file names are validated against strict patterns before any path
// is built.
func (m *Manager) ServeFile(w http.ResponseWriter, r *http.Request, id, file string) {
	if !idRegex.MatchString(id) || !fileRegex.MatchString(file) {
		http.Error(w, "invalid session or file name", http.StatusBadRequest)
		return
	}

	target, err := paths.SafeJoin(m.cfg.Root, id, file)
	if err != nil {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}

	switch {
	case strings.HasSuffix(file, ".m3u8"):
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	case strings.HasSuffix(file, ".ts"):
		w.Header().Set("Content-Type", "video/mp2t")
		w.Header().Set("Cache-Control", "private, max-age=60")
	}
	http.ServeFile(w, r, target)
}
