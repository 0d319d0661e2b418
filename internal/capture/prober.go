package capture

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/technosupport/ts-parkops/internal/replay"
)

// Probe outcomes, stored verbatim in nvr_configs.status.
const (
	ProbeOnline     = "online"
	ProbeOffline    = "offline"
	ProbeAuthFailed = "auth_failed"
	ProbeError      = "error"
)

// ProbeNVR performs a lightweight RTSP OPTIONS handshake against host:port.
// It reports how the NVR answered; err is non-nil only when nothing answered
// at all. An auth rejection still proves the box is up.
func ProbeNVR(ctx context.Context, host string, port int, timeout time.Duration) (string, error) {
	if port == 0 {
		port = 554
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	addr := fmt.Sprintf("%s:%d", host, port)

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return ProbeOffline, err
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return ProbeOffline, err
	}

	target := fmt.Sprintf("rtsp://%s/", addr)
	msg := fmt.Sprintf("OPTIONS %s RTSP/1.0\r\nCSeq: 1\r\nUser-Agent: TS-ParkOps-Health\r\n\r\n", target)
	if _, err := conn.Write([]byte(msg)); err != nil {
		return ProbeOffline, err
	}

	statusLine, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return ProbeOffline, err
	}

	parts := strings.Split(strings.TrimSpace(statusLine), " ")
	if len(parts) < 2 {
		return ProbeError, fmt.Errorf("malformed rtsp response: %q", statusLine)
	}

	code := parts[1]
	switch {
	case code == "401" || code == "403":
		return ProbeAuthFailed, nil
	case strings.HasPrefix(code, "2"):
		return ProbeOnline, nil
	default:
		return ProbeError, nil
	}
}

// ProbeReplayBase probes the NVR behind a replay base URL. Used before a
// combo run starts; callers warn on failure but never abort the run, since
// the replay stream can answer even when OPTIONS does not.
func ProbeReplayBase(ctx context.Context, baseURL string, timeout time.Duration) (string, error) {
	host := replay.HostOf(baseURL + "/")
	if host == "" {
		return ProbeError, fmt.Errorf("no host in replay base url")
	}
	return ProbeNVR(ctx, host, 554, timeout)
}
