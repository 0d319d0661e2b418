// Package replay builds and parses NVR replay URLs and slices recording days
// into fixed-length segments. It performs no network I/O.
package replay

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Mode selects the replay pacing flag appended to every URL. ModeFast (s1)
// is the default; ModeRealtime (s0) is only used when a lot's NVR cannot
// keep up with fast playback.
type Mode string

const (
	ModeFast     Mode = "s1"
	ModeRealtime Mode = "s0"
)

var (
	ErrNotReplayURL = errors.New("replay: url does not match replay format")

	urlRe     = regexp.MustCompile(`^(.+)/(c\d+)/b(\d+)/e(\d+)/replay/(s[01])$`)
	windowRe  = regexp.MustCompile(`/b(\d+)/e(\d+)/`)
	channelRe = regexp.MustCompile(`/(c\d+)/`)
	hostRe    = regexp.MustCompile(`@([\d.]+)(?::\d+)?/`)
)

// Segment is one fixed-length slice of a recording day.
type Segment struct {
	Index   int
	StartTS int64
	EndTS   int64
}

// BuildURL assembles a replay URL from its parts. The base URL is treated as
// an opaque prefix: NVR credentials inside it must stay verbatim, so nothing
// here runs through net/url.
func BuildURL(base, channel string, startTS, endTS int64, mode Mode) string {
	if mode == "" {
		mode = ModeFast
	}
	return fmt.Sprintf("%s/%s/b%d/e%d/replay/%s",
		strings.TrimRight(base, "/"), channel, startTS, endTS, mode)
}

// ParsedURL is the inverse of BuildURL.
type ParsedURL struct {
	Base    string
	Channel string
	StartTS int64
	EndTS   int64
	Mode    Mode
}

// ParseURL decomposes a replay URL. BuildURL(ParseURL(u)) == u for every URL
// this package produced.
func ParseURL(rawURL string) (ParsedURL, error) {
	m := urlRe.FindStringSubmatch(rawURL)
	if m == nil {
		return ParsedURL{}, ErrNotReplayURL
	}
	start, err := strconv.ParseInt(m[3], 10, 64)
	if err != nil {
		return ParsedURL{}, ErrNotReplayURL
	}
	end, err := strconv.ParseInt(m[4], 10, 64)
	if err != nil {
		return ParsedURL{}, ErrNotReplayURL
	}
	return ParsedURL{
		Base:    m[1],
		Channel: m[2],
		StartTS: start,
		EndTS:   end,
		Mode:    Mode(m[5]),
	}, nil
}

// WithWindow rewrites the b/e window of an existing replay URL in place,
// preserving everything else byte for byte. Used for minute-level captures.
func WithWindow(rawURL string, startTS, endTS int64) (string, error) {
	loc := windowRe.FindStringIndex(rawURL)
	if loc == nil {
		return "", ErrNotReplayURL
	}
	return rawURL[:loc[0]] + fmt.Sprintf("/b%d/e%d/", startTS, endTS) + rawURL[loc[1]:], nil
}

// ChannelOf extracts the channel code ("c3") from any replay URL, or "".
func ChannelOf(rawURL string) string {
	m := channelRe.FindStringSubmatch(rawURL)
	if m == nil {
		return ""
	}
	return m[1]
}

// HostOf extracts the NVR IP that follows the credential block, or "".
func HostOf(rawURL string) string {
	m := hostRe.FindStringSubmatch(rawURL)
	if m == nil {
		return ""
	}
	return m[1]
}

// DayBounds returns the inclusive [start, end] unix range of a calendar day
// in loc. End is the last second of the day.
func DayBounds(date time.Time, loc *time.Location) (int64, int64) {
	if loc == nil {
		loc = time.Local
	}
	start := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, loc)
	return start.Unix(), start.Unix() + 24*3600 - 1
}

// DaySlices cuts a recording day into interval-minute segments. Every segment
// spans interval*60 seconds except the last, which is clipped to the day end.
func DaySlices(date time.Time, intervalMinutes int, loc *time.Location) []Segment {
	if intervalMinutes <= 0 {
		return nil
	}
	dayStart, dayEnd := DayBounds(date, loc)
	step := int64(intervalMinutes) * 60

	var segs []Segment
	for i, start := 0, dayStart; start < dayEnd; i, start = i+1, start+step {
		end := start + step
		if end > dayEnd {
			end = dayEnd
		}
		segs = append(segs, Segment{Index: i, StartTS: start, EndTS: end})
	}
	return segs
}

// MinuteWindows cuts one segment into minute sub-windows for back-fill. The
// last window is clipped to the segment end.
func MinuteWindows(startTS, endTS int64) []Segment {
	if endTS <= startTS {
		return nil
	}
	total := int((endTS - startTS + 59) / 60)
	segs := make([]Segment, 0, total)
	for i := 0; i < total; i++ {
		s := startTS + int64(i)*60
		e := s + 60
		if e > endTS {
			e = endTS
		}
		segs = append(segs, Segment{Index: i, StartTS: s, EndTS: e})
	}
	return segs
}

// MinuteCount is len(MinuteWindows) without allocating.
func MinuteCount(startTS, endTS int64) int {
	if endTS <= startTS {
		return 0
	}
	return int((endTS - startTS + 59) / 60)
}

// ComboKey identifies one (date, NVR, channel) run. Trailing slashes on the
// base URL must not split a combo in two.
func ComboKey(date, base, channel string) string {
	return date + "::" + strings.TrimRight(base, "/") + "::" + channel
}
