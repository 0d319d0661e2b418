// Package lots is the configuration service for NVRs, channels, and stalls.
// It owns credential sealing and the parsing of legacy track-region payloads.
package lots

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/technosupport/ts-parkops/internal/data"
)

// StallRegion is one named stall region in canonical form.
type StallRegion struct {
	Name   string
	Region data.Rect
}

// ParseTrackRegions accepts the three payload shapes found in legacy channel
// rows and returns canonical stall regions:
//
//	list:   [[x,y,w,h], ...] or [{"x":..,"y":..,"w":..,"h":..}, ...]
//	dict:   {"A-01": [x,y,w,h], ...} or {"A-01": {"x":..}, ...}
//	string: a JSON document of either shape embedded in a string
//
// List entries are named by 1-based position. Dict entries come back sorted
// by name so the result is deterministic.
func ParseTrackRegions(raw json.RawMessage) ([]StallRegion, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var embedded string
	if err := json.Unmarshal(raw, &embedded); err == nil {
		if embedded == "" {
			return nil, nil
		}
		return ParseTrackRegions(json.RawMessage(embedded))
	}

	var dict map[string]json.RawMessage
	if err := json.Unmarshal(raw, &dict); err == nil {
		names := make([]string, 0, len(dict))
		for name := range dict {
			names = append(names, name)
		}
		sort.Strings(names)

		out := make([]StallRegion, 0, len(dict))
		for _, name := range names {
			rect, err := parseRect(dict[name])
			if err != nil {
				return nil, fmt.Errorf("region %q: %w", name, err)
			}
			out = append(out, StallRegion{Name: name, Region: rect})
		}
		return out, nil
	}

	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		out := make([]StallRegion, 0, len(list))
		for i, entry := range list {
			rect, err := parseRect(entry)
			if err != nil {
				return nil, fmt.Errorf("region %d: %w", i+1, err)
			}
			out = append(out, StallRegion{Name: strconv.Itoa(i + 1), Region: rect})
		}
		return out, nil
	}

	return nil, fmt.Errorf("track region payload is neither list, dict, nor string")
}

// parseRect reads one region entry: a 4-number array [x,y,w,h] or an object
// with x/y/w/h fields.
func parseRect(raw json.RawMessage) (data.Rect, error) {
	var nums []float64
	if err := json.Unmarshal(raw, &nums); err == nil {
		if len(nums) != 4 {
			return data.Rect{}, fmt.Errorf("expected 4 numbers, got %d", len(nums))
		}
		return validRect(data.Rect{
			X: int(nums[0]), Y: int(nums[1]), W: int(nums[2]), H: int(nums[3]),
		})
	}

	var obj struct {
		X *int `json:"x"`
		Y *int `json:"y"`
		W *int `json:"w"`
		H *int `json:"h"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return data.Rect{}, fmt.Errorf("unparseable region entry: %w", err)
	}
	if obj.X == nil || obj.Y == nil || obj.W == nil || obj.H == nil {
		return data.Rect{}, fmt.Errorf("region object must carry x, y, w, h")
	}
	return validRect(data.Rect{X: *obj.X, Y: *obj.Y, W: *obj.W, H: *obj.H})
}

func validRect(r data.Rect) (data.Rect, error) {
	if r.W <= 0 || r.H <= 0 {
		return data.Rect{}, fmt.Errorf("region has non-positive size %dx%d", r.W, r.H)
	}
	return r, nil
}
