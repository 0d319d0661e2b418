package data

import (
	"encoding/json"
	"time"
)

// Rect is a stall region as top-left corner plus size. The accessors exist
// because the on-screen coordinates have been misread as two corners before;
// use them instead of recombining fields by hand.
type Rect struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

func (r Rect) X1() int { return r.X }
func (r Rect) Y1() int { return r.Y }
func (r Rect) X2() int { return r.X + r.W }
func (r Rect) Y2() int { return r.Y + r.H }

func (r Rect) CenterX() float64 { return float64(r.X) + float64(r.W)/2 }
func (r Rect) CenterY() float64 { return float64(r.Y) + float64(r.H)/2 }

func (r Rect) Area() int {
	if r.W <= 0 || r.H <= 0 {
		return 0
	}
	return r.W * r.H
}

type NVRConfig struct {
	ID            int64      `json:"id"`
	NVRIP         string     `json:"nvr_ip"`
	NVRPort       int        `json:"nvr_port"`
	ParkingName   string     `json:"parking_name"`
	NVRUsername   string     `json:"nvr_username"`
	SecretNonce   []byte     `json:"-"`
	SecretCipher  []byte     `json:"-"`
	IsEnabled     bool       `json:"is_enabled"`
	Status        string     `json:"status"` // unknown, online, offline, auth_failed, error
	LastCheckedAt *time.Time `json:"last_checked_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type ChannelConfig struct {
	ID          int64           `json:"id"`
	NVRConfigID int64           `json:"nvr_config_id"`
	ChannelCode string          `json:"channel_code"`
	CameraIP    string          `json:"camera_ip"`
	CameraName  string          `json:"camera_name"`
	CameraSN    string          `json:"camera_sn"`
	TrackRegion json.RawMessage `json:"track_region,omitempty"`
	IsEnabled   bool            `json:"is_enabled"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// ChannelLot is a channel joined with the owning NVR fields the pipeline needs.
type ChannelLot struct {
	ChannelConfig
	NVRIP       string `json:"nvr_ip"`
	ParkingName string `json:"parking_name"`
}

type ParkingSpace struct {
	ID              int64     `json:"id"`
	ChannelConfigID int64     `json:"channel_config_id"`
	SpaceName       string    `json:"space_name"`
	Region          Rect      `json:"region"`
	IsEnabled       bool      `json:"is_enabled"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type TaskBatch struct {
	ID              int64     `json:"id"`
	Date            string    `json:"date"`
	NVRIP           string    `json:"nvr_ip"`
	ChannelCode     string    `json:"channel_code"`
	BaseURL         string    `json:"base_url"`
	StartTS         int64     `json:"start_ts"`
	EndTS           int64     `json:"end_ts"`
	IntervalMinutes int       `json:"interval_minutes"`
	Status          string    `json:"status"`
	TaskCount       int       `json:"task_count"`
	RuleID          *int64    `json:"rule_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type Task struct {
	ID             int64      `json:"id"`
	BatchID        int64      `json:"batch_id"`
	Date           string     `json:"date"`
	Idx            int        `json:"idx"`
	StartTS        int64      `json:"start_ts"`
	EndTS          int64      `json:"end_ts"`
	ReplayURL      string     `json:"replay_url"`
	NVRIP          string     `json:"nvr_ip"`
	ChannelCode    string     `json:"channel_code"`
	Status         string     `json:"status"`
	ScreenshotPath string     `json:"screenshot_path,omitempty"`
	Error          *string    `json:"error,omitempty"`
	RetryCount     int        `json:"retry_count"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type Screenshot struct {
	ID            int64     `json:"id"`
	TaskID        int64     `json:"task_id"`
	FilePath      string    `json:"file_path"`
	YoloStatus    *string   `json:"yolo_status,omitempty"`
	YoloLastError *string   `json:"yolo_last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type MinuteScreenshot struct {
	ID          int64     `json:"id"`
	TaskID      int64     `json:"task_id"`
	MinuteIndex int       `json:"minute_index"`
	StartTS     int64     `json:"start_ts"`
	EndTS       int64     `json:"end_ts"`
	FilePath    string    `json:"file_path,omitempty"`
	Status      string    `json:"status"`
	Error       *string   `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type ParkingChange struct {
	ID                  int64           `json:"id"`
	TaskID              int64           `json:"task_id"`
	ScreenshotID        int64           `json:"screenshot_id"`
	ChannelConfigID     int64           `json:"channel_config_id"`
	SpaceID             int64           `json:"space_id"`
	SpaceName           string          `json:"space_name"`
	PrevOccupied        *bool           `json:"prev_occupied"`
	CurrOccupied        bool            `json:"curr_occupied"`
	ChangeType          *string         `json:"change_type"`
	DetectionConfidence *float64        `json:"detection_confidence,omitempty"`
	VehicleFeatures     json.RawMessage `json:"vehicle_features,omitempty"`
	DetectedAt          time.Time       `json:"detected_at"`
}

type ParkingChangeSnapshot struct {
	ID              int64     `json:"id"`
	TaskID          int64     `json:"task_id"`
	ScreenshotID    int64     `json:"screenshot_id"`
	ChannelConfigID *int64    `json:"channel_config_id,omitempty"`
	NVRIP           string    `json:"nvr_ip"`
	ChannelCode     string    `json:"channel_code"`
	ParkingName     string    `json:"parking_name"`
	ChangeCount     int       `json:"change_count"`
	DetectedAt      time.Time `json:"detected_at"`
}

type ScheduleRule struct {
	ID                  int64      `json:"id"`
	Name                string     `json:"name"`
	UseToday            bool       `json:"use_today"`
	CustomDate          *string    `json:"custom_date,omitempty"`
	BaseURL             string     `json:"base_url"`
	ChannelCode         string     `json:"channel_code"`
	IntervalMinutes     int        `json:"interval_minutes"`
	TriggerTime         string     `json:"trigger_time"` // "HH:mm"
	IsEnabled           bool       `json:"is_enabled"`
	LastExecutedAt      *time.Time `json:"last_executed_at,omitempty"`
	ExecutionCount      int        `json:"execution_count"`
	LastExecutionStatus *string    `json:"last_execution_status,omitempty"`
	LastExecutionError  *string    `json:"last_execution_error,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// PrevObservation is the nearest prior state of one stall, joined with the
// screenshot it came from. Ordering is by screenshot capture time, never ID.
type PrevObservation struct {
	Change              ParkingChange
	ScreenshotCreatedAt time.Time
	ScreenshotPath      string
}
