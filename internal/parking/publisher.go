package parking

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/technosupport/ts-parkops/internal/data"
)

// ChangeEvent is the wire form of one confirmed transition, published per
// channel so consumers can subscribe to a single lot camera.
type ChangeEvent struct {
	EventID      string    `json:"event_id"`
	Type         string    `json:"type"`
	NVRIP        string    `json:"nvr_ip"`
	ChannelCode  string    `json:"channel_code"`
	ParkingName  string    `json:"parking_name,omitempty"`
	SpaceID      int64     `json:"space_id"`
	SpaceName    string    `json:"space_name"`
	ScreenshotID int64     `json:"screenshot_id"`
	Confidence   *float64  `json:"confidence,omitempty"`
	DetectedAt   time.Time `json:"detected_at"`
}

// NewChangeEvent builds the event for one persisted change row.
func NewChangeEvent(lot *data.ChannelLot, change *data.ParkingChange) ChangeEvent {
	return ChangeEvent{
		EventID:      uuid.NewString(),
		Type:         *change.ChangeType,
		NVRIP:        lot.NVRIP,
		ChannelCode:  lot.ChannelCode,
		ParkingName:  lot.ParkingName,
		SpaceID:      change.SpaceID,
		SpaceName:    change.SpaceName,
		ScreenshotID: change.ScreenshotID,
		Confidence:   change.DetectionConfidence,
		DetectedAt:   change.DetectedAt,
	}
}

// MultiPublisher fans one change out to several sinks. Errors are collected
// so one failing sink does not silence the others.
type MultiPublisher []Publisher

func (m MultiPublisher) PublishChange(lot *data.ChannelLot, change *data.ParkingChange) error {
	var firstErr error
	for _, p := range m {
		if err := p.PublishChange(lot, change); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NATSPublisher publishes change events to `<prefix>.<channel_code>`. A nil
// connection degrades to a no-op so the pipeline runs without a broker.
type NATSPublisher struct {
	conn          *nats.Conn
	subjectPrefix string
	maxRetries    int
}

func NewNATSPublisher(conn *nats.Conn, subjectPrefix string, maxRetries int) *NATSPublisher {
	return &NATSPublisher{
		conn:          conn,
		subjectPrefix: subjectPrefix,
		maxRetries:    maxRetries,
	}
}

func (p *NATSPublisher) PublishChange(lot *data.ChannelLot, change *data.ParkingChange) error {
	if p == nil || p.conn == nil || change.ChangeType == nil {
		return nil
	}

	payload, err := json.Marshal(NewChangeEvent(lot, change))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := p.subjectPrefix + "." + lot.ChannelCode
	for i := 0; i <= p.maxRetries; i++ {
		err = p.conn.Publish(subject, payload)
		if err == nil {
			return nil
		}
		time.Sleep(time.Duration(i*100) * time.Millisecond)
	}
	return fmt.Errorf("publish to %s failed after %d retries: %w", subject, p.maxRetries, err)
}
