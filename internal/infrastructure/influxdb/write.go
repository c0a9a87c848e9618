package influxdb

import (
	"context"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/dcp-core/internal/audit"
	"github.com/nerrad567/dcp-core/internal/session"
)

// Measurement names.
const (
	MeasurementLogins      = "logins"
	MeasurementAuditEvents = "audit_events"
)

// ObserveLogin writes one point per stored login. It implements
// session.Observer. The write is non-blocking; data is batched and sent
// asynchronously.
func (c *Client) ObserveLogin(rec session.Record) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(loginPoint(rec))
}

// PublishAudit writes a committed audit record as an audit_events point.
// It implements audit.Publisher; the write is queued, never blocking.
func (c *Client) PublishAudit(_ context.Context, rec audit.Record) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	c.writeAPI.WritePoint(auditPoint(rec))
	return nil
}

// loginPoint tags the low-cardinality client attributes; user and address
// are fields so they do not explode series cardinality.
func loginPoint(rec session.Record) *write.Point {
	return write.NewPoint(
		MeasurementLogins,
		map[string]string{
			"country": orUnknown(rec.Country),
			"browser": orUnknown(rec.Browser),
			"os":      orUnknown(rec.OS),
			"device":  orUnknown(rec.Device),
		},
		map[string]interface{}{
			"count":      1,
			"user_id":    rec.UserID,
			"ip_address": rec.IPAddress,
		},
		rec.LoginTime,
	)
}

func auditPoint(rec audit.Record) *write.Point {
	ts := rec.CreatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return write.NewPoint(
		MeasurementAuditEvents,
		map[string]string{
			"action": string(rec.Action),
		},
		map[string]interface{}{
			"count":           1,
			"actor_username":  rec.ActorUsername,
			"target_username": rec.TargetUsername,
		},
		ts,
	)
}

// WritePoint writes a custom point with full control over tags and fields.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}
