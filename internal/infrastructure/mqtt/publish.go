package mqtt

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nerrad567/dcp-core/internal/audit"
)

// Maximum payload size for MQTT messages (1MB).
// This prevents resource exhaustion and aligns with typical broker limits.
const maxPayloadSize = 1 << 20 // 1MB

// Publish sends a message to the specified MQTT topic.
//
// QoS Levels:
//   - 0: At most once (fire and forget)
//   - 1: At least once (guaranteed delivery, may duplicate)
//   - 2: Exactly once (guaranteed, no duplicates, higher overhead)
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	return nil
}

// PublishAudit publishes a committed audit record on {prefix}/audit/{action}
// at the configured QoS. It implements audit.Publisher.
func (c *Client) PublishAudit(ctx context.Context, rec audit.Record) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: encoding audit record: %w", ErrPublishFailed, err)
	}
	return c.Publish(c.topics.Audit(string(rec.Action)), payload, byte(c.cfg.QoS), false)
}
