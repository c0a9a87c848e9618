// Package influxdb records DCP login and audit telemetry in InfluxDB v2.
//
// Two measurements are written:
//
//	logins        tags: country, browser, os, device
//	              fields: count, user_id, ip_address
//	audit_events  tags: action
//	              fields: count, actor_username, target_username
//
// Writes go through the client's non-blocking batched write API. Async
// write errors are delivered to the callback set with SetOnError. When
// the client is not connected every write is a no-op, so callers never
// need to check for a disabled integration.
package influxdb
