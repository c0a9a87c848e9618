// Package mqtt publishes DCP events to an MQTT broker.
//
// Committed audit records are published on {prefix}/audit/{action} so that
// external consumers (dashboards, SIEM shippers) can follow privileged
// changes without polling the API. The client also keeps a retained status
// message on {prefix}/system/status, backed by a Last Will for crashes.
//
// Publishing is best-effort: the audit notifier logs failures and the
// request that produced the record is never affected.
package mqtt
