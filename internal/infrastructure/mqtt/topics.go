package mqtt

import "strings"

// DefaultTopicPrefix is used when the configuration leaves the prefix empty.
const DefaultTopicPrefix = "dcp"

// Topics builds the topic names DCP publishes on. All topics share the
// configured prefix:
//
//	{prefix}/system/status     retained online/offline announcements
//	{prefix}/audit/{action}    one message per committed audit record
type Topics struct {
	prefix string
}

// NewTopics creates a builder for prefix. Surrounding slashes are trimmed.
func NewTopics(prefix string) Topics {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{prefix: prefix}
}

// SystemStatus returns the retained status topic.
func (t Topics) SystemStatus() string {
	return t.prefix + "/system/status"
}

// Audit returns the topic for audit records of the given action.
func (t Topics) Audit(action string) string {
	return t.prefix + "/audit/" + action
}

// AllAudit returns a wildcard matching every audit topic.
func (t Topics) AllAudit() string {
	return t.prefix + "/audit/+"
}
