package mqttbridge

import (
	"fmt"
	"strings"
)

// DefaultPrefix is the default topic root.
const DefaultPrefix = "kclink"

// Topics builds topic names under a prefix.
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultPrefix
	}
	return strings.TrimSuffix(t.Prefix, "/")
}

// Status returns the bridge status topic.
func (t Topics) Status() string {
	return t.prefix() + "/status"
}

// DeviceState returns the retained state topic for a device.
func (t Topics) DeviceState(id string) string {
	return fmt.Sprintf("%s/device/%s/state", t.prefix(), escape(id))
}

// DevicePrompt returns the retained pair prompt topic for a device.
func (t Topics) DevicePrompt(id string) string {
	return fmt.Sprintf("%s/device/%s/prompt", t.prefix(), escape(id))
}

// DeviceCommand returns the command topic for a device.
func (t Topics) DeviceCommand(id string) string {
	return fmt.Sprintf("%s/device/%s/command", t.prefix(), escape(id))
}

// escape keeps a device ID to a single topic level.
func escape(id string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(id)
}
