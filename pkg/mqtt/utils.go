package mqtt

import (
	"net/url"
	"strings"
)

// BaseTopic returns the base topic encoded as the path of a broker URL.
func BaseTopic(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return strings.Trim(u.Path, "/")
}

// StatusTopic returns the status topic for the provided base topic.
func StatusTopic(base string) string {
	base = strings.Trim(base, "/")
	if base == "" {
		return "naos/ota/status"
	}
	return base + "/naos/ota/status"
}
