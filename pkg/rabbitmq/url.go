package rabbitmq

import (
	"fmt"
	"net/url"
	"strings"
)

// parseAMQPURL cleans a broker URL copied from an env file. Quotes and stray
// characters in front of the scheme are stripped and an empty path becomes the
// default vhost "/".
func parseAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	if idx := strings.Index(strings.ToLower(clean), "amqp"); idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", fmt.Errorf("unsupported AMQP scheme %q", u.Scheme)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}
