package models

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// DeliveryJob is one unit of outbound delivery work: a single POST of one
// activity to one concrete endpoint. A fan-out to N recipients produces up to
// N jobs, or fewer when recipients on the same server are batched through a
// shared inbox.
type DeliveryJob struct {
	ID        string          `json:"id"`
	ItemID    string          `json:"item_id"`
	OriginID  string          `json:"origin_id"`
	Endpoint  string          `json:"endpoint"`
	Server    string          `json:"server"`
	Payload   json.RawMessage `json:"payload"`
	// Recipients is the full inbox list covered by this job. It has exactly
	// one entry for an individual delivery and the whole per-server group
	// for a shared-inbox delivery.
	Recipients []string  `json:"recipients"`
	Attempt    int       `json:"attempt"`
	CreatedAt  time.Time `json:"created_at"`
}

// ServerOf extracts the destination server (the network authority) from an
// inbox or shared-inbox URL. Only http(s) URLs with a host are accepted.
func ServerOf(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid inbox url %q: %w", endpoint, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("invalid inbox url %q", endpoint)
	}
	return u.Host, nil
}
