package domain

import "time"

// InstanceRecord is published by each live process for admission and health
// signaling. It plays no part in pairing correctness.
type InstanceRecord struct {
	InstanceID      string    `json:"instanceId"`
	ConnectionCount int       `json:"connectionCount"`
	Healthy         bool      `json:"healthy"`
	LastHeartbeat   time.Time `json:"lastHeartbeat"`
}
