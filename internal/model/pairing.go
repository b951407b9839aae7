package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// SessionContext is the kind-specific payload the unauthenticated surface
// needs after hand-off. device-login carries DeviceID; panel-login carries
// the ResourceID (class) it is bound to plus the panel's DeviceID.
type SessionContext struct {
	DeviceID   string `json:"deviceId,omitempty"`
	ResourceID string `json:"resourceId,omitempty"`
}

// Subject is the identity that activated a session.
type Subject struct {
	ID   string `json:"id"`
	Role string `json:"role,omitempty"`
	Name string `json:"name,omitempty"`
}

type PairingSession struct {
	ID          string         `json:"id"`
	TokenHash   string         `json:"-"`
	Kind        Kind           `json:"kind"`
	Context     SessionContext `json:"context"`
	Issuer      string         `json:"-"`
	Status      Status         `json:"status"`
	Subject     *Subject       `json:"subject,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	ExpiresAt   time.Time      `json:"expiresAt"`
	ActivatedAt *time.Time     `json:"activatedAt,omitempty"`
	ConsumedAt  *time.Time     `json:"consumedAt,omitempty"`
}

// IsExpiredAt reports whether the session is logically expired at now,
// regardless of the stored status.
func (s *PairingSession) IsExpiredAt(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (s *PairingSession) Clone() *PairingSession {
	if s == nil {
		return nil
	}
	c := *s
	if s.Subject != nil {
		subj := *s.Subject
		c.Subject = &subj
	}
	if s.ActivatedAt != nil {
		t := *s.ActivatedAt
		c.ActivatedAt = &t
	}
	if s.ConsumedAt != nil {
		t := *s.ConsumedAt
		c.ConsumedAt = &t
	}
	return &c
}

// Payload returns the QR payload for the session. The plain token is only
// known at issue time; the store keeps its hash.
func (s *PairingSession) Payload(token string) QRPayload {
	return QRPayload{
		ID:        s.ID,
		Token:     token,
		Kind:      s.Kind,
		Context:   s.Context,
		ExpiresAt: s.ExpiresAt,
	}
}

// QRPayload is encoded into the QR image by the issuing surface and decoded
// by the activating device.
type QRPayload struct {
	ID        string         `json:"id"`
	Token     string         `json:"token"`
	Kind      Kind           `json:"kind"`
	Context   SessionContext `json:"context"`
	ExpiresAt time.Time      `json:"expiresAt"`
}

func (p QRPayload) Encode() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode qr payload: %w", err)
	}
	return string(data), nil
}

func DecodeQRPayload(raw string) (*QRPayload, error) {
	var p QRPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode qr payload: %w", err)
	}
	if p.ID == "" || p.Token == "" {
		return nil, fmt.Errorf("decode qr payload: missing id or token")
	}
	return &p, nil
}
