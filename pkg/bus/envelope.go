// Package bus is the topic-per-event-type publish/subscribe layer.
// Events travel in signed envelopes; signature verification is
// warn-only so a key rollout never drops traffic. The bus itself does
// not persist, durability comes from the outbox in front of it.
package bus

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/eventra/eventra/pkg/event"
)

// EnvelopeVersion is the wire version stamped on outgoing envelopes.
const EnvelopeVersion = 1

// Envelope wraps one event for transport.
type Envelope struct {
	SourceService   string          `json:"source_service"`
	EnvelopeVersion int             `json:"envelope_version"`
	EventID         string          `json:"event_id"`
	EventType       string          `json:"event_type"`
	Signature       string          `json:"signature,omitempty"`
	SignedAt        time.Time       `json:"signed_at"`
	Payload         json.RawMessage `json:"payload"`
}

// Event decodes the wrapped event.
func (e Envelope) Event() (*event.Event, error) {
	return event.Unmarshal(e.Payload)
}

// Seal wraps an event in an envelope, signing it when signer is set.
func Seal(ev *event.Event, source string, signer *Signer) (Envelope, error) {
	if ev == nil {
		return Envelope{}, fmt.Errorf("bus: seal nil event")
	}
	if ev.EventID == "" || ev.EventType == "" {
		return Envelope{}, fmt.Errorf("bus: event id and type are required")
	}
	payload, err := event.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("bus: seal: %w", err)
	}
	env := Envelope{
		SourceService:   source,
		EnvelopeVersion: EnvelopeVersion,
		EventID:         ev.EventID,
		EventType:       ev.EventType,
		Payload:         payload,
	}
	if signer != nil {
		signer.Sign(&env)
	}
	return env, nil
}

// DecodeEnvelope parses envelope bytes off the wire.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("bus: invalid envelope json: %w", err)
	}
	return env, nil
}

// Signer computes and checks envelope signatures, HMAC-SHA256 over
// eventId|eventType|source.
type Signer struct {
	key []byte
}

// NewSigner creates a signer with the shared service identity key.
func NewSigner(key []byte) *Signer {
	return &Signer{key: key}
}

// Sign stamps the signature and signing time on the envelope.
func (s *Signer) Sign(env *Envelope) {
	env.SignedAt = time.Now().UTC()
	env.Signature = s.compute(env.EventID, env.EventType, env.SourceService)
}

// Verify recomputes the signature. A mismatch is reported as an error;
// callers in warn-only mode log it and process the event anyway.
func (s *Signer) Verify(env Envelope) error {
	if env.Signature == "" {
		return fmt.Errorf("bus: envelope %s is unsigned", env.EventID)
	}
	want := s.compute(env.EventID, env.EventType, env.SourceService)
	if !hmac.Equal([]byte(env.Signature), []byte(want)) {
		return fmt.Errorf("bus: envelope %s signature mismatch", env.EventID)
	}
	return nil
}

func (s *Signer) compute(eventID, eventType, source string) string {
	mac := hmac.New(sha256.New, s.key)
	fmt.Fprintf(mac, "%s|%s|%s", eventID, eventType, source)
	return hex.EncodeToString(mac.Sum(nil))
}
