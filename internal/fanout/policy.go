package fanout

import (
	"encoding/json"

	"github.com/wb-go/wbf/zlog"
)

// SizePolicy guards backends with a hard message-size ceiling. Oversized
// payloads are replaced before publish with a minimal "re-fetch from the
// source of truth" notice rather than failing the publish.
type SizePolicy struct {
	MaxPayloadBytes int // 0 disables the check
	Fallback        func(channel string) []byte
}

// resyncNotice tells subscribers the data changed and must be re-fetched
// from the CRUD API.
type resyncNotice struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// DefaultPolicy returns a policy with the given ceiling and the standard
// resync fallback.
func DefaultPolicy(maxBytes int) SizePolicy {
	return SizePolicy{
		MaxPayloadBytes: maxBytes,
		Fallback: func(channel string) []byte {
			b, _ := json.Marshal(resyncNotice{Type: "resync", Channel: channel})
			return b
		},
	}
}

// Apply returns the payload to actually publish on the channel.
func (p SizePolicy) Apply(channel string, payload []byte) []byte {
	if p.MaxPayloadBytes <= 0 || len(payload) <= p.MaxPayloadBytes {
		return payload
	}

	zlog.Logger.Warn().
		Str("channel", channel).
		Int("size", len(payload)).
		Int("limit", p.MaxPayloadBytes).
		Msg("payload over size limit, publishing resync notice instead")

	if p.Fallback == nil {
		return DefaultPolicy(p.MaxPayloadBytes).Fallback(channel)
	}

	return p.Fallback(channel)
}
