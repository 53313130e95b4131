package gateway

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/rudderlabs/rudder-go-kit/jsonrs"

	"github.com/stacktrail/stacktrail/profile"
)

// Envelope is the msgpack wrapper the ingest relay wraps profile payloads
// in. The payload itself is JSON.
type Envelope struct {
	OrganizationID uint64 `msgpack:"organization_id"`
	ProjectID      uint64 `msgpack:"project_id"`
	Received       int64  `msgpack:"received"`
	Payload        []byte `msgpack:"payload"`
	Sampled        *bool  `msgpack:"sampled"`
}

// IsSampled reports the envelope's sampling decision, defaulting to sampled
// when the relay did not set one.
func (e *Envelope) IsSampled() bool {
	return e.Sampled == nil || *e.Sampled
}

var errMissingPlatform = errors.New("payload has no platform")

// DecodeMessage unpacks a consumed message into a profile record, stamping
// the envelope's routing fields onto it.
func DecodeMessage(data []byte) (*profile.Profile, error) {
	var env Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unpacking envelope: %w", err)
	}
	if !gjson.GetBytes(env.Payload, "platform").Exists() {
		return nil, errMissingPlatform
	}

	var p profile.Profile
	if err := jsonrs.Unmarshal(env.Payload, &p); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	p.OrganizationID = env.OrganizationID
	p.ProjectID = env.ProjectID
	p.Received = env.Received
	p.Sampled = env.IsSampled()
	return &p, nil
}
