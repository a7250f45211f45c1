package mesh

import (
	"encoding/json"
	"errors"

	"scmesh/go-core/pkg/models"
)

var ErrInvalidFrame = errors.New("invalid wire frame")

const (
	frameKindEnvelope = "envelope"
	frameKindBeacon   = "beacon"
)

// wireFrame is the on-the-wire unit shared by every transport: either a
// sealed envelope or an identity beacon.
type wireFrame struct {
	Kind     string           `json:"kind"`
	Envelope *models.Envelope `json:"envelope,omitempty"`
	Beacon   json.RawMessage  `json:"beacon,omitempty"`
}

func encodeEnvelopeFrame(env models.Envelope) ([]byte, error) {
	return json.Marshal(wireFrame{Kind: frameKindEnvelope, Envelope: &env})
}

func encodeBeaconFrame(beacon []byte) ([]byte, error) {
	return json.Marshal(wireFrame{Kind: frameKindBeacon, Beacon: beacon})
}

func decodeFrame(raw []byte) (wireFrame, error) {
	var frame wireFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return wireFrame{}, ErrInvalidFrame
	}
	switch frame.Kind {
	case frameKindEnvelope:
		if frame.Envelope == nil {
			return wireFrame{}, ErrInvalidFrame
		}
	case frameKindBeacon:
		if len(frame.Beacon) == 0 {
			return wireFrame{}, ErrInvalidFrame
		}
	default:
		return wireFrame{}, ErrInvalidFrame
	}
	return frame, nil
}
