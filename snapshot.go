package secchan

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/jpillora/sizestr"
)

// Snapshot is a point-in-time view of a channel's internal state for
// diagnostics. Taking one never blocks on channel I/O.
type Snapshot struct {
	ID       string `cbor:"1,keyasint" json:"id"`
	Client   bool   `cbor:"2,keyasint" json:"client"`
	Blocking bool   `cbor:"3,keyasint" json:"blocking"`
	Trusted  bool   `cbor:"4,keyasint" json:"trusted"`

	// Runners currently executing each task, empty when idle
	ReadRunner  string `cbor:"5,keyasint,omitempty" json:"read_runner,omitempty"`
	WriteRunner string `cbor:"6,keyasint,omitempty" json:"write_runner,omitempty"`
	CloseRunner string `cbor:"7,keyasint,omitempty" json:"close_runner,omitempty"`

	LastCause string `cbor:"8,keyasint" json:"last_cause"`
	Outbound  string `cbor:"9,keyasint" json:"outbound"`
	Inbound   string `cbor:"10,keyasint" json:"inbound"`
	Overall   string `cbor:"11,keyasint" json:"overall"`
	Handshake string `cbor:"12,keyasint" json:"handshake"`

	// Region capacities in bytes
	OutboundCap int `cbor:"13,keyasint" json:"outbound_cap"`
	InboundCap  int `cbor:"14,keyasint" json:"inbound_cap"`
	AppCap      int `cbor:"15,keyasint" json:"app_cap"`
}

func (s Snapshot) String() string {
	return fmt.Sprintf("%s client=%v overall=%s outbound=%s inbound=%s handshake=%s last=%s buffers=%s/%s/%s",
		s.ID, s.Client, s.Overall, s.Outbound, s.Inbound, s.Handshake, s.LastCause,
		sizestr.ToString(int64(s.OutboundCap)), sizestr.ToString(int64(s.InboundCap)), sizestr.ToString(int64(s.AppCap)))
}

// LogSnapshotAsJSON logs the snapshot as indented JSON.
func LogSnapshotAsJSON(s Snapshot, prefix string) {
	if !logEnabled(logTypeVerbose) {
		return
	}
	js, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		logf(logTypeVerbose, "%s Failed to marshal snapshot to JSON: %v", prefix, err)
		return
	}
	logf(logTypeVerbose, "%s snapshot: %s", prefix, string(js))
}

// EncodeSnapshotToCBOR encodes a snapshot to CBOR.
func EncodeSnapshotToCBOR(s Snapshot) ([]byte, error) {
	return cbor.Marshal(s)
}

// DecodeSnapshotFromCBOR decodes a CBOR-encoded snapshot.
func DecodeSnapshotFromCBOR(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("failed to decode snapshot from CBOR: %w", err)
	}
	return s, nil
}
