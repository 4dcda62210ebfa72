package persistence

import (
	"encoding/json"
	"fmt"

	"github.com/tabchan/tabchan-go/pkg/types"
)

// MarshalChannel serializes a channel record to JSON bytes.
func MarshalChannel(ch *types.Channel) ([]byte, error) {
	if ch == nil {
		return nil, fmt.Errorf("cannot marshal nil Channel")
	}

	data, err := json.Marshal(ch)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal Channel to JSON: %w", err)
	}
	return data, nil
}

// UnmarshalChannel deserializes a channel record from JSON bytes.
func UnmarshalChannel(data []byte) (*types.Channel, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot unmarshal empty data")
	}

	var ch types.Channel
	if err := json.Unmarshal(data, &ch); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON to Channel: %w", err)
	}
	return &ch, nil
}

// MarshalSignedState serializes a signed channel state to JSON bytes.
func MarshalSignedState(ss *types.SignedChannelState) ([]byte, error) {
	if ss == nil || ss.State == nil {
		return nil, fmt.Errorf("cannot marshal nil SignedChannelState")
	}

	data, err := json.Marshal(ss)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal SignedChannelState to JSON: %w", err)
	}
	return data, nil
}

// UnmarshalSignedState deserializes a signed channel state from JSON bytes.
func UnmarshalSignedState(data []byte) (*types.SignedChannelState, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot unmarshal empty data")
	}

	var ss types.SignedChannelState
	if err := json.Unmarshal(data, &ss); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON to SignedChannelState: %w", err)
	}
	return &ss, nil
}
