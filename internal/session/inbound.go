package session

import "encoding/json"

// inboundType is used first to read the discriminator key before decoding
// the rest of the message against its specific shape.
type inboundType struct {
	Type string `json:"type"`
}

type unsubscribeMessage struct {
	EventID string `json:"event_id"`
}

type generalSubscribeMessage struct {
	EventPath string `json:"event_path"`
}

func decodeType(raw []byte) (string, error) {
	var t inboundType
	if err := json.Unmarshal(raw, &t); err != nil {
		return "", err
	}
	return t.Type, nil
}
