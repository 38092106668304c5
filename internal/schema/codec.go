package schema

import "encoding/json"

// Marshal encodes a message for a bus payload or stream envelope.
func Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes a bus payload or stream envelope into v.
func Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
