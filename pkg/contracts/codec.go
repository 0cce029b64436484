package contracts

import (
	"bytes"
	"encoding/json"
)

// toMap round-trips a contract struct through JSON into its object form.
// Numbers decode as json.Number so round-trips do not lose integer-ness.
func toMap(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}

// fromMap rebinds an object form onto a contract struct.
func fromMap(m map[string]any, target any) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, target)
}
