package state

import "encoding/json"

func encodeJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeJSONMap(v string) map[string]any {
	if v == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil
	}
	return out
}

func decodeJSONValue(v string, dest any) error {
	return json.Unmarshal([]byte(v), dest)
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
