package output

import (
	"encoding/json"
)

// JSON renders v as indented JSON.
func JSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
