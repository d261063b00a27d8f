package chain

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/jmespath/go-jmespath"
)

// ExtractString evaluates one JMESPath expression against a JSON body.
// A missing value yields "" and ok=false.
func ExtractString(body, expr string) (string, bool) {
	jsonData, err := decode(body)
	if err != nil {
		return "", false
	}
	result, err := jmespath.Search(expr, jsonData)
	if err != nil || result == nil {
		return "", false
	}
	s, err := toString(result)
	if err != nil {
		return "", false
	}
	return s, true
}

// ExtractFloat evaluates one JMESPath expression and converts the result to a number.
func ExtractFloat(body, expr string) (float64, bool) {
	jsonData, err := decode(body)
	if err != nil {
		return 0, false
	}
	result, err := jmespath.Search(expr, jsonData)
	if err != nil {
		return 0, false
	}
	switch v := result.(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// Exists reports whether expr selects a non-null value in body.
func Exists(body, expr string) bool {
	jsonData, err := decode(body)
	if err != nil {
		return false
	}
	result, err := jmespath.Search(expr, jsonData)
	return err == nil && result != nil
}

func decode(body string) (interface{}, error) {
	var jsonData interface{}
	if err := json.Unmarshal([]byte(body), &jsonData); err != nil {
		return nil, fmt.Errorf("response is not valid JSON")
	}
	return jsonData, nil
}

func toString(result interface{}) (string, error) {
	switch v := result.(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		// For complex types, marshal to JSON
		jsonBytes, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("failed to convert extracted value to string: %w", err)
		}
		return string(jsonBytes), nil
	}
}
