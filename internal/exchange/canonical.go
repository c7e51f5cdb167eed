package exchange

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Params are request parameters. Values must be string, bool, integer or decimal.
type Params map[string]interface{}

// CanonicalQuery percent-encodes params and sorts them by key.
// The result is both signed and appended to the URL verbatim.
func CanonicalQuery(params Params) (string, error) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		v, err := paramString(params[k])
		if err != nil {
			return "", fmt.Errorf("param %s: %w", k, err)
		}
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(k))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(v))
	}
	return sb.String(), nil
}

// CompactBody serializes params to whitespace-free JSON with sorted keys.
// The returned bytes are what gets signed AND what gets sent.
func CompactBody(params Params) ([]byte, error) {
	normalized := make(map[string]interface{}, len(params))
	for k, v := range params {
		switch val := v.(type) {
		case decimal.Decimal:
			normalized[k] = val.String()
		case *decimal.Decimal:
			normalized[k] = val.String()
		default:
			normalized[k] = v
		}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	// Encoder appends a newline
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func paramString(v interface{}) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case bool:
		return strconv.FormatBool(val), nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case decimal.Decimal:
		return val.String(), nil
	default:
		return "", fmt.Errorf("unsupported type %T", v)
	}
}
