package output

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
)

// maxInlineBytes is the longest byte string kept verbatim (base64) when
// normalising; longer ones are summarised.
const maxInlineBytes = 64

// NormalizeJSONValue converts a decoded CBOR value into something
// encoding/json accepts: map[any]any keys become strings, tags are unwrapped
// into {"tag", "content"}, NaN/Inf become strings, and large byte strings such
// as pixel payloads are replaced by a length summary.
func NormalizeJSONValue(v any) any {
	switch val := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[fmt.Sprint(k)] = NormalizeJSONValue(inner)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = NormalizeJSONValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = NormalizeJSONValue(inner)
		}
		return out
	case []byte:
		if len(val) > maxInlineBytes {
			return map[string]any{"bytes": len(val)}
		}
		return base64.StdEncoding.EncodeToString(val)
	case cbor.Tag:
		return map[string]any{"tag": val.Number, "content": NormalizeJSONValue(val.Content)}
	case cbor.RawTag:
		return map[string]any{"tag": val.Number, "bytes": len(val.Content)}
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return fmt.Sprint(val)
		}
		return val
	case float32:
		return NormalizeJSONValue(float64(val))
	default:
		return val
	}
}

// WriteMetadata stores a non-frame message as pretty JSON in
// <outputDir>/<timestamp>_<kind>.json and returns the path.
func WriteMetadata(outputDir, timestamp, kind string, meta map[string]any) (string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(NormalizeJSONValue(meta), "", "  ")
	if err != nil {
		return "", fmt.Errorf("metadata encode: %w", err)
	}
	path := filepath.Join(outputDir, fmt.Sprintf("%s_%s.json", timestamp, kind))
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
