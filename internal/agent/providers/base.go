package providers

import "encoding/json"

// defaultMaxTokens bounds responses when neither the request nor the
// provider config sets a cap.
const defaultMaxTokens = 4096

// maxEmptyStreamEvents bounds consecutive no-op stream events before the
// stream is treated as malformed. Protects against event floods that would
// otherwise spin the consumer.
const maxEmptyStreamEvents = 300

// Config parameterizes one provider instance.
type Config struct {
	// APIKey authenticates against the backend. Required.
	APIKey string

	// Model is the default model when a request does not name one.
	Model string

	// BaseURL overrides the backend endpoint. Optional; used for proxies
	// and compatible gateways.
	BaseURL string

	// MaxTokens is the default response cap when a request passes zero.
	MaxTokens int
}

// decodeToolInput parses accumulated tool-argument JSON. Malformed or empty
// input decodes to an empty map so a bad argument stream degrades to a tool
// error instead of killing the turn.
func decodeToolInput(raw string) map[string]any {
	args := map[string]any{}
	if raw == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{}
	}
	return args
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func tokensOrDefault(req, configured int) int {
	if req > 0 {
		return req
	}
	if configured > 0 {
		return configured
	}
	return defaultMaxTokens
}
