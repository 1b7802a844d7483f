package gateway

import (
	"context"
	"net/http"
	"time"
)

// Probe reports whether an HTTP endpoint answers. Timeouts are short so
// health checks stay fast.
func Probe(ctx context.Context, url string) bool {
	if url == "" {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false
	}

	client := &http.Client{
		Timeout: 2 * time.Second,
	}

	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()

	// Consider any non-error HTTP status as available
	return resp.StatusCode >= 200 && resp.StatusCode < 500
}

// Health reports the reachability of each configured integration.
func (r *Router) Health(ctx context.Context) map[string]bool {
	out := make(map[string]bool)
	if r.ha != nil {
		out[string(IntegrationHomeAssistant)] = Probe(ctx, r.ha.config.BaseURL+"/api/")
	}
	if r.zwave != nil {
		out[string(IntegrationZWaveJSUI)] = Probe(ctx, r.zwave.config.HTTPURL)
	}
	if r.memory != nil {
		out[string(IntegrationMemory)] = true
	}
	return out
}
