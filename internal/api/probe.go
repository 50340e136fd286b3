package api

import (
	"context"
	"fmt"
	"net/http"
)

// probeHLS checks that the HLS URL is reachable before a session is
// admitted. It tries HEAD first; whenever HEAD does not succeed (a 4xx/5xx
// answer or a transport error) the probe is retried as a GET, since many
// origins and CDNs reject HEAD outright. Any 2xx or 3xx answer counts as
// reachable.
func (s *Server) probeHLS(ctx context.Context, rawURL string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
	defer cancel()

	status, err := s.probeOnce(ctx, http.MethodHead, rawURL)
	if err != nil || status >= 400 {
		status, err = s.probeOnce(ctx, http.MethodGet, rawURL)
	}
	if err != nil {
		return fmt.Errorf("stream unreachable: %w", err)
	}
	if status >= 400 {
		return fmt.Errorf("stream unreachable: origin returned %d", status)
	}
	return nil
}

func (s *Server) probeOnce(ctx context.Context, method, rawURL string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.probe.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}
