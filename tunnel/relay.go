package tunnel

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/pkg/errors"
)

const (
	frameTypeRequest  = "request"
	frameTypeResponse = "response"
)

// frame is one relayed HTTP exchange. Bodies are base64 encoded by encoding/json.
type frame struct {
	Type    string      `json:"type"`
	ID      string      `json:"id"`
	Method  string      `json:"method,omitempty"`
	URL     string      `json:"url,omitempty"`
	Status  int         `json:"status,omitempty"`
	Headers http.Header `json:"headers,omitempty"`
	Body    []byte      `json:"body,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// headers that only make sense for a single hop
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func stripHopHeaders(h http.Header) http.Header {
	h = h.Clone()
	if h == nil {
		h = http.Header{}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
	return h
}

// relay performs the request described by req and encodes the outcome as a response frame.
// Transport failures are reported in the frame's error field, never returned.
func (h *Handle) relay(ctx context.Context, req frame) frame {
	res := frame{Type: frameTypeResponse, ID: req.ID}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		res.Error = errors.Wrap(err, "invalid relayed request").Error()
		h.cfg.Metrics.RecordTunnelRequest("invalid")
		return res
	}
	httpReq.Header = stripHopHeaders(req.Headers)

	resp, err := h.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		h.log.Debug("Relayed request failed", "request_id", req.ID, "method", req.Method, "url", req.URL, "err", err)
		res.Error = errors.Wrap(err, "error reaching destination").Error()
		h.cfg.Metrics.RecordTunnelRequest("error")
		return res
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.cfg.MaxBodyBytes+1))
	if err != nil {
		res.Error = errors.Wrap(err, "error reading destination response").Error()
		h.cfg.Metrics.RecordTunnelRequest("error")
		return res
	}
	if int64(len(body)) > h.cfg.MaxBodyBytes {
		h.log.Warn("Relayed response too large", "request_id", req.ID, "url", req.URL, "limit", h.cfg.MaxBodyBytes)
		res.Error = errors.Errorf("destination response exceeds %d bytes", h.cfg.MaxBodyBytes).Error()
		h.cfg.Metrics.RecordTunnelRequest("too_large")
		return res
	}

	res.Status = resp.StatusCode
	res.Headers = stripHopHeaders(resp.Header)
	res.Body = body
	h.log.Debug("Relayed request", "request_id", req.ID, "method", req.Method, "url", req.URL, "status", resp.StatusCode)
	h.cfg.Metrics.RecordTunnelRequest("ok")
	return res
}
