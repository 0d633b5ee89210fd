package proxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"
)

// tunnel hijacks the client connection and splices it to the CONNECT target.
// It reports false when the target could not be reached.
func (h *Handler) tunnel(ctx context.Context, w http.ResponseWriter, r *http.Request, requestID string) bool {
	target := r.Host
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "443")
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		h.writeError(ctx, w, http.StatusInternalServerError, "TUNNEL_UNSUPPORTED", "connection cannot be hijacked", requestID)
		return false
	}

	upstream, err := h.dial(ctx, "tcp", target)
	if err != nil {
		h.metrics.RecordUpstreamError()
		h.logger.Error("tunnel dial failed", "request_id", requestID, "target", target, "error", err)
		h.writeError(ctx, w, http.StatusBadGateway, "UPSTREAM_UNREACHABLE", "failed to reach tunnel target", requestID)
		return false
	}
	defer func() { _ = upstream.Close() }()

	client, buffered, err := hijacker.Hijack()
	if err != nil {
		h.logger.Error("failed to hijack connection", "request_id", requestID, "error", err)
		return false
	}
	defer func() { _ = client.Close() }()
	// Server read/write timeouts must not cut long-lived tunnels.
	_ = client.SetDeadline(time.Time{})

	if _, err := io.WriteString(client, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		h.logger.Debug("failed to confirm tunnel", "request_id", requestID, "error", err)
		return true
	}

	// Bytes the server already read past the CONNECT head belong upstream.
	if n := buffered.Reader.Buffered(); n > 0 {
		pending, _ := buffered.Reader.Peek(n)
		if _, err := upstream.Write(pending); err != nil {
			return false
		}
	}

	h.metrics.TunnelOpened()
	defer h.metrics.TunnelClosed()
	h.logger.Debug("tunnel established", "request_id", requestID, "target", target)

	splice(client, upstream)
	return true
}

// splice copies in both directions until either side finishes.
func splice(a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	copyHalf := func(dst, src net.Conn) {
		defer wg.Done()
		_, _ = io.Copy(dst, src)
		if tcp, ok := dst.(*net.TCPConn); ok {
			_ = tcp.CloseWrite()
		} else {
			_ = dst.Close()
		}
	}
	go copyHalf(a, b)
	go copyHalf(b, a)
	wg.Wait()
}
