package proxy

import (
	"io"
	"net"
	"net/http"
	"sync"

	"go.uber.org/zap"
)

// tunnel handles CONNECT: hijack the client connection, dial the requested
// host:port, then copy bytes in both directions until either side is done.
// The bytes are never inspected or altered; TLS passes through opaquely.
func (s *Server) tunnel(ctx *Ctx, w http.ResponseWriter, r *http.Request) {
	host := r.URL.Host
	if !hasPort.MatchString(host) {
		host += ":443"
	}
	zap.S().Debugf("[%v] tunnel to %v", ctx.ReqID, host)

	hj, ok := w.(http.Hijacker)
	if !ok {
		zap.S().Errorf("[%v] server does not support hijacking", ctx.ReqID)
		requestsTotal.WithLabelValues(string(ctx.Direction), "hijack_failed").Inc()
		http.Error(w, "", http.StatusInternalServerError)
		return
	}
	// After Hijack the connection is ours to manage and close.
	clientConn, brw, err := hj.Hijack()
	if err != nil {
		zap.S().Errorf("[%v] fail to hijack the connection: %v", ctx.ReqID, err)
		requestsTotal.WithLabelValues(string(ctx.Direction), "hijack_failed").Inc()
		http.Error(w, "", http.StatusInternalServerError)
		return
	}

	upstream, err := net.DialTimeout("tcp", host, s.DialTimeout)
	if err != nil {
		// Past this point there is no clean HTTP error path; write a bare
		// status line and close.
		zap.S().Errorf("[%v] fail to connect to %v: %v", ctx.ReqID, host, err)
		requestsTotal.WithLabelValues(string(ctx.Direction), "upstream_error").Inc()
		io.WriteString(clientConn, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
		clientConn.Close()
		return
	}

	if _, err := io.WriteString(clientConn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		zap.S().Errorf("[%v] fail to respond to client: %v", ctx.ReqID, err)
		requestsTotal.WithLabelValues(string(ctx.Direction), "client_gone").Inc()
		clientConn.Close()
		upstream.Close()
		return
	}

	// The server's reader may have consumed bytes past the CONNECT
	// request (a TLS ClientHello often arrives glued to it). Those must
	// reach the upstream before the generic copy starts or the handshake
	// loses its first bytes.
	if buffered := brw.Reader.Buffered(); buffered > 0 {
		head, _ := brw.Reader.Peek(buffered)
		if _, err := upstream.Write(head); err != nil {
			zap.S().Errorf("[%v] fail to forward handshake bytes: %v", ctx.ReqID, err)
			clientConn.Close()
			upstream.Close()
			return
		}
		brw.Reader.Discard(buffered)
		s.observeTunnel(ctx, true, buffered)
	}

	openTunnels.Inc()
	requestsTotal.WithLabelValues(string(ctx.Direction), "ok").Inc()

	var wg sync.WaitGroup
	wg.Add(2)
	go s.pump(ctx, upstream, clientConn, true, &wg)
	go s.pump(ctx, clientConn, upstream, false, &wg)
	wg.Wait()

	// Neither side outlives the other.
	clientConn.Close()
	upstream.Close()
	openTunnels.Dec()
	zap.S().Infof("[%v] tunnel to %v closed", ctx.ReqID, host)
}

// pump copies one direction of a tunnel, reporting each chunk to the
// observer, then half-closes so the peer sees EOF while the opposite
// direction drains.
func (s *Server) pump(ctx *Ctx, dst, src net.Conn, outbound bool, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, 32*1024)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			s.observeTunnel(ctx, outbound, n)
			if _, werr := dst.Write(buf[:n]); werr != nil {
				zap.S().Errorf("[%v] tunnel write failed: %v", ctx.ReqID, werr)
				break
			}
		}
		if rerr != nil {
			if rerr != io.EOF {
				zap.S().Errorf("[%v] tunnel read failed: %v", ctx.ReqID, rerr)
			}
			break
		}
	}
	halfClose(dst, src)
}

// halfClose signals EOF downstream and stops reads upstream, falling back
// to a full close when the conn is not plain TCP.
func halfClose(dst, src net.Conn) {
	if tc, ok := dst.(*net.TCPConn); ok {
		tc.CloseWrite()
	} else {
		dst.Close()
	}
	if tc, ok := src.(*net.TCPConn); ok {
		tc.CloseRead()
	}
}

func (s *Server) observeTunnel(ctx *Ctx, outbound bool, n int) {
	direction := "upstream_to_client"
	if outbound {
		direction = "client_to_upstream"
	}
	tunnelBytesTotal.WithLabelValues(direction).Add(float64(n))
	if s.OnTunnel != nil {
		s.OnTunnel(ctx.ReqID, outbound, n)
	}
}
