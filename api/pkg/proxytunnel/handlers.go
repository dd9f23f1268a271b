package proxytunnel

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
)

// SOCKS5 wire constants for the local, unauthenticated side.
const (
	socksVersion     = 0x05
	socksNoAuth      = 0x00
	socksCmdConnect  = 0x01
	socksAddrIPv4    = 0x01
	socksAddrDomain  = 0x03
	socksAddrIPv6    = 0x04
	socksReplyOK     = 0x00
	socksReplyFailed = 0x01
)

// handleSOCKS speaks just enough server-side SOCKS5 to learn the target,
// then splices the connection onto an authenticated upstream dial.
func (t *Tunnel) handleSOCKS(conn net.Conn) error {
	br := bufio.NewReader(conn)

	// greeting: VER NMETHODS METHODS...
	header := make([]byte, 2)
	if _, err := io.ReadFull(br, header); err != nil {
		return err
	}
	if header[0] != socksVersion {
		return fmt.Errorf("unexpected socks version %d", header[0])
	}
	methods := make([]byte, int(header[1]))
	if _, err := io.ReadFull(br, methods); err != nil {
		return err
	}
	if _, err := conn.Write([]byte{socksVersion, socksNoAuth}); err != nil {
		return err
	}

	// request: VER CMD RSV ATYP ADDR PORT
	req := make([]byte, 4)
	if _, err := io.ReadFull(br, req); err != nil {
		return err
	}
	if req[1] != socksCmdConnect {
		_, _ = conn.Write([]byte{socksVersion, 0x07, 0x00, socksAddrIPv4, 0, 0, 0, 0, 0, 0})
		return fmt.Errorf("unsupported socks command %d", req[1])
	}

	var host string
	switch req[3] {
	case socksAddrIPv4:
		addr := make([]byte, 4)
		if _, err := io.ReadFull(br, addr); err != nil {
			return err
		}
		host = net.IP(addr).String()
	case socksAddrDomain:
		length := make([]byte, 1)
		if _, err := io.ReadFull(br, length); err != nil {
			return err
		}
		name := make([]byte, int(length[0]))
		if _, err := io.ReadFull(br, name); err != nil {
			return err
		}
		host = string(name)
	case socksAddrIPv6:
		addr := make([]byte, 16)
		if _, err := io.ReadFull(br, addr); err != nil {
			return err
		}
		host = net.IP(addr).String()
	default:
		return fmt.Errorf("unsupported socks address type %d", req[3])
	}

	portBytes := make([]byte, 2)
	if _, err := io.ReadFull(br, portBytes); err != nil {
		return err
	}
	port := binary.BigEndian.Uint16(portBytes)
	target := net.JoinHostPort(host, strconv.Itoa(int(port)))

	upstream, err := t.dialUpstream(target)
	if err != nil {
		_, _ = conn.Write([]byte{socksVersion, socksReplyFailed, 0x00, socksAddrIPv4, 0, 0, 0, 0, 0, 0})
		return fmt.Errorf("upstream dial for %s failed: %w", target, err)
	}

	if _, err := conn.Write([]byte{socksVersion, socksReplyOK, 0x00, socksAddrIPv4, 0, 0, 0, 0, 0, 0}); err != nil {
		upstream.Close()
		return err
	}

	// flush anything the reader buffered past the handshake
	if buffered := br.Buffered(); buffered > 0 {
		head := make([]byte, buffered)
		if _, err := io.ReadFull(br, head); err != nil {
			upstream.Close()
			return err
		}
		if _, err := upstream.Write(head); err != nil {
			upstream.Close()
			return err
		}
	}

	relay(conn, upstream)
	return nil
}

// handleHTTP accepts a local CONNECT or absolute-URI request and forwards
// it to the upstream HTTP proxy with credentials attached.
func (t *Tunnel) handleHTTP(conn net.Conn) error {
	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		return err
	}

	if req.Method == http.MethodConnect {
		upstream, err := t.dialUpstreamHTTP(req.Host)
		if err != nil {
			_, _ = io.WriteString(conn, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
			return err
		}
		if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
			upstream.Close()
			return err
		}
		relay(conn, upstream)
		return nil
	}

	// plain request: re-send to the upstream proxy with auth and stream
	// the exchange back
	upstream, err := net.DialTimeout("tcp", t.cfg.Address(), dialTimeout)
	if err != nil {
		_, _ = io.WriteString(conn, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
		return err
	}
	if t.cfg.Username != "" {
		req.Header.Set("Proxy-Authorization", "Basic "+basicAuth(t.cfg.Username, t.cfg.Password))
	}
	if err := req.WriteProxy(upstream); err != nil {
		upstream.Close()
		return err
	}
	relay(conn, upstream)
	return nil
}
