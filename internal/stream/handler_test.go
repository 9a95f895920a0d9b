package stream_test

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/winwatch/winwatch/internal/stream"
)

const testKey = "dGhlIHNhbXBsZSBub25jZQ=="

// dial performs the client side of the handshake against srv and returns the
// connection and its buffered reader.
func dial(t *testing.T, srv *httptest.Server, query string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	req := "GET /" + query + " HTTP/1.1\r\n" +
		"Host: test\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: " + testKey + "\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write handshake: %v", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("read handshake: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status = %d, want 101", resp.StatusCode)
	}
	// Example key and accept value from RFC 6455 §1.3.
	if got := resp.Header.Get("Sec-WebSocket-Accept"); got != "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=" {
		t.Fatalf("Sec-WebSocket-Accept = %q", got)
	}
	return conn, br
}

// readFrame reads one unmasked server frame.
func readFrame(t *testing.T, conn net.Conn, br *bufio.Reader) (byte, []byte) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var hdr [2]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		t.Fatalf("read frame header: %v", err)
	}
	n := int(hdr[1] & 0x7F)
	if n == 126 {
		var ext [2]byte
		if _, err := io.ReadFull(br, ext[:]); err != nil {
			t.Fatalf("read extended length: %v", err)
		}
		n = int(binary.BigEndian.Uint16(ext[:]))
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(br, payload); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	return hdr[0] & 0x0F, payload
}

// writeMasked writes one masked client frame.
func writeMasked(t *testing.T, conn net.Conn, opcode byte, payload []byte) {
	t.Helper()
	mask := [4]byte{1, 2, 3, 4}
	frame := []byte{0x80 | opcode, 0x80 | byte(len(payload))}
	frame = append(frame, mask[:]...)
	for i, b := range payload {
		frame = append(frame, b^mask[i%4])
	}
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func waitClients(t *testing.T, h *stream.Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Clients = %d, want %d", h.Clients(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAcceptKey(t *testing.T) {
	if got := stream.AcceptKey(testKey); got != "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=" {
		t.Errorf("AcceptKey = %q", got)
	}
}

func TestHandler_RejectsPlainRequest(t *testing.T) {
	h := stream.NewHandler(stream.NewHub(noopLogger(), 0), noopLogger(), 0)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusUpgradeRequired {
		t.Errorf("status = %d, want 426", rr.Code)
	}
}

func TestHandler_RejectsMissingKey(t *testing.T) {
	h := stream.NewHandler(stream.NewHub(noopLogger(), 0), noopLogger(), 0)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "keep-alive, Upgrade")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestHandler_StreamsEvents(t *testing.T) {
	hub := stream.NewHub(noopLogger(), 8)
	srv := httptest.NewServer(stream.NewHandler(hub, noopLogger(), time.Second))
	defer srv.Close()

	conn, br := dial(t, srv, "?monitor=docs")
	waitClients(t, hub, 1)

	_ = hub.Publish(context.Background(), entry("procs"))
	_ = hub.Publish(context.Background(), entry("docs"))

	op, payload := readFrame(t, conn, br)
	if op != 0x1 {
		t.Fatalf("opcode = %#x, want text", op)
	}
	var m stream.Message
	if err := json.Unmarshal(payload, &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Event.Monitor != "docs" || m.Event.EventType != "Added" {
		t.Errorf("message = %+v", m)
	}
}

func TestHandler_AnswersPing(t *testing.T) {
	hub := stream.NewHub(noopLogger(), 8)
	srv := httptest.NewServer(stream.NewHandler(hub, noopLogger(), time.Second))
	defer srv.Close()

	conn, br := dial(t, srv, "")
	writeMasked(t, conn, 0x9, []byte("hi"))

	op, payload := readFrame(t, conn, br)
	if op != 0xA || string(payload) != "hi" {
		t.Errorf("got opcode %#x payload %q, want pong \"hi\"", op, payload)
	}
}

func TestHandler_ClientCloseUnsubscribes(t *testing.T) {
	hub := stream.NewHub(noopLogger(), 8)
	srv := httptest.NewServer(stream.NewHandler(hub, noopLogger(), time.Second))
	defer srv.Close()

	conn, _ := dial(t, srv, "")
	waitClients(t, hub, 1)
	writeMasked(t, conn, 0x8, []byte{0x03, 0xE8})
	waitClients(t, hub, 0)
}

func TestHandler_HubCloseSendsCloseFrame(t *testing.T) {
	hub := stream.NewHub(noopLogger(), 8)
	srv := httptest.NewServer(stream.NewHandler(hub, noopLogger(), time.Second))
	defer srv.Close()

	conn, br := dial(t, srv, "")
	waitClients(t, hub, 1)
	_ = hub.Close()

	op, payload := readFrame(t, conn, br)
	if op != 0x8 || binary.BigEndian.Uint16(payload) != 1000 {
		t.Errorf("got opcode %#x payload %v, want close 1000", op, payload)
	}
}
