package stream

import (
	"bufio"
	"crypto/sha1" //nolint:gosec // required by RFC 6455 §4.2.2 for the accept key
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

// acceptGUID is appended to Sec-WebSocket-Key before hashing (RFC 6455 §1.3).
const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// maxClientFrame bounds the payload of frames read from clients. Stream
// clients only ever send control frames.
const maxClientFrame = 64 * 1024

// WebSocket opcodes used by the handler.
const (
	opText  = 0x1
	opClose = 0x8
	opPing  = 0x9
	opPong  = 0xA
)

// Handler upgrades a request to a WebSocket connection and streams hub
// messages to it as text frames. The optional "monitor" query parameter
// restricts the stream to one monitor.
type Handler struct {
	hub          *Hub
	logger       *slog.Logger
	writeTimeout time.Duration
}

// NewHandler creates a Handler for hub. writeTimeout <= 0 defaults to ten
// seconds.
func NewHandler(hub *Hub, logger *slog.Logger, writeTimeout time.Duration) *Handler {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Handler{hub: hub, logger: logger, writeTimeout: writeTimeout}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") ||
		!strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade") {
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}
	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		http.Error(w, "missing Sec-WebSocket-Key", http.StatusBadRequest)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "connection cannot be upgraded", http.StatusInternalServerError)
		return
	}
	conn, rw, err := hj.Hijack()
	if err != nil {
		h.logger.Error("stream: hijack failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	if _, err := rw.WriteString("HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + AcceptKey(key) + "\r\n\r\n"); err != nil {
		return
	}
	if err := rw.Flush(); err != nil {
		return
	}

	client := h.hub.Subscribe(r.URL.Query().Get("monitor"))
	defer h.hub.Unsubscribe(client.ID())

	logger := h.logger.With(slog.String("client_id", client.ID()))
	logger.Info("stream: client connected", slog.String("remote_addr", conn.RemoteAddr().String()))

	// The reader owns the buffered reader; control replies go through ctrl so
	// that only this goroutine writes to conn.
	ctrl := make(chan []byte, 4)
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		if err := readFrames(rw.Reader, ctrl); err != nil && !errors.Is(err, io.EOF) {
			logger.Debug("stream: read loop ended", slog.Any("error", err))
		}
	}()

	for {
		select {
		case <-gone:
			logger.Info("stream: client disconnected", slog.Int64("dropped", client.Dropped()))
			return

		case frame := <-ctrl:
			if err := h.write(conn, frame); err != nil {
				return
			}

		case msg, ok := <-client.Frames():
			if !ok {
				// Hub closed: say goodbye with a normal-closure frame.
				_ = h.write(conn, encodeFrame(opClose, []byte{0x03, 0xE8}))
				return
			}
			if err := h.write(conn, encodeFrame(opText, msg)); err != nil {
				logger.Warn("stream: write failed", slog.Any("error", err))
				return
			}
		}
	}
}

func (h *Handler) write(conn net.Conn, frame []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
		return err
	}
	_, err := conn.Write(frame)
	return err
}

// AcceptKey derives the Sec-WebSocket-Accept value for a client key.
func AcceptKey(key string) string {
	sum := sha1.Sum([]byte(key + acceptGUID)) //nolint:gosec
	return base64.StdEncoding.EncodeToString(sum[:])
}

// encodeFrame builds a single unmasked, unfragmented server frame.
func encodeFrame(opcode byte, payload []byte) []byte {
	n := len(payload)
	var hdr []byte
	switch {
	case n < 126:
		hdr = []byte{0x80 | opcode, byte(n)}
	case n <= 0xFFFF:
		hdr = []byte{0x80 | opcode, 126, 0, 0}
		binary.BigEndian.PutUint16(hdr[2:], uint16(n))
	default:
		hdr = make([]byte, 10)
		hdr[0], hdr[1] = 0x80|opcode, 127
		binary.BigEndian.PutUint64(hdr[2:], uint64(n))
	}
	return append(hdr, payload...)
}

// readFrames consumes client frames until a close frame, a read error, or an
// oversized frame. Pings are answered through ctrl; everything else is
// discarded.
func readFrames(r *bufio.Reader, ctrl chan<- []byte) error {
	var hdr [2]byte
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return err
		}
		opcode := hdr[0] & 0x0F
		masked := hdr[1]&0x80 != 0

		length := uint64(hdr[1] & 0x7F)
		switch length {
		case 126:
			var ext [2]byte
			if _, err := io.ReadFull(r, ext[:]); err != nil {
				return err
			}
			length = uint64(binary.BigEndian.Uint16(ext[:]))
		case 127:
			var ext [8]byte
			if _, err := io.ReadFull(r, ext[:]); err != nil {
				return err
			}
			length = binary.BigEndian.Uint64(ext[:])
		}
		if length > maxClientFrame {
			return fmt.Errorf("client frame of %d bytes exceeds limit", length)
		}

		var mask [4]byte
		if masked {
			if _, err := io.ReadFull(r, mask[:]); err != nil {
				return err
			}
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return err
		}
		if masked {
			for i := range payload {
				payload[i] ^= mask[i%4]
			}
		}

		switch opcode {
		case opClose:
			return nil
		case opPing:
			select {
			case ctrl <- encodeFrame(opPong, payload):
			default:
			}
		}
	}
}
