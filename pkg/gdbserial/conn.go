// Package gdbserial implements the client side of the "Gdb Remote Serial
// Protocol", used here as a read-only window on the memory of a halted
// embedded target.
//
// The protocol is specified at:
//
//	https://sourceware.org/gdb/onlinedocs/gdb/Remote-Protocol.html
//
// Terminology:
//   - stub: the program on the other side of the connection, for example
//     OpenOCD, pyOCD or the J-Link GDB server. The stub owns the debug probe
//     and the halt state of the target.
//
// Stubs for embedded targets implement a small subset of the protocol:
// 'm' (read memory), '?' (last stop reason) and qSupported are all that
// this package needs and all of them are universally implemented. Nothing
// that could resume the target is ever sent, not even 'D'. Packet sizes on the other hand vary wildly, OpenOCD
// advertises 0x3fff while some probes can not handle more than 256 bytes,
// so every memory read is split according to the PacketSize the stub
// advertises.
package gdbserial

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pebble-dev/rtosdbg/pkg/logflags"
)

const (
	gdbWireMaxLen = 120

	maxTransmitAttempts    = 3    // number of retransmission attempts on failed checksum
	initialInputBufferSize = 2048 // size of the input buffer for Conn
	defaultPacketSize      = 256
)

// ErrTooManyAttempts is returned when the stub keeps sending or asking
// for retransmission of corrupted packets.
var ErrTooManyAttempts = errors.New("too many transmit attempts")

// ErrShortRead is returned when the stub answers a memory read with no data.
var ErrShortRead = errors.New("stub returned no data for memory read")

// GdbProtocolError is an error response (Exx) of Gdb Remote Serial Protocol
// or an "unsupported command" response (empty packet).
type GdbProtocolError struct {
	context string
	cmd     string
	code    string
}

func (err *GdbProtocolError) Error() string {
	cmd := err.cmd
	if len(cmd) > 20 {
		cmd = cmd[:20] + "..."
	}
	if err.code == "" {
		return fmt.Sprintf("unsupported packet %s during %s", cmd, err.context)
	}
	return fmt.Sprintf("protocol error %s during %s for packet %s", err.code, err.context, cmd)
}

func isProtocolErrorUnsupported(err error) bool {
	gdberr, ok := err.(*GdbProtocolError)
	if !ok {
		return false
	}
	return gdberr.code == ""
}

// Conn is a connection to a stub.
type Conn struct {
	conn net.Conn
	rdr  *bufio.Reader

	inbuf  []byte
	outbuf bytes.Buffer

	packetSize          int           // maximum packet size supported by stub
	ack                 bool          // when ack is true acknowledgment packets are enabled
	maxTransmitAttempts int           // maximum number of transmit or receive attempts when bad checksums are read
	timeout             time.Duration // deadline for one packet exchange, zero means none

	log logflags.Logger
}

// Dial connects to the stub listening at addr and performs a handshake.
func Dial(addr string, timeout time.Duration) (*Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout(timeout))
	if err != nil {
		return nil, err
	}
	return Connect(conn, timeout)
}

func dialTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return 10 * time.Second
	}
	return timeout
}

// Connect performs a handshake on an established connection with a stub.
// The connection is closed if the handshake fails.
func Connect(conn net.Conn, timeout time.Duration) (*Conn, error) {
	c := &Conn{
		conn:                conn,
		inbuf:               make([]byte, 0, initialInputBufferSize),
		maxTransmitAttempts: maxTransmitAttempts,
		timeout:             timeout,
		log:                 logflags.GdbWireLogger(),
	}
	if err := c.handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (conn *Conn) handshake() error {
	conn.ack = true
	conn.packetSize = defaultPacketSize
	conn.rdr = bufio.NewReader(conn.conn)

	// This first ack packet is needed to start up the connection
	conn.sendack('+')

	if _, err := conn.qSupported(); err != nil && !isProtocolErrorUnsupported(err) {
		return err
	}

	if err := conn.disableAck(); err != nil && !isProtocolErrorUnsupported(err) {
		return err
	}
	return nil
}

// qSupported interprets qSupported responses.
func (conn *Conn) qSupported() (features map[string]bool, err error) {
	respBuf, err := conn.exec([]byte("$qSupported"), "init/qSupported")
	if err != nil {
		return nil, err
	}
	resp := strings.Split(string(respBuf), ";")
	features = make(map[string]bool)
	for _, stubfeature := range resp {
		if len(stubfeature) <= 0 {
			continue
		} else if equal := strings.Index(stubfeature, "="); equal >= 0 {
			if stubfeature[:equal] == "PacketSize" {
				if n, err := strconv.ParseInt(stubfeature[equal+1:], 16, 64); err == nil && n > 4 {
					conn.packetSize = int(n)
				}
			}
		} else if stubfeature[len(stubfeature)-1] == '+' {
			features[stubfeature[:len(stubfeature)-1]] = true
		}
	}
	return features, nil
}

// disableAck disables protocol acks.
func (conn *Conn) disableAck() error {
	_, err := conn.exec([]byte("$QStartNoAckMode"), "init/disableAck")
	if err == nil {
		conn.ack = false
	}
	return err
}

// PacketSize returns the maximum packet size negotiated with the stub.
func (conn *Conn) PacketSize() int {
	return conn.packetSize
}

// ReadMemory reads len(data) bytes of target memory at addr using the 'm'
// command, splitting the request in as many packets as needed.
func (conn *Conn) ReadMemory(data []byte, addr uint64) (int, error) {
	read := 0
	for read < len(data) {
		conn.outbuf.Reset()

		// stubs will crash if we ask too many bytes... not return an error, actually crash
		sz := len(data) - read
		if dataSize := (conn.packetSize - 4) / 2; sz > dataSize {
			sz = dataSize
		}

		fmt.Fprintf(&conn.outbuf, "$m%x,%x", addr+uint64(read), sz)
		resp, err := conn.exec(conn.outbuf.Bytes(), "memory read")
		if err != nil {
			return read, err
		}

		n := len(resp) / 2
		if n == 0 {
			return read, ErrShortRead
		}
		if n > sz {
			n = sz
		}
		for i := 0; i < n; i++ {
			b, err := strconv.ParseUint(string(resp[2*i:2*i+2]), 16, 8)
			if err != nil {
				return read, fmt.Errorf("malformed memory read response: %v", err)
			}
			data[read+i] = uint8(b)
		}
		read += n
	}
	return read, nil
}

// StopReason returns the reply to the '?' packet, the reason the target
// last stopped (for example "S05" or "T05thread:1;").
func (conn *Conn) StopReason() (string, error) {
	resp, err := conn.exec([]byte("$?"), "stop reason")
	if err != nil {
		return "", err
	}
	return string(resp), nil
}

// Halted returns true if reply, a reply to the '?' packet, reports that the
// target is stopped.
func Halted(reply string) bool {
	return len(reply) > 0 && (reply[0] == 'S' || reply[0] == 'T')
}

// Close closes the connection. No 'D' packet is sent, some stubs resume
// the target when a client detaches.
func (conn *Conn) Close() error {
	return conn.conn.Close()
}

// exec executes a message to the stub and reads a response.
// The details of the wire protocol are described here:
//
//	https://sourceware.org/gdb/onlinedocs/gdb/Overview.html#Overview
func (conn *Conn) exec(cmd []byte, context string) ([]byte, error) {
	if conn.timeout > 0 {
		conn.conn.SetDeadline(time.Now().Add(conn.timeout))
		defer conn.conn.SetDeadline(time.Time{})
	}
	if err := conn.send(cmd); err != nil {
		return nil, err
	}
	return conn.recv(cmd, context)
}

var hexdigit = []byte{'0', '1', '2', '3', '4', '5', '6', '7', '8', '9', 'a', 'b', 'c', 'd', 'e', 'f'}

func (conn *Conn) send(cmd []byte) error {
	if len(cmd) == 0 || cmd[0] != '$' {
		panic("gdb protocol error: command doesn't start with '$'")
	}

	// append checksum to packet
	cmd = append(cmd, '#')
	sum := checksum(cmd)
	cmd = append(cmd, hexdigit[sum>>4], hexdigit[sum&0xf])

	attempt := 0
	for {
		if logflags.GdbWire() {
			if len(cmd) > gdbWireMaxLen {
				conn.log.Debugf("<- %s...", string(cmd[:gdbWireMaxLen]))
			} else {
				conn.log.Debugf("<- %s", string(cmd))
			}
		}
		_, err := conn.conn.Write(cmd)
		if err != nil {
			return err
		}

		if !conn.ack {
			break
		}

		if conn.readack() {
			break
		}
		if attempt > conn.maxTransmitAttempts {
			return ErrTooManyAttempts
		}
		attempt++
	}
	return nil
}

func (conn *Conn) recv(cmd []byte, context string) (resp []byte, err error) {
	attempt := 0
	for {
		var err error
		resp, err = conn.rdr.ReadBytes('#')
		if err != nil {
			return nil, err
		}

		// read checksum
		var csum [2]byte
		if _, err = io.ReadFull(conn.rdr, csum[:]); err != nil {
			return nil, err
		}
		if logflags.GdbWire() {
			out := resp
			if len(out) > gdbWireMaxLen {
				conn.log.Debugf("-> %s...", string(out[:gdbWireMaxLen]))
			} else {
				conn.log.Debugf("-> %s%s", string(resp), string(csum[:]))
			}
		}

		// Stubs like OpenOCD print console output as 'O' packets and
		// notifications start with '%', neither is a reply.
		if i := bytes.IndexByte(resp, '$'); i > 0 {
			resp = resp[i:]
		}
		if resp[0] == '%' {
			continue
		}

		if !conn.ack {
			break
		}

		if checksumok(resp, csum[:]) {
			conn.sendack('+')
			break
		}
		if attempt > conn.maxTransmitAttempts {
			conn.sendack('+')
			return nil, ErrTooManyAttempts
		}
		attempt++
		conn.sendack('-')
	}

	conn.inbuf, resp = wiredecode(resp, conn.inbuf)

	if len(resp) == 0 || isErrorReply(resp) {
		cmdstr := ""
		if cmd != nil {
			cmdstr = string(cmd)
		}
		return nil, &GdbProtocolError{context, cmdstr, string(resp)}
	}

	if resp[0] == 'O' && !bytes.HasPrefix(resp, []byte("OK")) {
		// console output, the real reply follows
		return conn.recv(cmd, context)
	}

	return resp, nil
}

// isErrorReply returns true for replies of the form "Exx" or "E.message".
// The check is stricter than resp[0] == 'E' because the hex payload of a
// memory read can start with an uppercase E on some stubs.
func isErrorReply(resp []byte) bool {
	if len(resp) == 0 || resp[0] != 'E' {
		return false
	}
	return len(resp) == 3 || (len(resp) > 1 && resp[1] == '.')
}

// readack reads one byte from stub, returns true if the byte is '+'
func (conn *Conn) readack() bool {
	b, err := conn.rdr.ReadByte()
	if err != nil {
		return false
	}
	conn.log.Debugf("-> %s", string(b))
	return b == '+'
}

// sendack executes an ack character, c must be either '+' or '-'
func (conn *Conn) sendack(c byte) {
	if c != '+' && c != '-' {
		panic(fmt.Errorf("sendack(%c)", c))
	}
	conn.conn.Write([]byte{c})
	conn.log.Debugf("<- %s", string(c))
}

// escapeXor is the value mandated by the specification to escape characters
const escapeXor byte = 0x20

// wiredecode decodes the contents of in into buf.
// If buf is nil it will be allocated ex-novo, if the size of buf is not
// enough to hold the decoded contents it will be grown.
// Returns the newly allocated buffer as newbuf and the message contents as
// msg.
func wiredecode(in, buf []byte) (newbuf, msg []byte) {
	if buf != nil {
		buf = buf[:0]
	} else {
		buf = make([]byte, 0, 256)
	}

	start := 1

	for i := 0; i < len(in); i++ {
		switch ch := in[i]; ch {
		case '}': // escape
			if i+1 >= len(in) {
				buf = append(buf, ch)
			} else {
				buf = append(buf, in[i+1]^escapeXor)
				i++
			}
		case '#': // end of packet
			return buf, buf[start:]
		case '*': // runlength encoding marker
			if i+1 >= len(in) || i == 0 {
				buf = append(buf, ch)
			} else {
				n := in[i+1] - 29
				r := buf[len(buf)-1]
				for j := uint8(0); j < n; j++ {
					buf = append(buf, r)
				}
				i++
			}
		default:
			buf = append(buf, ch)
		}
	}
	return buf, buf[start:]
}

// checksumok checks that checksum is a valid checksum for packet.
func checksumok(packet, checksumBuf []byte) bool {
	if packet[0] != '$' {
		return false
	}

	sum := checksum(packet)
	tgt, err := strconv.ParseUint(string(checksumBuf), 16, 8)
	if err != nil {
		return false
	}
	return sum == uint8(tgt)
}

func checksum(packet []byte) (sum uint8) {
	for i := 1; i < len(packet); i++ {
		if packet[i] == '#' {
			return sum
		}
		sum += packet[i]
	}
	return sum
}
