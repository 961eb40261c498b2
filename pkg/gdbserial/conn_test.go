package gdbserial

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeStub is a minimal stub serving memory reads from a map.
type fakeStub struct {
	conn       net.Conn
	rdr        *bufio.Reader
	mem        map[uint64]byte
	packetSize int
	noAck      bool // refuse QStartNoAckMode

	mu   sync.Mutex
	reqs []string
}

func newFakeStub(t *testing.T, mem map[uint64]byte, packetSize int) (*fakeStub, net.Conn) {
	client, server := net.Pipe()
	s := &fakeStub{conn: server, rdr: bufio.NewReader(server), mem: mem, packetSize: packetSize}
	t.Cleanup(func() { server.Close(); client.Close() })
	return s, client
}

func (s *fakeStub) requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.reqs...)
}

func (s *fakeStub) serve() {
	ack := true
	for {
		b, err := s.rdr.ReadByte()
		if err != nil {
			return
		}
		if b != '$' {
			continue
		}
		pkt, err := s.rdr.ReadBytes('#')
		if err != nil {
			return
		}
		var csum [2]byte
		if _, err := io.ReadFull(s.rdr, csum[:]); err != nil {
			return
		}
		body := string(pkt[:len(pkt)-1])
		s.mu.Lock()
		s.reqs = append(s.reqs, body)
		s.mu.Unlock()
		if ack {
			s.conn.Write([]byte{'+'})
		}
		reply := s.handle(body)
		out := "$" + reply + "#"
		sum := checksum([]byte(out))
		out += fmt.Sprintf("%02x", sum)
		if _, err := s.conn.Write([]byte(out)); err != nil {
			return
		}
		if body == "QStartNoAckMode" && reply == "OK" {
			ack = false
		}
	}
}

func (s *fakeStub) handle(body string) string {
	switch {
	case body == "qSupported":
		return fmt.Sprintf("PacketSize=%x;qXfer:memory-map:read+", s.packetSize)
	case body == "QStartNoAckMode":
		if s.noAck {
			return ""
		}
		return "OK"
	case body == "?":
		return "S05"
	case strings.HasPrefix(body, "m"):
		fields := strings.Split(body[1:], ",")
		addr, _ := strconv.ParseUint(fields[0], 16, 64)
		sz, _ := strconv.ParseUint(fields[1], 16, 64)
		if 2*int(sz)+4 > s.packetSize {
			return "E22"
		}
		buf := make([]byte, sz)
		for i := range buf {
			b, ok := s.mem[addr+uint64(i)]
			if !ok {
				if i == 0 {
					return "E01"
				}
				// partial read
				buf = buf[:i]
				break
			}
			buf[i] = b
		}
		return hex.EncodeToString(buf)
	}
	return ""
}

func memRange(addr uint64, data []byte) map[uint64]byte {
	m := make(map[uint64]byte)
	for i, b := range data {
		m[addr+uint64(i)] = b
	}
	return m
}

func TestReadMemoryChunked(t *testing.T) {
	data := make([]byte, 20)
	for i := range data {
		data[i] = byte(i + 1)
	}
	stub, client := newFakeStub(t, memRange(0x20000000, data), 20)
	go stub.serve()

	conn, err := Connect(client, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if conn.PacketSize() != 20 {
		t.Fatalf("expected packet size 20, got %d", conn.PacketSize())
	}
	if conn.ack {
		t.Fatal("ack mode should have been disabled")
	}

	buf := make([]byte, 20)
	n, err := conn.ReadMemory(buf, 0x20000000)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(buf) || !reflect.DeepEqual(buf, data) {
		t.Fatalf("read %d bytes %x, expected %x", n, buf, data)
	}

	var reads []string
	for _, req := range stub.requests() {
		if strings.HasPrefix(req, "m") {
			reads = append(reads, req)
		}
	}
	expected := []string{"m20000000,8", "m20000008,8", "m20000010,4"}
	if !reflect.DeepEqual(reads, expected) {
		t.Fatalf("expected requests %v, got %v", expected, reads)
	}
}

func TestReadMemoryPartialReply(t *testing.T) {
	stub, client := newFakeStub(t, memRange(0x1000, []byte{1, 2, 3}), 256)
	go stub.serve()

	conn, err := Connect(client, time.Second)
	if err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 8)
	n, err := conn.ReadMemory(buf, 0x1000)
	if err == nil {
		t.Fatal("expected error reading past the end of memory")
	}
	if n != 3 {
		t.Fatalf("expected 3 bytes read before the error, got %d", n)
	}
	if _, ok := err.(*GdbProtocolError); !ok {
		t.Fatalf("expected protocol error, got %T %v", err, err)
	}
}

func TestStopReasonAndClose(t *testing.T) {
	stub, client := newFakeStub(t, nil, 256)
	stub.noAck = true
	go stub.serve()

	conn, err := Connect(client, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !conn.ack {
		t.Fatal("ack mode should still be enabled when the stub refuses QStartNoAckMode")
	}
	reason, err := conn.StopReason()
	if err != nil {
		t.Fatal(err)
	}
	if reason != "S05" || !Halted(reason) {
		t.Fatalf("expected halted target, got %q", reason)
	}
	if err := conn.Close(); err != nil {
		t.Fatal(err)
	}
	for _, req := range stub.requests() {
		if req == "D" || req == "c" || strings.HasPrefix(req, "vCont") {
			t.Fatalf("packet %q sent, the target could be resumed", req)
		}
	}
}

func TestHalted(t *testing.T) {
	for _, tc := range []struct {
		reply  string
		halted bool
	}{
		{"S05", true},
		{"T05thread:1;", true},
		{"W00", false},
		{"X09", false},
		{"OK", false},
		{"", false},
	} {
		if got := Halted(tc.reply); got != tc.halted {
			t.Errorf("Halted(%q) = %v, expected %v", tc.reply, got, tc.halted)
		}
	}
}

func TestWiredecode(t *testing.T) {
	tests := []struct {
		in, out string
	}{
		{"$OK#9a", "OK"},
		{"$a*\"#00", "aaaaaa"},
		{"$x}\x03#00", "x#"},
		{"$0*!1#00", "000001"},
	}
	for _, tc := range tests {
		_, msg := wiredecode([]byte(tc.in), nil)
		if string(msg) != tc.out {
			t.Errorf("wiredecode(%q) = %q, expected %q", tc.in, msg, tc.out)
		}
	}
}

func TestChecksum(t *testing.T) {
	if sum := checksum([]byte("$OK#")); sum != 0x9a {
		t.Fatalf("expected 0x9a, got %#x", sum)
	}
	if !checksumok([]byte("$OK#"), []byte("9a")) {
		t.Fatal("checksum should match")
	}
	if checksumok([]byte("$OK#"), []byte("9b")) {
		t.Fatal("checksum should not match")
	}
}

func TestIsErrorReply(t *testing.T) {
	for _, tc := range []struct {
		resp string
		err  bool
	}{
		{"E01", true},
		{"E.memory fault", true},
		{"EF", false},
		{"EFBEADDE", false},
		{"OK", false},
	} {
		if got := isErrorReply([]byte(tc.resp)); got != tc.err {
			t.Errorf("isErrorReply(%q) = %v", tc.resp, got)
		}
	}
}

func TestParseCommandLine(t *testing.T) {
	args, err := ParseCommandLine(`openocd -f "board/my board.cfg" -c "gdb_port 3333"`)
	if err != nil {
		t.Fatal(err)
	}
	expected := []string{"openocd", "-f", "board/my board.cfg", "-c", "gdb_port 3333"}
	if !reflect.DeepEqual(args, expected) {
		t.Fatalf("expected %q, got %q", expected, args)
	}

	if _, err := ParseCommandLine(""); err != ErrEmptyStubCommand {
		t.Fatalf("expected ErrEmptyStubCommand, got %v", err)
	}
	if _, err := ParseCommandLine("openocd | cat"); err == nil {
		t.Fatal("expected error for pipeline")
	}
}
