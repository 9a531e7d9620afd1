package bouncer

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/gobouncer/gobouncer/internal/mbuf"
)

func TestDetectSessionPinParse(t *testing.T) {
	if !detectSessionPin('P', []byte("stmt1\x00select 1\x00\x00")) {
		t.Errorf("a named prepared statement should pin the session")
	}
	if detectSessionPin('P', []byte("\x00select 1\x00\x00")) {
		t.Errorf("an unnamed prepared statement must not pin the session")
	}
}

func TestDetectSessionPinListenNotify(t *testing.T) {
	if !detectSessionPin('Q', []byte("LISTEN foo\x00")) {
		t.Errorf("LISTEN should pin the session")
	}
	if !detectSessionPin('Q', []byte("notify foo\x00")) {
		t.Errorf("NOTIFY should pin the session regardless of case")
	}
	if detectSessionPin('Q', []byte("select 1\x00")) {
		t.Errorf("an ordinary query must not pin the session")
	}
}

func TestPinReason(t *testing.T) {
	if got := pinReason('P', nil); got != "named prepared statement" {
		t.Errorf("pinReason('P') = %q", got)
	}
	if got := pinReason('Q', []byte("LISTEN foo\x00")); got != "listen command" {
		t.Errorf("pinReason('Q') = %q, want %q", got, "listen command")
	}
}

func buildStartupPacket(params map[string]string) []byte {
	var body []byte
	put32 := func(v uint32) {
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], v)
		body = append(body, tmp[:]...)
	}
	put32(196608)
	for k, v := range params {
		body = append(body, []byte(k)...)
		body = append(body, 0)
		body = append(body, []byte(v)...)
		body = append(body, 0)
	}
	body = append(body, 0)

	total := 4 + len(body) // the length field covers itself too
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(total))
	return append(hdr[:], body...)
}

func TestNegotiateStartupParsesDatabaseAndUser(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	pkt := buildStartupPacket(map[string]string{"user": "alice", "database": "mydb"})
	go remote.Write(pkt)

	client := &PgSocket{Conn: local}
	dbname, username, _, isCancel, err := negotiateStartup(client)
	if err != nil {
		t.Fatalf("negotiateStartup failed: %v", err)
	}
	if isCancel {
		t.Fatalf("negotiateStartup should not report a cancel request for a normal startup packet")
	}
	if dbname != "mydb" || username != "alice" {
		t.Errorf("negotiateStartup = (%q, %q), want (mydb, alice)", dbname, username)
	}
}

func TestNegotiateStartupParsesCancelRequest(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	var body []byte
	put32 := func(v uint32) {
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], v)
		body = append(body, tmp[:]...)
	}
	put32(80877102)
	put32(4242)
	put32(99)
	total := 4 + len(body)
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(total))
	pkt := append(hdr[:], body...)
	go remote.Write(pkt)

	client := &PgSocket{Conn: local}
	_, _, cancelKey, isCancel, err := negotiateStartup(client)
	if err != nil {
		t.Fatalf("negotiateStartup failed: %v", err)
	}
	if !isCancel {
		t.Fatalf("negotiateStartup should report a cancel request for a PktCancel packet")
	}
	want := [8]byte{0, 0, 16, 146, 0, 0, 0, 99}
	if cancelKey != want {
		t.Errorf("cancelKey = %v, want %v", cancelKey, want)
	}
}

func TestWriteRawRejectsLegacyPseudoType(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	hdr := &mbuf.PktHdr{Type: mbuf.PktStartup, Data: mbuf.New(nil)}
	if err := writeRaw(local, hdr); err == nil {
		t.Errorf("writeRaw should refuse to forward a legacy pseudo-packet")
	}
}

func TestWriteRawForwardsRealPacket(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	hdr := &mbuf.PktHdr{Type: 'Q', Data: mbuf.New([]byte("select 1\x00"))}
	done := make(chan struct{})
	var got []byte
	go func() {
		buf := make([]byte, 64)
		n, _ := remote.Read(buf)
		got = buf[:n]
		close(done)
	}()
	if err := writeRaw(local, hdr); err != nil {
		t.Fatalf("writeRaw failed: %v", err)
	}
	<-done
	if len(got) == 0 || got[0] != 'Q' {
		t.Errorf("expected a forwarded 'Q' packet, got %v", got)
	}
}

func TestWaitForBindTimesOut(t *testing.T) {
	client := &PgSocket{bindReady: make(chan BoundServer, 1)}
	_, ok := waitForBind(client, 10*time.Millisecond)
	if ok {
		t.Errorf("waitForBind should time out when nothing is ever sent")
	}
}

func TestWaitForBindDelivers(t *testing.T) {
	client := &PgSocket{bindReady: make(chan BoundServer, 1)}
	server := &PgSocket{}
	client.bindReady <- BoundServer{Server: server}
	got, ok := waitForBind(client, time.Second)
	if !ok || got.Server != server {
		t.Errorf("waitForBind should deliver the bound server")
	}
}
