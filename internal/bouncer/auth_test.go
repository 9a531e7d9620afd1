package bouncer

import (
	"testing"

	"github.com/gobouncer/gobouncer/internal/mbuf"
)

// authHeader builds a fake AuthenticationXXX payload (cmd followed by
// any method-specific bytes, e.g. a salt) the way answerAuthReq expects
// to read it: hdr.Data positioned at the start of the cmd field.
func authHeader(cmd uint32, extra []byte) *mbuf.PktHdr {
	buf := mbuf.NewPktBuf()
	buf.PutUint32(cmd)
	buf.PutBytes(extra)
	return &mbuf.PktHdr{Type: 'R', Len: uint32(5 + len(extra)), Data: mbuf.New(buf.Bytes())}
}

func TestIsMD5(t *testing.T) {
	cases := []struct {
		pw   string
		want bool
	}{
		{"md5" + "0123456789abcdef0123456789abcdef", true},
		{"plaintext", false},
		{"md5tooshort", false},
	}
	for _, c := range cases {
		if got := isMD5(c.pw); got != c.want {
			t.Errorf("isMD5(%q) = %v, want %v", c.pw, got, c.want)
		}
	}
}

func TestMD5PasswordFromCleartext(t *testing.T) {
	user := &PgUser{Name: "alice", Password: "secret"}
	salt := []byte{1, 2, 3, 4}

	got := md5Password(user, salt)

	if len(got) != 35 || got[:3] != "md5" {
		t.Fatalf("md5Password produced %q, want a 35-byte md5-prefixed string", got)
	}
	// deterministic: same inputs always produce the same hash.
	again := md5Password(user, salt)
	if got != again {
		t.Errorf("md5Password is not deterministic: %q != %q", got, again)
	}
}

func TestMD5PasswordDoesNotDoubleHashPreHashed(t *testing.T) {
	pre := "md5" + hexmd5([]byte("secretalice"))
	user := &PgUser{Name: "alice", Password: pre}
	salt := []byte{5, 6, 7, 8}

	got := md5Password(user, salt)

	inner := pre[3:]
	want := "md5" + hexmd5(append([]byte(inner), salt...))
	if got != want {
		t.Errorf("md5Password(%q) = %q, want %q (pre-hashed password reused as-is)", pre, got, want)
	}
}

func TestAnswerAuthReqAuthenticationOk(t *testing.T) {
	srv, remote := newPipeSocket(true)
	defer remote.Close()

	hdr := authHeader(0, nil)

	ok, done, err := answerAuthReq(srv, hdr, &PgUser{Name: "alice", Password: "secret"})
	if err != nil || !ok || !done {
		t.Fatalf("answerAuthReq(AuthOk) = %v, %v, %v; want true, true, nil", ok, done, err)
	}
}

func TestAnswerAuthReqCryptWithoutProvider(t *testing.T) {
	srv, remote := newPipeSocket(true)
	defer remote.Close()

	hdr := authHeader(4, []byte{0, 0})

	_, _, err := answerAuthReq(srv, hdr, &PgUser{Name: "alice", Password: "secret"})
	if err == nil {
		t.Errorf("answerAuthReq should fail when the backend asks for crypt auth with no provider configured")
	}
}

func TestAnswerAuthReqUnsupportedMethod(t *testing.T) {
	srv, remote := newPipeSocket(true)
	defer remote.Close()

	hdr := authHeader(2, nil)

	_, _, err := answerAuthReq(srv, hdr, &PgUser{Name: "alice"})
	if err == nil {
		t.Errorf("answerAuthReq should reject an unsupported auth method")
	}
}
