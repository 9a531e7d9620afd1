package bouncer

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/gobouncer/gobouncer/internal/mbuf"
)

// authenticateServer performs the startup+auth handshake against a
// freshly dialed backend connection, leaving srv positioned right
// after ReadyForQuery. Grounded on
// `original_source/src/proto.c:send_startup_packet`/`answer_authreq`.
func authenticateServer(srv *PgSocket, db *PgDatabase, user *PgUser) error {
	if err := sendStartupPacket(srv, db, user); err != nil {
		return fmt.Errorf("bouncer: send startup: %w", err)
	}

	readBuf := make([]byte, 4096)
	for {
		hdr, err := srv.ReadPacket(readBuf)
		if err != nil {
			return fmt.Errorf("bouncer: read from backend: %w", err)
		}
		switch hdr.Type {
		case 'R':
			ok, done, err := answerAuthReq(srv, hdr, user)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("bouncer: backend authentication failed")
			}
			if done {
				// AuthenticationOk received; keep reading until ReadyForQuery.
			}
		case 'S': // ParameterStatus
			key, _ := hdr.Data.GetString()
			val, _ := hdr.Data.GetString()
			srv.Vars.Set(key, val)
		case 'K': // BackendKeyData
			pid, _ := hdr.Data.GetUint32()
			key, _ := hdr.Data.GetUint32()
			srv.BackendPID = pid
			srv.BackendKey = key
		case 'Z': // ReadyForQuery
			return nil
		case 'E': // ErrorResponse
			return fmt.Errorf("bouncer: backend error during startup: %s", parseErrorMessage(hdr))
		default:
			// NoticeResponse and similar are ignorable during startup.
		}
	}
}

func sendStartupPacket(srv *PgSocket, db *PgDatabase, user *PgUser) error {
	buf := mbuf.NewPktBuf()
	lenOff := buf.Len()
	buf.PutUint32(0) // length placeholder; the field covers itself too
	buf.PutUint32(196608) // protocol version 3.0

	buf.PutString("user")
	buf.PutString(user.Name)
	buf.PutString("database")
	buf.PutString(db.DBName)
	for _, kv := range db.StartupParams {
		buf.PutString(kv[0])
		buf.PutString(kv[1])
	}
	buf.PutByte(0) // terminator

	buf.FinishPacket(lenOff)
	_, err := srv.Conn.Write(buf.Bytes())
	return err
}

// answerAuthReq dispatches on the auth-request code exactly as
// `original_source/src/proto.c:answer_authreq` does. ok reports
// whether the response (if any) was sent successfully; done reports
// whether this was the terminal AuthenticationOk.
func answerAuthReq(srv *PgSocket, hdr *mbuf.PktHdr, user *PgUser) (ok bool, done bool, err error) {
	cmd, gerr := hdr.Data.GetUint32()
	if gerr != nil {
		return false, false, fmt.Errorf("bouncer: short auth request")
	}
	switch cmd {
	case 0:
		return true, true, nil
	case 3:
		return sendPassword(srv, user.Password), false, nil
	case 4:
		salt, gerr := hdr.Data.GetBytes(2)
		if gerr != nil {
			return false, false, nil
		}
		if user.CryptAuth == nil {
			return false, false, fmt.Errorf("bouncer: backend requires crypt auth, no crypt provider configured")
		}
		var s [2]byte
		copy(s[:], salt)
		enc, cerr := user.CryptAuth(user.Password, s)
		if cerr != nil {
			return false, false, fmt.Errorf("bouncer: crypt auth: %w", cerr)
		}
		return sendPassword(srv, enc), false, nil
	case 5:
		salt, gerr := hdr.Data.GetBytes(4)
		if gerr != nil {
			return false, false, nil
		}
		return sendPassword(srv, md5Password(user, salt)), false, nil
	case 2, 6:
		return false, false, fmt.Errorf("bouncer: unsupported auth method %d", cmd)
	default:
		return false, false, fmt.Errorf("bouncer: unknown auth method %d", cmd)
	}
}

func sendPassword(srv *PgSocket, pass string) bool {
	buf := mbuf.NewPktBuf()
	off := buf.StartPacket('p')
	buf.PutString(pass)
	buf.FinishPacket(off)
	_, err := srv.Conn.Write(buf.Bytes())
	return err == nil
}

func isMD5(pw string) bool {
	return strings.HasPrefix(pw, "md5") && len(pw) == 35
}

// md5Password implements "md5" + md5(md5(password+user)+salt).
func md5Password(user *PgUser, salt []byte) string {
	inner := user.Password
	if !isMD5(user.Password) {
		inner = "md5" + hexmd5([]byte(user.Password+user.Name))
	}
	digest := inner[3:]
	sum := md5.Sum(append([]byte(digest), salt...))
	return "md5" + hex.EncodeToString(sum[:])
}

func hexmd5(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func parseErrorMessage(hdr *mbuf.PktHdr) string {
	var level, msg string
	for hdr.Data.Avail() > 0 {
		t, err := hdr.Data.GetByte()
		if err != nil || t == 0 {
			break
		}
		v, err := hdr.Data.GetString()
		if err != nil {
			break
		}
		switch t {
		case 'S':
			level = v
		case 'M':
			msg = v
		}
	}
	return level + ": " + msg
}
