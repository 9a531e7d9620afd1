package bouncer

import (
	"github.com/gobouncer/gobouncer/internal/mbuf"
)

// offerWelcomeParams feeds a newly authenticated server's tracked
// session variables (srv.Vars) into the pool's cached welcome message,
// the first time any server in the pool finishes login. ParameterStatus
// values the VarCache does not track are not kept by
// authenticateServer, so they never reach the welcome message. Grounded on
// `original_source/src/proto.c:add_welcome_parameter`/
// `finish_welcome_msg`.
func offerWelcomeParams(p *Pool, srv *PgSocket) {
	if p.WelcomeReady {
		return
	}
	for name, val := range srv.Vars.Exported() {
		addWelcomeParameter(p, name, val)
	}
	finishWelcomeMsg(p)
}

func addWelcomeParameter(p *Pool, key, val string) {
	if p.WelcomeReady {
		return
	}
	if len(p.WelcomeMsg) == 0 {
		buf := mbuf.NewPktBuf()
		off := buf.StartPacket('R')
		buf.PutUint32(0) // AuthenticationOk
		buf.FinishPacket(off)
		p.WelcomeMsg = append(p.WelcomeMsg, buf.Bytes()...)
	}
	// Values the VarCache tracks are captured into orig_vars instead of
	// being written verbatim, so each client later sees its own copy.
	if p.OrigVars.Set(key, val) {
		return
	}
	buf := mbuf.NewPktBuf()
	off := buf.StartPacket('S')
	buf.PutString(key)
	buf.PutString(val)
	buf.FinishPacket(off)
	p.WelcomeMsg = append(p.WelcomeMsg, buf.Bytes()...)
}

func finishWelcomeMsg(p *Pool) {
	p.WelcomeReady = true
}

// welcomeClient builds the full sequence a newly arrived client sees
// once its pool is ready: the cached welcome bytes, the client's own
// copy of any tracked variables, a fresh cancel key, BackendKeyData
// and ReadyForQuery.
func welcomeClient(p *Pool, client *PgSocket, cancelKey [8]byte) ([]byte, bool) {
	if !p.WelcomeReady {
		return nil, false
	}
	buf := mbuf.NewPktBuf()
	buf.PutBytes(p.WelcomeMsg)

	client.Vars.FillUnset(&p.OrigVars)
	client.Vars.AddParams(buf)

	client.CancelKey = cancelKey
	off := buf.StartPacket('K')
	buf.PutBytes(cancelKey[:4]) // synthetic pid half; clients never talk to the real backend pid
	buf.PutBytes(cancelKey[4:])
	buf.FinishPacket(off)

	off = buf.StartPacket('Z')
	buf.PutByte('I')
	buf.FinishPacket(off)

	return buf.Bytes(), true
}
