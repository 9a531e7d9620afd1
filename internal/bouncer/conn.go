package bouncer

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/gobouncer/gobouncer/internal/mbuf"
	"github.com/gobouncer/gobouncer/internal/tracebuf"
)

// HandleClient drives one client connection end to end: startup
// negotiation, pool assignment, welcome, and the transaction-pooling
// relay loop that binds/unbinds a backend at each transaction
// boundary. It returns once the client disconnects or a fatal
// protocol error occurs.
func (b *Bouncer) HandleClient(conn net.Conn) {
	defer conn.Close()

	client := &PgSocket{Conn: conn, ClientState: ClLogin, Connected: time.Now()}
	client.LastActive = client.Connected

	// Tracked on the global login list (janitor.c's login_client_list)
	// until it either lands in a pool's waiting list or fails out below;
	// removed exactly once, by whichever happens first.
	b.Exec(func(bb *Bouncer) {
		bb.loginClients = append(bb.loginClients, client)
	})
	loggedIn := false
	defer func() {
		if !loggedIn {
			b.Exec(func(bb *Bouncer) {
				bb.loginClients = removeSocket(bb.loginClients, client)
			})
		}
	}()

	dbname, username, cancelKey, isCancel, err := negotiateStartup(client)
	if err != nil {
		slog.Debug("startup negotiation failed", "err", err)
		return
	}
	if isCancel {
		b.relayCancel(cancelKey)
		return
	}

	var pool *Pool
	b.Exec(func(bb *Bouncer) {
		p, ok := bb.getOrCreatePool(dbname, username)
		if !ok {
			return
		}
		pool = p
	})
	if pool == nil {
		sendErrorResponse(conn, "FATAL", "3D000", fmt.Sprintf("database %q does not exist for user %q", dbname, username))
		return
	}

	client.bindReady = make(chan BoundServer, 1)
	client.ClientState = ClWaiting
	b.Exec(func(bb *Bouncer) {
		bb.loginClients = removeSocket(bb.loginClients, client)
		loggedIn = true
		pool.WaitingClientList = append(pool.WaitingClientList, client)
		bb.activatePool(pool)
	})

	acquireStart := time.Now()
	bound, ok := waitForBind(client, 30*time.Second)
	if !ok {
		sendErrorResponse(conn, "FATAL", "53300", "sorry, too many clients already")
		b.Exec(func(bb *Bouncer) {
			pool.WaitingClientList = removeSocket(pool.WaitingClientList, client)
		})
		if b.metrics != nil {
			b.metrics.PoolExhausted(dbname, username)
		}
		return
	}
	if b.metrics != nil {
		b.metrics.AcquireDuration(dbname, username, time.Since(acquireStart))
	}
	server := bound.Server
	if err := applyBoundVars(server, bound.VarsPkt); err != nil {
		b.returnServer(pool, server, false)
		return
	}

	key := randomCancelKey()
	msg, ready := welcomeClient(pool, client, key)
	if !ready {
		sendErrorResponse(conn, "FATAL", "08006", "pool not ready")
		b.returnServer(pool, server, false)
		return
	}
	if _, err := conn.Write(msg); err != nil {
		b.returnServer(pool, server, false)
		return
	}

	b.relayLoop(pool, client, server)
}

// negotiateStartup reads the SSL-request/cancel/startup sequence off a
// freshly accepted connection. For an ordinary login it returns the
// requested database and user; for a legacy cancel request it returns
// isCancel=true and the raw (backend_pid, cancel_key) pair the client
// sent, for the caller to hand to relayCancel.
func negotiateStartup(client *PgSocket) (dbname, username string, cancelKey [8]byte, isCancel bool, err error) {
	readBuf := make([]byte, 4096)
	for {
		hdr, err := client.ReadPacket(readBuf)
		if err != nil {
			return "", "", cancelKey, false, err
		}
		switch hdr.Type {
		case mbuf.PktSSLReq:
			if _, err := client.Conn.Write([]byte{'N'}); err != nil {
				return "", "", cancelKey, false, err
			}
			continue
		case mbuf.PktCancel:
			pid, _ := hdr.Data.GetUint32()
			key, _ := hdr.Data.GetUint32()
			var k [8]byte
			putUint32(k[:4], pid)
			putUint32(k[4:], key)
			return "", "", k, true, nil
		case mbuf.PktStartup:
			params := map[string]string{}
			for hdr.Data.Avail() > 1 {
				k, err := hdr.Data.GetString()
				if err != nil || k == "" {
					break
				}
				v, err := hdr.Data.GetString()
				if err != nil {
					break
				}
				params[k] = v
			}
			return params["database"], params["user"], cancelKey, false, nil
		default:
			return "", "", cancelKey, false, fmt.Errorf("bouncer: unexpected packet type %v before startup", hdr.Type)
		}
	}
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

// relayCancel implements the cancellation relay (SPEC_FULL.md §4.11):
// it looks up which client socket was welcomed with this exact
// (pid, key) pair, finds the backend that client is currently bound
// to (if any), and forwards a CancelRequest carrying that backend's
// own BackendKeyData to the same address. Best-effort: errors at any
// step just end the attempt, matching the original's fire-and-forget
// cancel semantics.
func (b *Bouncer) relayCancel(key [8]byte) {
	var target *PgSocket
	var pool *Pool
	b.Exec(func(bb *Bouncer) {
		for _, p := range bb.pools {
			for _, c := range p.ActiveClientList {
				if c.CancelKey == key && c.LinkedTo != nil && c.LinkedTo.ServerState == SvActive {
					target = c.LinkedTo
					pool = p
					return
				}
			}
		}
	})
	if target == nil {
		return
	}

	placeholder := &PgSocket{IsServer: true}
	b.Exec(func(bb *Bouncer) {
		pool.CancelReqList = append(pool.CancelReqList, placeholder)
	})
	defer b.Exec(func(bb *Bouncer) {
		pool.CancelReqList = removeSocket(pool.CancelReqList, placeholder)
	})

	addr := net.JoinHostPort(pool.Database.Host, itoa(pool.Database.Port))
	conn, err := net.DialTimeout("tcp", addr, dialTimeout(pool.Database))
	if err != nil {
		return
	}
	defer conn.Close()

	buf := mbuf.NewPktBuf()
	buf.PutUint32(16)
	buf.PutUint32(80877102)
	buf.PutUint32(target.BackendPID)
	buf.PutUint32(target.BackendKey)
	conn.Write(buf.Bytes())
}

func waitForBind(client *PgSocket, timeout time.Duration) (BoundServer, bool) {
	select {
	case s := <-client.bindReady:
		return s, true
	case <-time.After(timeout):
		return BoundServer{}, false
	}
}

// applyBoundVars writes the SET statement(s) bindClientToServer
// computed for this bind (if any) to the server and drains its
// response before ordinary relay resumes, so the client never sees
// the reconciliation traffic.
func applyBoundVars(server *PgSocket, varsPkt []byte) error {
	if len(varsPkt) == 0 {
		return nil
	}
	if _, err := server.Conn.Write(varsPkt); err != nil {
		return err
	}
	readBuf := make([]byte, 4096)
	for {
		rhdr, err := server.ReadPacket(readBuf)
		if err != nil {
			return err
		}
		if rhdr.Type == 'Z' {
			return nil
		}
	}
}

func randomCancelKey() [8]byte {
	var k [8]byte
	_, _ = rand.Read(k[:])
	return k
}

// relayLoop implements transaction-level pooling: the backend bound at
// welcome time is released back to the pool as soon as the first
// ReadyForQuery('I') comes back, and re-acquired (by re-entering the
// waiting list) for the client's next message, unless the session has
// been pinned. Grounded on the teacher's relayPGTransactionMode, now
// driven through the scheduler's command channel instead of a
// condvar-based pool.
func (b *Bouncer) relayLoop(pool *Pool, client *PgSocket, server *PgSocket) {
	readBuf := make([]byte, 65536)
	pinned := false
	dbname, username := pool.Database.Name, pool.User.Name
	var txnStart time.Time

	// The client stays on ActiveClientList (set by bindClientToServer)
	// from first bind to disconnect, removed exactly once here — this
	// is what lets client_idle_timeout (via IdleClientList, below) find
	// an unlinked-but-still-connected client at all, and what keeps a
	// re-bind for the next transaction from appending it a second time.
	defer b.Exec(func(bb *Bouncer) {
		pool.ActiveClientList = removeSocket(pool.ActiveClientList, client)
		pool.WaitingClientList = removeSocket(pool.WaitingClientList, client)
		pool.IdleClientList = removeSocket(pool.IdleClientList, client)
	})

	for {
		hdr, err := client.ReadPacket(readBuf)
		if err != nil {
			if server != nil {
				if b.metrics != nil {
					b.metrics.DirtyDisconnect(dbname, username)
				}
				if client.Trace != nil && !client.Trace.Empty() {
					if path, derr := tracebuf.Dump(client.Trace, os.TempDir()+"/gobouncer-trace"); derr == nil {
						slog.Warn("dirty disconnect, wire trace dumped", "database", dbname, "user", username, "path", path)
					}
				}
				b.cleanupBackend(pool, server)
			}
			return
		}
		if hdr.Type == 'X' { // Terminate
			if server != nil {
				b.returnServer(pool, server, true)
			}
			return
		}

		// Stamped as soon as the query is actually read, not once a
		// backend is acquired for it: this is what poolClientMaint's
		// query_timeout sweep measures a queued client against, and what
		// the statement-timeout sweep measures a linked active server
		// against once it's forwarded. Written on the scheduler goroutine,
		// since the janitor reads it there.
		b.Exec(func(*Bouncer) {
			client.RequestStart = time.Now()
		})

		if server == nil {
			b.Exec(func(bb *Bouncer) {
				pool.IdleClientList = removeSocket(pool.IdleClientList, client)
				pool.WaitingClientList = append(pool.WaitingClientList, client)
				bb.activatePool(pool)
			})
			acquireStart := time.Now()
			bound, ok := waitForBind(client, 30*time.Second)
			if !ok {
				sendErrorResponse(client.Conn, "FATAL", "08000", "cannot acquire backend connection")
				b.Exec(func(bb *Bouncer) {
					pool.WaitingClientList = removeSocket(pool.WaitingClientList, client)
				})
				if b.metrics != nil {
					b.metrics.PoolExhausted(dbname, username)
				}
				return
			}
			if b.metrics != nil {
				b.metrics.AcquireDuration(dbname, username, time.Since(acquireStart))
			}
			server = bound.Server
			if err := applyBoundVars(server, bound.VarsPkt); err != nil {
				b.returnServer(pool, server, false)
				return
			}
			txnStart = time.Now()
		}

		if !pinned && detectSessionPin(hdr.Type, hdr.Data.Bytes()) {
			pinned = true
			reason := pinReason(hdr.Type, hdr.Data.Bytes())
			slog.Info("session pinned", "database", dbname, "user", username, "reason", reason)
			if b.metrics != nil {
				b.metrics.SessionPinned(dbname, username, reason)
			}
		}

		if err := writeRaw(server.Conn, hdr); err != nil {
			b.returnServer(pool, server, false)
			return
		}

		for {
			rhdr, err := server.ReadPacket(readBuf)
			if err != nil {
				b.returnServer(pool, server, false)
				return
			}
			if rhdr.Type == 'S' {
				// Peek the key/val with an independent cursor so the
				// original one is untouched for writeRaw below — this
				// keeps server/client var caches in sync with whatever
				// the backend actually reports mid-session, not just
				// at welcome time (SPEC_FULL.md §4.3/§4.7).
				peek := rhdr.Data.Copy()
				key, kerr := peek.GetString()
				val, verr := peek.GetString()
				if kerr == nil && verr == nil {
					server.Vars.Set(key, val)
					client.Vars.Set(key, val)
				}
			}
			if err := writeRaw(client.Conn, rhdr); err != nil {
				// client gone mid-response; roll the backend back
				// before returning it rather than leaving it dirty.
				b.cleanupBackend(pool, server)
				return
			}
			if rhdr.Type == 'Z' {
				status := byte('I')
				if rhdr.Data.Avail() >= 1 {
					status, _ = rhdr.Data.GetByte()
				}
				if status == 'I' && !pinned {
					if b.metrics != nil && !txnStart.IsZero() {
						b.metrics.TransactionCompleted(dbname, username, time.Since(txnStart))
					}
					b.returnServer(pool, server, true)
					b.Exec(func(bb *Bouncer) {
						client.LastActive = time.Now()
						pool.IdleClientList = append(pool.IdleClientList, client)
					})
					server = nil
					txnStart = time.Time{}
				}
				break
			}
		}
	}
}

func writeRaw(conn net.Conn, hdr *mbuf.PktHdr) error {
	buf := mbuf.NewPktBuf()
	if hdr.Type >= mbuf.PktStartup && hdr.Type <= mbuf.PktSSLReq {
		// legacy pseudo-type, never re-forwarded
		return fmt.Errorf("bouncer: cannot forward legacy pseudo-packet")
	}
	off := buf.StartPacket(hdr.Type)
	buf.PutBytes(hdr.Data.Bytes())
	buf.FinishPacket(off)
	_, err := conn.Write(buf.Bytes())
	return err
}

// returnServer sends the configured reset query (if any) before
// putting server back in the pool's used list, or closes it on
// failure.
func (b *Bouncer) returnServer(pool *Pool, server *PgSocket, tryReset bool) {
	if tryReset && pool.Database.ServerCheckQuery != "" {
		ok := runResetQuery(server, pool.Database.ServerCheckQuery)
		if b.metrics != nil {
			b.metrics.BackendReset(pool.Database.Name, pool.User.Name, ok)
		}
		if !ok {
			b.Exec(func(bb *Bouncer) {
				pool.ActiveServerList = removeSocket(pool.ActiveServerList, server)
				server.Conn.Close()
			})
			return
		}
	}
	b.Exec(func(bb *Bouncer) {
		server.ServerState = SvUsed
		server.LastActive = time.Now()
		pool.ActiveServerList = removeSocket(pool.ActiveServerList, server)
		pool.UsedServerList = append(pool.UsedServerList, server)
		bb.activatePool(pool)
	})
}

func (b *Bouncer) cleanupBackend(pool *Pool, server *PgSocket) {
	buf := mbuf.NewPktBuf()
	off := buf.StartPacket('Q')
	buf.PutString("ROLLBACK")
	buf.FinishPacket(off)
	if _, err := server.Conn.Write(buf.Bytes()); err != nil {
		b.Exec(func(bb *Bouncer) {
			pool.ActiveServerList = removeSocket(pool.ActiveServerList, server)
			server.Conn.Close()
		})
		return
	}
	readBuf := make([]byte, 4096)
	for {
		rhdr, err := server.ReadPacket(readBuf)
		if err != nil || rhdr.Type == 'Z' {
			break
		}
	}
	b.returnServer(pool, server, true)
}

func runResetQuery(server *PgSocket, query string) bool {
	buf := mbuf.NewPktBuf()
	off := buf.StartPacket('Q')
	buf.PutString(query)
	buf.FinishPacket(off)
	if _, err := server.Conn.Write(buf.Bytes()); err != nil {
		return false
	}
	readBuf := make([]byte, 4096)
	for {
		rhdr, err := server.ReadPacket(readBuf)
		if err != nil {
			return false
		}
		if rhdr.Type == 'E' {
			return false
		}
		if rhdr.Type == 'Z' {
			return true
		}
	}
}

func detectSessionPin(msgType byte, payload []byte) bool {
	if msgType == 'P' && len(payload) > 0 && payload[0] != 0 {
		return true
	}
	if msgType == 'Q' && len(payload) > 0 {
		q := strings.ToUpper(strings.TrimSpace(strings.TrimRight(string(payload), "\x00")))
		if strings.HasPrefix(q, "LISTEN") || strings.HasPrefix(q, "NOTIFY") {
			return true
		}
	}
	return false
}

func pinReason(msgType byte, payload []byte) string {
	if msgType == 'P' {
		return "named prepared statement"
	}
	if msgType == 'Q' {
		words := strings.Fields(strings.TrimRight(string(payload), "\x00"))
		if len(words) > 0 {
			return strings.ToLower(words[0]) + " command"
		}
	}
	return "unknown"
}

func sendErrorResponse(conn net.Conn, severity, code, message string) {
	buf := mbuf.NewPktBuf()
	off := buf.StartPacket('E')
	buf.PutByte('S')
	buf.PutString(severity)
	buf.PutByte('C')
	buf.PutString(code)
	buf.PutByte('M')
	buf.PutString(message)
	buf.PutByte(0)
	buf.FinishPacket(off)
	conn.Write(buf.Bytes())
}
