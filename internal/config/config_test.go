package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gobouncer.ini")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoadParsesPgbouncerSection(t *testing.T) {
	ini := `
[pgbouncer]
listen_addr = 127.0.0.1
listen_port = 6432
auth_type = trust
default_pool_size = 20
server_idle_timeout = 600
server_check_query = select 1

[databases]
mydb = host=localhost port=5432 dbname=real_mydb user=appuser password='s3cret'
`
	path := writeTemp(t, ini)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Pgbouncer.ListenPort != 6432 {
		t.Errorf("ListenPort = %d, want 6432", cfg.Pgbouncer.ListenPort)
	}
	if cfg.Pgbouncer.ServerCheckQuery != "select 1" {
		t.Errorf("ServerCheckQuery = %q", cfg.Pgbouncer.ServerCheckQuery)
	}

	db, ok := cfg.Databases["mydb"]
	if !ok {
		t.Fatalf("database %q not found", "mydb")
	}
	if db.Host != "localhost" || db.Port != 5432 || db.DBName != "real_mydb" || db.User != "appuser" || db.Password != "s3cret" {
		t.Errorf("parsed database mismatched: %+v", db)
	}
}

func TestParseConninfoQuoteEscaping(t *testing.T) {
	db, err := parseConninfo("x", `host=localhost password='it''s a secret'`)
	if err != nil {
		t.Fatalf("parseConninfo: %v", err)
	}
	if db.Password != "it's a secret" {
		t.Errorf("Password = %q, want %q", db.Password, "it's a secret")
	}
}

func TestPoolSizeUnlimited(t *testing.T) {
	n, err := poolSizeValue("unlimited")
	if err != nil || n != -1 {
		t.Fatalf("poolSizeValue(unlimited) = %d, %v; want -1, nil", n, err)
	}
}

func TestUnquoteIdent(t *testing.T) {
	if got := unquoteIdent(`"weird""name"`); got != `weird"name` {
		t.Errorf("unquoteIdent = %q", got)
	}
}

func TestLoadAuthFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "users.txt")
	content := "\"alice\" \"pw1\"\n\"bob\" \"has\\\"quote\"\n# comment\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	users, err := loadAuthFile(path)
	if err != nil {
		t.Fatalf("loadAuthFile: %v", err)
	}
	if users["alice"] != "pw1" {
		t.Errorf("alice password = %q", users["alice"])
	}
	if users["bob"] != `has"quote` {
		t.Errorf("bob password = %q", users["bob"])
	}
}
