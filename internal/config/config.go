// Package config parses the pgbouncer-style INI configuration and
// auth files (spec.md §4.10 / `original_source/src/loader.c`) and
// watches the config file for changes (the auth file is re-read on
// each reload but is not watched itself).
package config

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Database is one [databases] section entry.
type Database struct {
	Name     string
	Host     string
	Port     int
	DBName   string
	User     string
	Password string
	PoolSize int
	Params   map[string]string
}

// Pgbouncer holds the [pgbouncer] section's pooler-wide settings.
type Pgbouncer struct {
	ListenAddr        string
	ListenPort        int
	AuthType          string
	AuthFile          string
	DefaultPoolSize   int
	MaxClientConn     int
	ServerIdleTimeout time.Duration
	ServerLifetime    time.Duration
	ServerCheckQuery  string
	ServerCheckDelay  time.Duration

	QueryTimeout         time.Duration
	ClientIdleTimeout    time.Duration
	ClientLoginTimeout   time.Duration
	ServerConnectTimeout time.Duration
	AutodbIdleTimeout    time.Duration
}

// Config is a fully parsed, env-substituted configuration file.
type Config struct {
	Pgbouncer Pgbouncer
	Databases map[string]Database
	Users     map[string]string // username -> password (from auth file)
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := m[2 : len(m)-1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return m
	})
}

// Load reads and parses the INI file at path, then the auth file it
// references (if any).
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := parse(substituteEnvVars(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.Pgbouncer.AuthFile != "" {
		users, err := loadAuthFile(cfg.Pgbouncer.AuthFile)
		if err != nil {
			return nil, fmt.Errorf("config: auth file: %w", err)
		}
		cfg.Users = users
	}
	return cfg, nil
}

func parse(text string) (*Config, error) {
	cfg := &Config{Databases: make(map[string]Database), Users: make(map[string]string)}
	section := ""
	scanner := bufio.NewScanner(strings.NewReader(text))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			end := strings.Index(line, "]")
			if end < 0 {
				return nil, fmt.Errorf("line %d: unterminated section header", lineNo)
			}
			section = strings.TrimSpace(line[1:end])
			continue
		}
		eq := strings.Index(line, "=")
		if eq < 0 {
			return nil, fmt.Errorf("line %d: expected key = value", lineNo)
		}
		key := unquoteIdent(strings.TrimSpace(line[:eq]))
		val := strings.TrimSpace(line[eq+1:])

		switch section {
		case "pgbouncer":
			if err := setPgbouncerField(&cfg.Pgbouncer, key, val); err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
		case "databases":
			db, err := parseConninfo(key, val)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			cfg.Databases[key] = db
		default:
			return nil, fmt.Errorf("line %d: value outside any section", lineNo)
		}
	}
	return cfg, scanner.Err()
}

// unquoteIdent strips pgbouncer's double-quoted-identifier syntax
// ("" is a literal embedded quote).
func unquoteIdent(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return strings.ReplaceAll(s[1:len(s)-1], `""`, `"`)
	}
	return s
}

func setPgbouncerField(p *Pgbouncer, key, val string) error {
	switch key {
	case "listen_addr":
		p.ListenAddr = val
	case "listen_port":
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("listen_port: %w", err)
		}
		p.ListenPort = n
	case "auth_type":
		p.AuthType = val
	case "auth_file":
		p.AuthFile = val
	case "default_pool_size":
		n, err := poolSizeValue(val)
		if err != nil {
			return err
		}
		p.DefaultPoolSize = n
	case "max_client_conn":
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("max_client_conn: %w", err)
		}
		p.MaxClientConn = n
	case "server_idle_timeout":
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("server_idle_timeout: %w", err)
		}
		p.ServerIdleTimeout = time.Duration(n) * time.Second
	case "server_lifetime":
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("server_lifetime: %w", err)
		}
		p.ServerLifetime = time.Duration(n) * time.Second
	case "server_check_query":
		p.ServerCheckQuery = val
	case "server_check_delay":
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("server_check_delay: %w", err)
		}
		p.ServerCheckDelay = time.Duration(n) * time.Second
	case "query_timeout":
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("query_timeout: %w", err)
		}
		p.QueryTimeout = time.Duration(n) * time.Second
	case "client_idle_timeout":
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("client_idle_timeout: %w", err)
		}
		p.ClientIdleTimeout = time.Duration(n) * time.Second
	case "client_login_timeout":
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("client_login_timeout: %w", err)
		}
		p.ClientLoginTimeout = time.Duration(n) * time.Second
	case "server_connect_timeout":
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("server_connect_timeout: %w", err)
		}
		p.ServerConnectTimeout = time.Duration(n) * time.Second
	case "autodb_idle_timeout":
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("autodb_idle_timeout: %w", err)
		}
		p.AutodbIdleTimeout = time.Duration(n) * time.Second
	}
	return nil
}

// poolSizeValue maps the literal "unlimited" to -1, matching
// `original_source/src/loader.c`'s pool-limit parsing.
func poolSizeValue(val string) (int, error) {
	if val == "unlimited" {
		return -1, nil
	}
	return strconv.Atoi(val)
}

// parseConninfo parses a conninfo-style value: space-separated
// key=value pairs where value may be single-quoted with ''-escaping.
func parseConninfo(name, val string) (Database, error) {
	db := Database{Name: name, Params: make(map[string]string)}
	i := 0
	for i < len(val) {
		for i < len(val) && val[i] == ' ' {
			i++
		}
		if i >= len(val) {
			break
		}
		start := i
		for i < len(val) && val[i] != '=' {
			i++
		}
		if i >= len(val) {
			return db, fmt.Errorf("malformed conninfo near %q", val[start:])
		}
		key := val[start:i]
		i++ // skip '='
		var value string
		if i < len(val) && val[i] == '\'' {
			i++
			var b strings.Builder
			for i < len(val) {
				if val[i] == '\'' {
					if i+1 < len(val) && val[i+1] == '\'' {
						b.WriteByte('\'')
						i += 2
						continue
					}
					i++
					break
				}
				b.WriteByte(val[i])
				i++
			}
			value = b.String()
		} else {
			start = i
			for i < len(val) && val[i] != ' ' {
				i++
			}
			value = val[start:i]
		}
		switch key {
		case "host":
			db.Host = value
		case "port":
			n, err := strconv.Atoi(value)
			if err != nil {
				return db, fmt.Errorf("bad port: %w", err)
			}
			db.Port = n
		case "dbname":
			db.DBName = value
		case "user":
			db.User = value
		case "password":
			db.Password = value
		case "pool_size":
			n, err := poolSizeValue(value)
			if err != nil {
				return db, fmt.Errorf("bad pool_size: %w", err)
			}
			db.PoolSize = n
		default:
			db.Params[key] = value
		}
	}
	if db.DBName == "" {
		db.DBName = name
	}
	if db.Port == 0 {
		db.Port = 5432
	}
	return db, nil
}

// loadAuthFile parses `"username" "password"` lines, one per user,
// with backslash escaping inside quotes.
func loadAuthFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	users := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		user, rest, err := readQuotedField(line)
		if err != nil {
			continue
		}
		rest = strings.TrimSpace(rest)
		pass, _, err := readQuotedField(rest)
		if err != nil {
			continue
		}
		users[user] = pass
	}
	return users, scanner.Err()
}

func readQuotedField(s string) (field, rest string, err error) {
	if len(s) == 0 || s[0] != '"' {
		return "", "", fmt.Errorf("expected quoted field")
	}
	var b strings.Builder
	i := 1
	for i < len(s) {
		switch s[i] {
		case '\\':
			if i+1 < len(s) {
				b.WriteByte(s[i+1])
				i += 2
				continue
			}
			i++
		case '"':
			return b.String(), s[i+1:], nil
		default:
			b.WriteByte(s[i])
			i++
		}
	}
	return "", "", fmt.Errorf("unterminated quoted field")
}
