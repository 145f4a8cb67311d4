package cache

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"
)

// ValkeyConfig holds connection parameters for a Valkey/Redis-compatible server.
type ValkeyConfig struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	KeyPrefix    string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxRetries   int
	TLS          bool
}

// ValkeyProvider speaks RESP2 over a short-lived connection per command.
type ValkeyProvider struct {
	cfg ValkeyConfig
}

// NewValkeyProvider validates cfg and pings the server so bad credentials
// fail at startup rather than on the first refresh.
func NewValkeyProvider(cfg ValkeyConfig) (*ValkeyProvider, error) {
	if cfg.Addr == "" {
		return nil, errors.New("valkey addr is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 500 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 500 * time.Millisecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}

	p := &ValkeyProvider{cfg: cfg}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	reply, err := p.do(ctx, "PING")
	if err != nil {
		return nil, fmt.Errorf("valkey ping %s: %w", cfg.Addr, err)
	}
	if reply.kind != kindStatus || string(reply.data) != "PONG" {
		return nil, fmt.Errorf("valkey ping %s: unexpected reply %q", cfg.Addr, reply.data)
	}
	return p, nil
}

func (p *ValkeyProvider) key(k string) []byte {
	return []byte(p.cfg.KeyPrefix + k)
}

func (p *ValkeyProvider) Get(ctx context.Context, key string) ([]byte, error) {
	reply, err := p.do(ctx, "GET", p.key(key))
	if err != nil {
		return nil, err
	}
	switch reply.kind {
	case kindNil:
		return nil, ErrCacheMiss
	case kindBulk:
		return reply.data, nil
	default:
		return nil, fmt.Errorf("valkey GET: unexpected reply kind %c", reply.kind)
	}
}

func (p *ValkeyProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	reply, err := p.do(ctx, "SET", setArgs(p.key(key), value, ttl)...)
	if err != nil {
		return err
	}
	if reply.kind != kindStatus || string(reply.data) != "OK" {
		return fmt.Errorf("valkey SET: unexpected reply %q", reply.data)
	}
	return nil
}

func (p *ValkeyProvider) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	args := append(setArgs(p.key(key), value, ttl), []byte("NX"))
	reply, err := p.do(ctx, "SET", args...)
	if err != nil {
		return false, err
	}
	switch reply.kind {
	case kindStatus:
		return true, nil
	case kindNil:
		return false, nil
	default:
		return false, fmt.Errorf("valkey SET NX: unexpected reply kind %c", reply.kind)
	}
}

func (p *ValkeyProvider) Del(ctx context.Context, key string) error {
	_, err := p.do(ctx, "DEL", p.key(key))
	return err
}

// Close is a no-op; connections are not pooled.
func (p *ValkeyProvider) Close() error { return nil }

func setArgs(key, value []byte, ttl time.Duration) [][]byte {
	args := [][]byte{key, value}
	if ttl > 0 {
		args = append(args, []byte("PX"), []byte(strconv.FormatInt(ttl.Milliseconds(), 10)))
	}
	return args
}

// do runs one command on a fresh authenticated connection, retrying
// transient network errors.
func (p *ValkeyProvider) do(ctx context.Context, command string, args ...[]byte) (reply, error) {
	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return reply{}, ctx.Err()
			case <-time.After(time.Duration(1<<attempt) * 25 * time.Millisecond):
			}
		}
		r, err := p.once(ctx, command, args)
		if err == nil {
			return r, nil
		}
		lastErr = err
		if !transient(err) {
			break
		}
	}
	return reply{}, lastErr
}

func (p *ValkeyProvider) once(ctx context.Context, command string, args [][]byte) (reply, error) {
	conn, err := p.dial(ctx)
	if err != nil {
		return reply{}, err
	}
	defer conn.Close()

	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	exchange := func(parts ...[]byte) (reply, error) {
		if err := conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout)); err != nil {
			return reply{}, err
		}
		if err := writeCommand(rw.Writer, parts); err != nil {
			return reply{}, err
		}
		if err := conn.SetReadDeadline(time.Now().Add(p.cfg.ReadTimeout)); err != nil {
			return reply{}, err
		}
		return readReply(rw.Reader)
	}

	if p.cfg.Password != "" {
		auth := [][]byte{[]byte("AUTH")}
		if p.cfg.Username != "" {
			auth = append(auth, []byte(p.cfg.Username))
		}
		if _, err := exchange(append(auth, []byte(p.cfg.Password))...); err != nil {
			return reply{}, fmt.Errorf("valkey auth: %w", err)
		}
	}
	if p.cfg.DB > 0 {
		if _, err := exchange([]byte("SELECT"), []byte(strconv.Itoa(p.cfg.DB))); err != nil {
			return reply{}, fmt.Errorf("valkey select %d: %w", p.cfg.DB, err)
		}
	}
	return exchange(append([][]byte{[]byte(command)}, args...)...)
}

func (p *ValkeyProvider) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: p.cfg.DialTimeout}
	if !p.cfg.TLS {
		return dialer.DialContext(ctx, "tcp", p.cfg.Addr)
	}
	host, _, err := net.SplitHostPort(p.cfg.Addr)
	if err != nil {
		host = p.cfg.Addr
	}
	td := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host}}
	return td.DialContext(ctx, "tcp", p.cfg.Addr)
}

func transient(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// RESP2 codec, limited to the reply kinds the provider needs.

const (
	kindStatus  byte = '+'
	kindError   byte = '-'
	kindInteger byte = ':'
	kindBulk    byte = '$'
	kindNil     byte = '_'
)

type reply struct {
	kind byte
	data []byte
}

// ServerError is an error reply sent by the server.
type ServerError string

func (e ServerError) Error() string { return "valkey: " + string(e) }

func writeCommand(w *bufio.Writer, parts [][]byte) error {
	fmt.Fprintf(w, "*%d\r\n", len(parts))
	for _, part := range parts {
		fmt.Fprintf(w, "$%d\r\n", len(part))
		w.Write(part)
		w.WriteString("\r\n")
	}
	return w.Flush()
}

func readReply(r *bufio.Reader) (reply, error) {
	kind, err := r.ReadByte()
	if err != nil {
		return reply{}, err
	}
	line, err := readLine(r)
	if err != nil {
		return reply{}, err
	}
	switch kind {
	case kindStatus, kindInteger:
		return reply{kind: kind, data: line}, nil
	case kindError:
		return reply{}, ServerError(line)
	case kindBulk:
		size, err := strconv.Atoi(string(line))
		if err != nil {
			return reply{}, fmt.Errorf("valkey: bad bulk length %q", line)
		}
		if size < 0 {
			return reply{kind: kindNil}, nil
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return reply{}, err
		}
		if buf[size] != '\r' || buf[size+1] != '\n' {
			return reply{}, errors.New("valkey: bulk string not CRLF terminated")
		}
		return reply{kind: kindBulk, data: buf[:size]}, nil
	default:
		return reply{}, fmt.Errorf("valkey: unexpected reply prefix %q", kind)
	}
}

func readLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return nil, errors.New("valkey: line not CRLF terminated")
	}
	return line[:len(line)-2], nil
}
