package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/cuemby/nscan/pkg/types"
)

// ftpLineLimit bounds each response line read from an FTP server.
const ftpLineLimit = 8192

// ftpConn wraps a stream with the FTP response grammar.
type ftpConn struct {
	conn   net.Conn
	reader *LineReader
}

// readResponse parses one FTP response: a three-digit code followed by
// either ' ' (single line) or '-' (multi-line, terminated by a line starting
// with the same code and ' ').
func (f *ftpConn) readResponse() (int, string, error) {
	line, err := f.reader.ReadLine()
	if err != nil {
		return 0, "", err
	}
	if len(line) < 6 {
		return 0, "", fmt.Errorf("invalid response line")
	}
	code, err := strconv.Atoi(string(line[:3]))
	if err != nil {
		return 0, "", fmt.Errorf("invalid response line")
	}
	switch line[3] {
	case ' ':
		return code, string(line[4 : len(line)-2]), nil
	case '-':
		msg := string(line[4:])
		rest, err := f.readToEnd(code)
		if err != nil {
			return 0, "", err
		}
		return code, msg + rest, nil
	default:
		return 0, "", fmt.Errorf("invalid response line")
	}
}

// readToEnd consumes multi-line continuation until "{code} " appears.
func (f *ftpConn) readToEnd(code int) (string, error) {
	var buf []byte
	for {
		line, err := f.reader.ReadLine()
		if err != nil {
			return "", err
		}
		if len(line) >= 4 {
			if c, cerr := strconv.Atoi(string(line[:3])); cerr == nil && c == code && line[3] == ' ' {
				buf = append(buf, line[4:len(line)-2]...)
				return string(buf), nil
			}
		}
		buf = append(buf, line...)
	}
}

func (f *ftpConn) sendCmd(cmd string) (int, string, error) {
	if _, err := f.conn.Write([]byte(cmd + "\r\n")); err != nil {
		return 0, "", err
	}
	return f.readResponse()
}

// FTP probes an FTP service on a connected stream: it records the greeting
// and, for a 220 greeting, walks the anonymous-login sequence. The stream is
// shut down best-effort before returning.
func FTP(ctx context.Context, conn net.Conn, timeout time.Duration) (*types.FTPScanResult, error) {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
	defer shutdown(conn)

	f := &ftpConn{conn: conn, reader: NewLineReader(conn, ftpLineLimit)}

	code, text, err := f.readResponse()
	if err != nil {
		if isTimeout(err) {
			return nil, errors.New(ErrTimeout)
		}
		return nil, fmt.Errorf("handshake failed: %w", err)
	}

	result := &types.FTPScanResult{HandshakeCode: code, HandshakeText: text}
	switch code {
	case 230:
		result.Access = types.FTPAccessNoLogin
	case 220:
		access, err := f.tryAnonymousLogin()
		if err != nil {
			// Timeouts and transport errors inside the login sequence
			// degrade to Login, the greeting itself already succeeded.
			access = types.FTPAccessLogin
		}
		result.Access = access
	default:
		result.Access = types.FTPAccessFailed
	}
	return result, nil
}

// tryAnonymousLogin walks the anonymous access ladder.
func (f *ftpConn) tryAnonymousLogin() (types.FTPAccess, error) {
	code, _, err := f.sendCmd("USER anonymous")
	if err != nil {
		return "", err
	}
	switch code {
	case 230:
		return types.FTPAccessAnonymous, nil
	case 331:
	default:
		return types.FTPAccessLogin, nil
	}

	code, _, err = f.sendCmd("PASS guest")
	if err != nil {
		return "", err
	}
	if code == 230 {
		return types.FTPAccessAnonymous, nil
	}

	code, _, err = f.sendCmd("USER anonymous")
	if err != nil {
		return "", err
	}
	switch code {
	case 230:
		return types.FTPAccessAnonymous, nil
	case 331:
	default:
		return types.FTPAccessLogin, nil
	}

	code, _, err = f.sendCmd("PASS nouser@example.com")
	if err != nil {
		return "", err
	}
	if code == 230 {
		return types.FTPAccessAnonymousEmail, nil
	}
	return types.FTPAccessLogin, nil
}

// shutdown closes the write side when the stream supports it; the caller
// owns the final Close.
func shutdown(conn net.Conn) {
	type closeWriter interface{ CloseWrite() error }
	if cw, ok := conn.(closeWriter); ok {
		_ = cw.CloseWrite()
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
