package protocol

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// WriteLine writes one newline-terminated line with an optional write deadline.
func WriteLine(conn net.Conn, line string, timeout time.Duration) error {
	if timeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
		defer func() {
			_ = conn.SetWriteDeadline(time.Time{})
		}()
	}
	if _, err := io.WriteString(conn, line+"\n"); err != nil {
		return fmt.Errorf("write line: %w", err)
	}
	return nil
}

// ReadLine reads one line with an optional read deadline. A final line without
// a trailing newline is accepted when the peer closes the stream.
func ReadLine(conn net.Conn, timeout time.Duration) (string, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return "", fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return readLine(conn)
}

func readLine(r io.Reader) (string, error) {
	reader := bufio.NewReader(io.LimitReader(r, MaxLineSize+1))
	line, err := reader.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			if len(line) > MaxLineSize {
				return "", ErrLineTooLong
			}
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", fmt.Errorf("read line: %w", err)
	}
	if len(line) > MaxLineSize {
		return "", ErrLineTooLong
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Dial opens a stream connection bounded by connectTimeout and ctx.
func Dial(ctx context.Context, address string, connectTimeout time.Duration) (net.Conn, error) {
	dialer := net.Dialer{Timeout: connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return conn, nil
}

// SendLine dials address, writes one line and closes the connection.
func SendLine(ctx context.Context, address, line string, timeout time.Duration) error {
	conn, err := Dial(ctx, address, timeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := closeOnDone(ctx, conn)
	defer stop()

	return WriteLine(conn, line, timeout)
}

// Exchange dials address, writes one line and reads exactly one response line.
func Exchange(ctx context.Context, address, line string, connectTimeout, responseTimeout time.Duration) (string, error) {
	conn, err := Dial(ctx, address, connectTimeout)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	stop := closeOnDone(ctx, conn)
	defer stop()

	if err := WriteLine(conn, line, connectTimeout); err != nil {
		return "", err
	}
	return ReadLine(conn, responseTimeout)
}

// SendDatagram writes one line as a single datagram on an existing socket.
func SendDatagram(conn net.PacketConn, addr net.Addr, line string) error {
	if _, err := conn.WriteTo([]byte(line), addr); err != nil {
		return fmt.Errorf("send datagram to %s: %w", addr, err)
	}
	return nil
}

// JoinHostPort renders an address from an ip and port.
func JoinHostPort(ip string, port int) string {
	return net.JoinHostPort(ip, strconv.Itoa(port))
}

// closeOnDone closes conn when ctx ends so blocked I/O returns promptly.
func closeOnDone(ctx context.Context, conn net.Conn) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	return func() { close(done) }
}
