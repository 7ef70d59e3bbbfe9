package socks5

import (
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"
)

// fakeServer accepts a single connection and hands it to handle for
// scripted byte-level interaction.
func fakeServer(t *testing.T, handle func(net.Conn)) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}()

	return ln.Addr().String()
}

func readN(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	if _, err := ioReadFull(conn, buf); err != nil {
		t.Fatalf("read %d bytes: %v", n, err)
	}
	return buf
}

func TestConnect_NoAuthSuccess(t *testing.T) {
	addr := fakeServer(t, func(conn net.Conn) {
		greeting := readN(t, conn, 2)
		methods := readN(t, conn, int(greeting[1]))
		_ = methods
		_, _ = conn.Write([]byte{version5, methodNoAuth})

		head := readN(t, conn, 5) // ver,cmd,rsv,atyp,len
		host := readN(t, conn, int(head[4]))
		_ = host
		readN(t, conn, 2) // port

		reply := []byte{version5, 0x00, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0}
		_, _ = conn.Write(reply)
	})

	conn, err := Connect(&Config{Addr: addr, StepTimeout: 2 * time.Second}, "example.com", 443)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer conn.Close()
}

func TestConnect_ProxyUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close() // nothing listening now

	_, err = Connect(&Config{Addr: addr, StepTimeout: time.Second}, "example.com", 443)
	if !errors.Is(err, ErrProxyUnreachable) {
		t.Fatalf("got %v, want ErrProxyUnreachable", err)
	}
}

func TestConnect_NoAcceptableMethod(t *testing.T) {
	addr := fakeServer(t, func(conn net.Conn) {
		greeting := readN(t, conn, 2)
		readN(t, conn, int(greeting[1]))
		_, _ = conn.Write([]byte{version5, methodNoAcceptable})
	})

	_, err := Connect(&Config{Addr: addr, StepTimeout: 2 * time.Second}, "example.com", 443)
	if !errors.Is(err, ErrHandshakeFailed) {
		t.Fatalf("got %v, want ErrHandshakeFailed", err)
	}
}

func TestConnect_AuthRejected(t *testing.T) {
	addr := fakeServer(t, func(conn net.Conn) {
		greeting := readN(t, conn, 2)
		readN(t, conn, int(greeting[1]))
		_, _ = conn.Write([]byte{version5, methodUserPassword})

		authHead := readN(t, conn, 2)
		readN(t, conn, int(authHead[1])) // username
		passLen := readN(t, conn, 1)
		readN(t, conn, int(passLen[0])) // password

		_, _ = conn.Write([]byte{0x01, 0x01}) // status != 0
	})

	creds := &Credentials{Username: "u", Password: "p"}
	_, err := Connect(&Config{Addr: addr, Credentials: creds, StepTimeout: 2 * time.Second}, "example.com", 443)
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("got %v, want ErrAuthRejected", err)
	}
}

func TestConnect_TargetRefused(t *testing.T) {
	addr := fakeServer(t, func(conn net.Conn) {
		greeting := readN(t, conn, 2)
		readN(t, conn, int(greeting[1]))
		_, _ = conn.Write([]byte{version5, methodNoAuth})

		head := readN(t, conn, 5)
		readN(t, conn, int(head[4]))
		readN(t, conn, 2)

		reply := []byte{version5, 0x05, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0} // REP=connection refused
		_, _ = conn.Write(reply)
	})

	_, err := Connect(&Config{Addr: addr, StepTimeout: 2 * time.Second}, "example.com", 443)
	if !errors.Is(err, ErrTargetRefused) {
		t.Fatalf("got %v, want ErrTargetRefused", err)
	}
}

func TestConnect_DomainReplyTrailerDrained(t *testing.T) {
	addr := fakeServer(t, func(conn net.Conn) {
		greeting := readN(t, conn, 2)
		readN(t, conn, int(greeting[1]))
		_, _ = conn.Write([]byte{version5, methodNoAuth})

		head := readN(t, conn, 5)
		readN(t, conn, int(head[4]))
		readN(t, conn, 2)

		domain := "bound.example"
		reply := []byte{version5, 0x00, 0x00, atypDomain, byte(len(domain))}
		reply = append(reply, domain...)
		portBuf := make([]byte, 2)
		binary.BigEndian.PutUint16(portBuf, 1080)
		reply = append(reply, portBuf...)
		_, _ = conn.Write(reply)
	})

	conn, err := Connect(&Config{Addr: addr, StepTimeout: 2 * time.Second}, "example.com", 443)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer conn.Close()
}

func TestConnect_Timeout(t *testing.T) {
	addr := fakeServer(t, func(conn net.Conn) {
		// Never respond; let the client's step timeout fire.
		time.Sleep(3 * time.Second)
	})

	_, err := Connect(&Config{Addr: addr, StepTimeout: 200 * time.Millisecond}, "example.com", 443)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
}

func TestConnect_HostnameTooLong(t *testing.T) {
	long := make([]byte, 256)
	for i := range long {
		long[i] = 'a'
	}
	_, err := Connect(&Config{Addr: "127.0.0.1:1", StepTimeout: time.Second}, string(long), 443)
	if !errors.Is(err, ErrHandshakeFailed) {
		t.Fatalf("got %v, want ErrHandshakeFailed", err)
	}
}
