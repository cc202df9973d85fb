package mailsync

import (
	"net"
	"testing"
	"time"

	"github.com/Daniel991949/cleaning-crm/config"
)

// 接続を受けるが一切応答しないサーバ
func silentListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()
	return ln
}

func TestConnectTimesOutOnUnresponsiveServer(t *testing.T) {
	ln := silentListener(t)
	addr := ln.Addr().(*net.TCPAddr)

	saved := connectTimeout
	connectTimeout = 100 * time.Millisecond
	defer func() { connectTimeout = saved }()

	conf := config.IMAP{
		Host:     "127.0.0.1",
		Port:     addr.Port,
		Username: "shop",
		Password: "secret",
	}

	start := time.Now()
	_, err := Connect(conf)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatalf("Connect to unresponsive server: err = nil; want timeout error")
	}
	if elapsed > 2*time.Second {
		t.Errorf("Connect returned after %v; want well under 2s", elapsed)
	}
}

func TestConnectWithoutCredentials(t *testing.T) {
	_, err := Connect(config.IMAP{Host: "imap.example.jp", Port: 993})
	if err != ErrNoCredentials {
		t.Errorf("err = %v; want ErrNoCredentials", err)
	}
}
