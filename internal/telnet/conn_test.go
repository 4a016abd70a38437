package telnet

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telewarp/bbsbot/internal/domain"
)

// capture drains a reader into a buffer so pipe writes never block.
type capture struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func drain(r io.Reader) *capture {
	c := &capture{}
	go func() {
		chunk := make([]byte, 512)
		for {
			n, err := r.Read(chunk)
			if n > 0 {
				c.mu.Lock()
				c.buf.Write(chunk[:n])
				c.mu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()
	return c
}

func (c *capture) bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.buf.Bytes()...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestConn(t *testing.T) (*Conn, net.Conn, *capture, *capture) {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	conn := NewConn(clientSide, Config{}, testLogger())

	sent := drain(serverSide) // what the client wrote to the server
	app := drain(conn)        // decoded application bytes

	t.Cleanup(func() {
		conn.Close()
		serverSide.Close()
	})
	return conn, serverSide, sent, app
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, time.Second, 5*time.Millisecond)
}

func TestReadStripsNegotiationAndKeepsData(t *testing.T) {
	_, server, _, app := newTestConn(t)

	_, err := server.Write([]byte{'h', 'e', 'l', cmdIAC, cmdDO, optSuppressGA, 'l', 'o'})
	require.NoError(t, err)

	eventually(t, func() bool { return string(app.bytes()) == "hello" })
}

func TestIACSequenceSplitAcrossReads(t *testing.T) {
	_, server, sent, app := newTestConn(t)

	_, err := server.Write([]byte{'a', cmdIAC})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = server.Write([]byte{cmdDO, optSuppressGA, 'b'})
	require.NoError(t, err)

	eventually(t, func() bool { return string(app.bytes()) == "ab" })
	eventually(t, func() bool {
		return bytes.Contains(sent.bytes(), []byte{cmdIAC, cmdWILL, optSuppressGA})
	})
}

func TestEscapedIACIsData(t *testing.T) {
	_, server, _, app := newTestConn(t)

	_, err := server.Write([]byte{'x', cmdIAC, cmdIAC, 'y'})
	require.NoError(t, err)

	eventually(t, func() bool {
		return bytes.Equal(app.bytes(), []byte{'x', 0xFF, 'y'})
	})
}

func TestNegotiationTable(t *testing.T) {
	tests := []struct {
		name string
		recv []byte
		want []byte
	}{
		{"do binary accepted", []byte{cmdIAC, cmdDO, optBinary}, []byte{cmdIAC, cmdWILL, optBinary}},
		{"do echo refused", []byte{cmdIAC, cmdDO, optEcho}, []byte{cmdIAC, cmdWONT, optEcho}},
		{"will echo accepted", []byte{cmdIAC, cmdWILL, optEcho}, []byte{cmdIAC, cmdDO, optEcho}},
		{"will binary accepted", []byte{cmdIAC, cmdWILL, optBinary}, []byte{cmdIAC, cmdDO, optBinary}},
		{"will unknown refused", []byte{cmdIAC, cmdWILL, 39}, []byte{cmdIAC, cmdDONT, 39}},
		{"do unknown refused", []byte{cmdIAC, cmdDO, 49}, []byte{cmdIAC, cmdWONT, 49}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, server, sent, _ := newTestConn(t)

			_, err := server.Write(tt.recv)
			require.NoError(t, err)

			eventually(t, func() bool {
				return bytes.Contains(sent.bytes(), tt.want)
			})
		})
	}
}

func TestNAWSRepliesWithWindowSize(t *testing.T) {
	_, server, sent, _ := newTestConn(t)

	_, err := server.Write([]byte{cmdIAC, cmdDO, optNAWS})
	require.NoError(t, err)

	wantWill := []byte{cmdIAC, cmdWILL, optNAWS}
	wantSB := []byte{cmdIAC, cmdSB, optNAWS, 0, 80, 0, 25, cmdIAC, cmdSE}
	eventually(t, func() bool {
		got := sent.bytes()
		return bytes.Contains(got, wantWill) && bytes.Contains(got, wantSB)
	})
}

func TestSetSizeReadvertisesNAWS(t *testing.T) {
	conn, server, sent, _ := newTestConn(t)

	// before NAWS is negotiated the new size is recorded silently
	require.NoError(t, conn.SetSize(132, 50))
	assert.NotContains(t, string(sent.bytes()), string([]byte{cmdSB, optNAWS}))

	_, err := server.Write([]byte{cmdIAC, cmdDO, optNAWS})
	require.NoError(t, err)

	wantSB := []byte{cmdIAC, cmdSB, optNAWS, 0, 132, 0, 50, cmdIAC, cmdSE}
	eventually(t, func() bool {
		return bytes.Contains(sent.bytes(), wantSB)
	})

	require.NoError(t, conn.SetSize(80, 25))
	eventually(t, func() bool {
		return bytes.Contains(sent.bytes(), []byte{cmdIAC, cmdSB, optNAWS, 0, 80, 0, 25, cmdIAC, cmdSE})
	})

	assert.Error(t, conn.SetSize(0, 25))
}

func TestTerminalTypeSubnegotiation(t *testing.T) {
	_, server, sent, _ := newTestConn(t)

	_, err := server.Write([]byte{cmdIAC, cmdDO, optTerminalType})
	require.NoError(t, err)
	eventually(t, func() bool {
		return bytes.Contains(sent.bytes(), []byte{cmdIAC, cmdWILL, optTerminalType})
	})

	_, err = server.Write([]byte{cmdIAC, cmdSB, optTerminalType, ttypeSEND, cmdIAC, cmdSE})
	require.NoError(t, err)

	want := []byte{cmdIAC, cmdSB, optTerminalType, ttypeIS}
	want = append(want, []byte("ANSI")...)
	want = append(want, cmdIAC, cmdSE)
	eventually(t, func() bool {
		return bytes.Contains(sent.bytes(), want)
	})
}

func TestDuplicateDOAckedOnce(t *testing.T) {
	_, server, sent, _ := newTestConn(t)

	_, err := server.Write([]byte{cmdIAC, cmdDO, optSuppressGA, cmdIAC, cmdDO, optSuppressGA})
	require.NoError(t, err)

	eventually(t, func() bool {
		return bytes.Contains(sent.bytes(), []byte{cmdIAC, cmdWILL, optSuppressGA})
	})
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, bytes.Count(sent.bytes(), []byte{cmdIAC, cmdWILL, optSuppressGA}))
}

func TestWriteEscapesIAC(t *testing.T) {
	conn, _, sent, _ := newTestConn(t)

	n, err := conn.Write([]byte{'A', 0xFF, 'B'})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	eventually(t, func() bool {
		return bytes.Equal(sent.bytes(), []byte{'A', 0xFF, 0xFF, 'B'})
	})
}

func TestSendLineAppendsCRLF(t *testing.T) {
	conn, _, sent, _ := newTestConn(t)

	require.NoError(t, conn.SendLine("go"))

	eventually(t, func() bool {
		return bytes.Equal(sent.bytes(), []byte("go\r\n"))
	})
}

func TestCloseIsIdempotentAndFailsReads(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer serverSide.Close()
	conn := NewConn(clientSide, Config{}, testLogger())

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	buf := make([]byte, 8)
	_, err := conn.Read(buf)
	assert.True(t, errors.Is(err, domain.ErrConnClosed))

	err = conn.SendLine("x")
	assert.True(t, errors.Is(err, domain.ErrConnClosed))
}
