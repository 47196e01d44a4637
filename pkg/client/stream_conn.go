package client

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/torbridge/embedded/pkg/cell"
	"github.com/torbridge/embedded/pkg/circuit"
)

// maxStreamChunk is the largest data payload one relay cell can carry;
// cell.RelayCell.Encode rejects anything longer.
const maxStreamChunk = cell.PayloadLen - cell.RelayCellHeaderLen

// reasonDone is tor-spec's REASON_DONE relay-end reason: the stream closed
// normally.
const reasonDone = 1

// streamConn adapts one stream of a Circuit to net.Conn, so the HTTP and TLS
// layers can drive it like any other socket.
type streamConn struct {
	c        *circuit.Circuit
	streamID uint16

	readBuf []byte

	readDeadline  time.Time
	writeDeadline time.Time
}

func newStreamConn(c *circuit.Circuit, streamID uint16) *streamConn {
	return &streamConn{c: c, streamID: streamID}
}

// open sends RELAY_BEGIN and waits for RELAY_CONNECTED.
func (s *streamConn) open(host string, port int) error {
	return s.c.OpenStream(s.streamID, host, uint16(port))
}

// Read returns data one relay cell at a time, buffering any remainder
// between calls: ReadFromStream hands back exactly one cell's payload, which
// rarely matches len(p).
func (s *streamConn) Read(p []byte) (int, error) {
	if len(s.readBuf) == 0 {
		ctx := context.Background()
		if !s.readDeadline.IsZero() {
			var cancel context.CancelFunc
			ctx, cancel = context.WithDeadline(ctx, s.readDeadline)
			defer cancel()
		}
		data, err := s.c.ReadFromStream(ctx, s.streamID)
		if err != nil {
			return 0, err
		}
		s.readBuf = data
	}

	n := copy(p, s.readBuf)
	s.readBuf = s.readBuf[n:]
	return n, nil
}

// Write chunks p into maxStreamChunk-sized relay cells; WriteToStream sends
// exactly one cell per call and does no chunking of its own.
func (s *streamConn) Write(p []byte) (int, error) {
	total := 0
	for _, chunk := range chunkData(p, maxStreamChunk) {
		if err := s.c.WriteToStream(s.streamID, chunk); err != nil {
			return total, err
		}
		total += len(chunk)
	}
	return total, nil
}

// chunkData splits data into pieces of at most size bytes each, preserving
// order. An empty input yields no chunks.
func chunkData(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return nil
	}
	chunks := make([][]byte, 0, (len(data)+size-1)/size)
	for len(data) > 0 {
		n := size
		if n > len(data) {
			n = len(data)
		}
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}

func (s *streamConn) Close() error {
	return s.c.EndStream(s.streamID, reasonDone)
}

func (s *streamConn) LocalAddr() net.Addr {
	return streamAddr(fmt.Sprintf("circuit:%d", s.c.ID))
}

func (s *streamConn) RemoteAddr() net.Addr {
	return streamAddr(fmt.Sprintf("stream:%d", s.streamID))
}

func (s *streamConn) SetDeadline(t time.Time) error {
	s.readDeadline = t
	s.writeDeadline = t
	return nil
}

func (s *streamConn) SetReadDeadline(t time.Time) error {
	s.readDeadline = t
	return nil
}

func (s *streamConn) SetWriteDeadline(t time.Time) error {
	s.writeDeadline = t
	return nil
}

type streamAddr string

func (a streamAddr) Network() string { return "tor-stream" }
func (a streamAddr) String() string  { return string(a) }
