package dist

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/exp/constraints"
)

// Op is a reduction operator.
type Op uint8

const (
	// Sum adds the values of all workers.
	Sum Op = iota + 1
	// Avg adds the values of all workers and divides by the world size.
	Avg

	opHello   Op = 0x7e
	opBarrier Op = 0x7f
)

func (op Op) String() string {
	switch op {
	case Sum:
		return "sum"
	case Avg:
		return "avg"
	case opHello:
		return "hello"
	case opBarrier:
		return "barrier"
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

// ErrGroupClosed is returned by collectives on a group that was closed or
// aborted by an earlier failure.
var ErrGroupClosed = errors.New("process group closed")

// frameHeader precedes every message: the operation, the byte size of one
// value and the number of values that follow.
type frameHeader struct {
	Op       Op
	Kind     uint8
	Reserved uint16
	N        uint32
}

func writeFrame(conn net.Conn, op Op, kind uint8, payload any, n int) error {
	if err := binary.Write(conn, binary.LittleEndian, frameHeader{Op: op, Kind: kind, N: uint32(n)}); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	return binary.Write(conn, binary.LittleEndian, payload)
}

func readHeader(conn net.Conn, want frameHeader) error {
	var h frameHeader
	if err := binary.Read(conn, binary.LittleEndian, &h); err != nil {
		return err
	}
	if h.Op != want.Op || h.Kind != want.Kind || h.N != want.N {
		return fmt.Errorf("collective mismatch: got %s of %d×%dB, want %s of %d×%dB",
			h.Op, h.N, h.Kind, want.Op, want.N, want.Kind)
	}
	return nil
}

// TCPGroup is a star-shaped process group: every worker holds one
// connection to rank 0, which reduces in rank order and sends the result
// back. Reductions are therefore bit-identical on every worker.
type TCPGroup struct {
	rank    int
	world   int
	timeout time.Duration
	// conns is indexed by peer rank on rank 0; other ranks hold the
	// connection to rank 0 at index 0.
	conns        []net.Conn
	listener     net.Listener
	ownsListener bool
	closed       bool
}

// newTCPGroup joins the group described by id. On failure the partially
// built group is returned as well, so that the caller can tear it down.
func newTCPGroup(ctx context.Context, id Identity, opts Options) (*TCPGroup, error) {
	g := &TCPGroup{rank: id.Rank, world: id.WorldSize, timeout: opts.Timeout}
	ctx, cancel := context.WithTimeout(ctx, opts.InitTimeout)
	defer cancel()
	deadline, _ := ctx.Deadline()
	var err error
	if id.Rank == 0 {
		err = g.accept(id, opts.Listener, deadline)
	} else {
		err = g.dial(ctx, id, deadline)
	}
	if err != nil {
		return g, err
	}
	for _, conn := range g.conns {
		if conn != nil {
			conn.SetDeadline(time.Time{})
		}
	}
	return g, nil
}

func (g *TCPGroup) accept(id Identity, ln net.Listener, deadline time.Time) error {
	g.conns = make([]net.Conn, id.WorldSize)
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", id.MasterAddr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", id.MasterAddr, err)
		}
		g.ownsListener = true
	}
	g.listener = ln
	if d, ok := ln.(interface{ SetDeadline(time.Time) error }); ok {
		d.SetDeadline(deadline)
		defer d.SetDeadline(time.Time{})
	}
	for joined := 1; joined < id.WorldSize; {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("waiting for %d workers: %w", id.WorldSize-joined, err)
		}
		conn.SetDeadline(deadline)
		hello := make([]int32, 2)
		if err := readHeader(conn, frameHeader{Op: opHello, Kind: 4, N: 2}); err != nil {
			conn.Close()
			return fmt.Errorf("handshake from %s: %w", conn.RemoteAddr(), err)
		}
		if err := binary.Read(conn, binary.LittleEndian, hello); err != nil {
			conn.Close()
			return fmt.Errorf("handshake from %s: %w", conn.RemoteAddr(), err)
		}
		rank, world := int(hello[0]), int(hello[1])
		if world != id.WorldSize || rank <= 0 || rank >= id.WorldSize || g.conns[rank] != nil {
			conn.Close()
			return fmt.Errorf("bad handshake from %s: rank %d world %d", conn.RemoteAddr(), rank, world)
		}
		g.conns[rank] = conn
		joined++
	}
	for rank, conn := range g.conns[1:] {
		if err := writeFrame(conn, opHello, 4, []int32{0, int32(id.WorldSize)}, 2); err != nil {
			return fmt.Errorf("acknowledging rank %d: %w", rank+1, err)
		}
	}
	if g.ownsListener {
		g.listener.Close()
		g.listener = nil
	}
	return nil
}

func (g *TCPGroup) dial(ctx context.Context, id Identity, deadline time.Time) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", id.MasterAddr)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", id.MasterAddr, err)
	}
	g.conns = []net.Conn{conn}
	conn.SetDeadline(deadline)
	if err := writeFrame(conn, opHello, 4, []int32{int32(id.Rank), int32(id.WorldSize)}, 2); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if err := readHeader(conn, frameHeader{Op: opHello, Kind: 4, N: 2}); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	ack := make([]int32, 2)
	if err := binary.Read(conn, binary.LittleEndian, ack); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if int(ack[1]) != id.WorldSize {
		return fmt.Errorf("primary reports world size %d, want %d", ack[1], id.WorldSize)
	}
	return nil
}

func (g *TCPGroup) deadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(g.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		return d
	}
	return deadline
}

// Close leaves the group, closing every connection.
func (g *TCPGroup) Close() error {
	if g.closed {
		return nil
	}
	g.closed = true
	var errs []error
	for _, conn := range g.conns {
		if conn != nil {
			errs = append(errs, conn.Close())
		}
	}
	if g.ownsListener && g.listener != nil {
		errs = append(errs, g.listener.Close())
	}
	return errors.Join(errs...)
}

// allReduce combines values with the same call on every other worker. Any
// failure aborts the group so that peers blocked on it fail too.
func allReduce[T constraints.Float](ctx context.Context, g *TCPGroup, op Op, values []T) (err error) {
	if g.closed {
		return ErrGroupClosed
	}
	defer func() {
		if err != nil {
			g.Close()
			err = fmt.Errorf("%s over %d values: %w", op, len(values), err)
		}
	}()
	var zero T
	want := frameHeader{Op: op, Kind: uint8(binary.Size(zero)), N: uint32(len(values))}
	deadline := g.deadline(ctx)
	if g.rank != 0 {
		conn := g.conns[0]
		conn.SetDeadline(deadline)
		if err := writeFrame(conn, op, want.Kind, values, len(values)); err != nil {
			return err
		}
		if err := readHeader(conn, want); err != nil {
			return err
		}
		if len(values) == 0 {
			return nil
		}
		return binary.Read(conn, binary.LittleEndian, values)
	}

	buf := make([]T, len(values))
	for rank := 1; rank < g.world; rank++ {
		conn := g.conns[rank]
		conn.SetDeadline(deadline)
		if err := readHeader(conn, want); err != nil {
			return fmt.Errorf("rank %d: %w", rank, err)
		}
		if len(values) == 0 {
			continue
		}
		if err := binary.Read(conn, binary.LittleEndian, buf); err != nil {
			return fmt.Errorf("rank %d: %w", rank, err)
		}
		for i, v := range buf {
			values[i] += v
		}
	}
	if op == Avg {
		world := T(g.world)
		for i := range values {
			values[i] /= world
		}
	}
	for rank := 1; rank < g.world; rank++ {
		if err := writeFrame(g.conns[rank], op, want.Kind, values, len(values)); err != nil {
			return fmt.Errorf("rank %d: %w", rank, err)
		}
	}
	return nil
}
