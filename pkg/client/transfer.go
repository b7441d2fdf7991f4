package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aeolun/tessenger/pkg/protocol"
	"github.com/google/uuid"
)

// MaxTransferSize bounds the file size a Receiver will accept
const MaxTransferSize = 1 << 30

const (
	// maxEarlyChunks bounds the chunks buffered for a transfer whose header
	// has not arrived yet
	maxEarlyChunks = 256
	// maxEarlyTransfers bounds how many unknown transfer IDs are buffered
	maxEarlyTransfers = 32

	// DefaultIdleTimeout is how long a transfer may go without a datagram
	// before it is finished with whatever chunks arrived
	DefaultIdleTimeout = 30 * time.Second
)

var (
	ErrTransferTooLarge = errors.New("transfer exceeds maximum size")
	ErrInvalidFileName  = errors.New("invalid transfer file name")
)

// Sender streams files over the data channel
type Sender struct {
	conn   net.PacketConn
	pace   time.Duration
	logger *log.Logger
}

// NewSender creates a sender on conn. pace is the delay between chunk
// datagrams; 0 sends as fast as the socket accepts them.
func NewSender(conn net.PacketConn, pace time.Duration) *Sender {
	return &Sender{conn: conn, pace: pace}
}

// SetLogger sets a logger for transfer events
func (s *Sender) SetLogger(logger *log.Logger) {
	s.logger = logger
}

// SendFile streams the file at path to addr as a header, its chunks in
// order and an end marker. It returns the header that was sent.
func (s *Sender) SendFile(ctx context.Context, addr net.Addr, presenter, audience, path string) (*protocol.TransferHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	size := uint64(info.Size())
	if size > MaxTransferSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTransferTooLarge, size)
	}

	header := &protocol.TransferHeader{
		ID:        uuid.New(),
		Presenter: presenter,
		Audience:  audience,
		FileName:  filepath.Base(path),
		Size:      size,
		Chunks:    protocol.ChunkCount(size),
	}
	if err := s.send(addr, header); err != nil {
		return nil, fmt.Errorf("send header: %w", err)
	}

	buf := make([]byte, protocol.ChunkSize)
	for seq := uint32(0); seq < header.Chunks; seq++ {
		n, err := io.ReadFull(f, buf)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("read chunk %d: %w", seq, err)
		}
		if err := s.send(addr, &protocol.TransferChunk{ID: header.ID, Seq: seq, Data: buf[:n]}); err != nil {
			return nil, fmt.Errorf("send chunk %d: %w", seq, err)
		}

		if s.pace > 0 {
			select {
			case <-time.After(s.pace):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		} else if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	if err := s.send(addr, &protocol.TransferEnd{ID: header.ID}); err != nil {
		return nil, fmt.Errorf("send end: %w", err)
	}

	if s.logger != nil {
		s.logger.Printf("Sent %s (%d bytes, %d chunks) to %s at %s", header.FileName, size, header.Chunks, audience, addr)
	}
	return header, nil
}

func (s *Sender) send(addr net.Addr, msg interface{ EncodeTo(io.Writer) error }) error {
	data, err := protocol.EncodeDatagram(msg)
	if err != nil {
		return err
	}
	_, err = s.conn.WriteTo(data, addr)
	return err
}

// TransferResult describes one finished incoming transfer
type TransferResult struct {
	Header   protocol.TransferHeader
	Path     string
	Received uint32
	Missing  []uint32
}

// Complete reports whether every chunk arrived
func (r TransferResult) Complete() bool {
	return len(r.Missing) == 0
}

type incomingTransfer struct {
	header   protocol.TransferHeader
	path     string
	file     *os.File
	received []bool
	count    uint32
	lastSeen time.Time
}

type earlyChunks struct {
	chunks    []*protocol.TransferChunk
	firstSeen time.Time
}

// Receiver accepts data-channel transfers and writes each one to
// <presenter>_<audience>_<file> in its directory. Chunks are written at
// seq*ChunkSize, so arrival order does not matter. Missing chunks are
// reported, not requested again. A transfer whose end marker never
// arrives is finished after the idle timeout.
type Receiver struct {
	conn   net.PacketConn
	dir    string
	idle   time.Duration
	now    func() time.Time
	logger *log.Logger

	mu      sync.Mutex
	active  map[uuid.UUID]*incomingTransfer
	early   map[uuid.UUID]*earlyChunks
	results chan TransferResult
}

// NewReceiver creates a receiver reading from conn
func NewReceiver(conn net.PacketConn, dir string) *Receiver {
	return &Receiver{
		conn:    conn,
		dir:     dir,
		idle:    DefaultIdleTimeout,
		now:     time.Now,
		active:  make(map[uuid.UUID]*incomingTransfer),
		early:   make(map[uuid.UUID]*earlyChunks),
		results: make(chan TransferResult, 16),
	}
}

// SetIdleTimeout changes how long a silent transfer is kept open. Call it
// before Run.
func (r *Receiver) SetIdleTimeout(d time.Duration) {
	if d > 0 {
		r.idle = d
	}
}

// SetLogger sets a logger for transfer events
func (r *Receiver) SetLogger(logger *log.Logger) {
	r.logger = logger
}

func (r *Receiver) logf(format string, args ...interface{}) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}

// Results delivers finished transfers. It is closed when Run returns.
func (r *Receiver) Results() <-chan TransferResult {
	return r.results
}

// Run reads datagrams until ctx is cancelled or the socket is closed.
// Unfinished transfers are closed and discarded on return.
func (r *Receiver) Run(ctx context.Context) error {
	defer close(r.results)
	defer r.abortAll()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			// Unblock ReadFrom
			r.conn.SetReadDeadline(time.Now())
		case <-stop:
		}
	}()

	// The read deadline doubles as the sweep timer for idle transfers
	sweep := r.idle / 4
	if sweep < 10*time.Millisecond {
		sweep = 10 * time.Millisecond
	}
	lastSweep := r.now()

	deliver := func(results []TransferResult) bool {
		for _, result := range results {
			select {
			case r.results <- result:
			case <-ctx.Done():
				return false
			}
		}
		return true
	}

	buf := make([]byte, protocol.MaxFrameSize)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if now := r.now(); now.Sub(lastSweep) >= sweep {
			lastSweep = now
			if !deliver(r.expire(now)) {
				return nil
			}
		}

		r.conn.SetReadDeadline(time.Now().Add(sweep))
		// A cancel that landed before this deadline was overwritten
		if ctx.Err() != nil {
			return nil
		}
		n, from, err := r.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return err
		}

		msg, err := protocol.DecodeDatagram(buf[:n])
		if err != nil {
			r.logf("Dropping datagram from %s: %v", from, err)
			continue
		}

		switch m := msg.(type) {
		case *protocol.TransferHeader:
			r.handleHeader(m)
		case *protocol.TransferChunk:
			r.handleChunk(m)
		case *protocol.TransferEnd:
			if result := r.handleEnd(m); result != nil {
				if !deliver([]TransferResult{*result}) {
					return nil
				}
			}
		}
	}
}

// TransferPath is the file an incoming transfer is written to
func TransferPath(dir string, h *protocol.TransferHeader) (string, error) {
	name := filepath.Base(filepath.Clean("/" + h.FileName))
	if name == "/" || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidFileName, h.FileName)
	}
	if filepath.Base(h.Presenter) != h.Presenter || filepath.Base(h.Audience) != h.Audience {
		return "", fmt.Errorf("%w: %q/%q", ErrInvalidFileName, h.Presenter, h.Audience)
	}
	return filepath.Join(dir, fmt.Sprintf("%s_%s_%s", h.Presenter, h.Audience, name)), nil
}

func (r *Receiver) handleHeader(h *protocol.TransferHeader) {
	if h.Size > MaxTransferSize || h.Chunks != protocol.ChunkCount(h.Size) {
		r.logf("Rejecting transfer %s: size %d with %d chunks", h.ID, h.Size, h.Chunks)
		return
	}
	path, err := TransferPath(r.dir, h)
	if err != nil {
		r.logf("Rejecting transfer %s: %v", h.ID, err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.active[h.ID]; ok {
		return
	}

	f, err := os.Create(path)
	if err != nil {
		r.logf("Cannot create %s: %v", path, err)
		return
	}

	t := &incomingTransfer{
		header:   *h,
		path:     path,
		file:     f,
		received: make([]bool, h.Chunks),
		lastSeen: r.now(),
	}
	r.active[h.ID] = t
	r.logf("Receiving %s from %s (%d bytes)", h.FileName, h.Presenter, h.Size)

	if e, ok := r.early[h.ID]; ok {
		for _, c := range e.chunks {
			r.writeChunk(t, c)
		}
		delete(r.early, h.ID)
	}
}

func (r *Receiver) handleChunk(c *protocol.TransferChunk) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.active[c.ID]; ok {
		t.lastSeen = r.now()
		r.writeChunk(t, c)
		return
	}

	e, ok := r.early[c.ID]
	if !ok {
		if len(r.early) >= maxEarlyTransfers {
			return
		}
		e = &earlyChunks{firstSeen: r.now()}
		r.early[c.ID] = e
	}
	if len(e.chunks) < maxEarlyChunks {
		e.chunks = append(e.chunks, c)
	}
}

// writeChunk must be called with r.mu held
func (r *Receiver) writeChunk(t *incomingTransfer, c *protocol.TransferChunk) {
	if c.Seq >= t.header.Chunks || t.received[c.Seq] {
		return
	}
	offset := uint64(c.Seq) * protocol.ChunkSize
	want := t.header.Size - offset
	if want > protocol.ChunkSize {
		want = protocol.ChunkSize
	}
	if uint64(len(c.Data)) != want {
		r.logf("Dropping chunk %d of %s: %d bytes, want %d", c.Seq, t.header.FileName, len(c.Data), want)
		return
	}
	if _, err := t.file.WriteAt(c.Data, int64(offset)); err != nil {
		r.logf("Write chunk %d of %s: %v", c.Seq, t.path, err)
		return
	}
	t.received[c.Seq] = true
	t.count++
}

func (r *Receiver) handleEnd(e *protocol.TransferEnd) *TransferResult {
	r.mu.Lock()
	t, ok := r.active[e.ID]
	delete(r.active, e.ID)
	delete(r.early, e.ID)
	r.mu.Unlock()

	if !ok {
		r.logf("End for unknown transfer %s", e.ID)
		return nil
	}
	result := r.finish(t)
	return &result
}

// expire finishes transfers that have been silent for the idle timeout and
// drops buffered chunks whose header never arrived
func (r *Receiver) expire(now time.Time) []TransferResult {
	var stale []*incomingTransfer

	r.mu.Lock()
	for id, t := range r.active {
		if now.Sub(t.lastSeen) >= r.idle {
			stale = append(stale, t)
			delete(r.active, id)
		}
	}
	for id, e := range r.early {
		if now.Sub(e.firstSeen) >= r.idle {
			r.logf("Dropping %d chunks of transfer %s without a header", len(e.chunks), id)
			delete(r.early, id)
		}
	}
	r.mu.Unlock()

	results := make([]TransferResult, 0, len(stale))
	for _, t := range stale {
		r.logf("Transfer of %s timed out after %d/%d chunks", t.header.FileName, t.count, t.header.Chunks)
		results = append(results, r.finish(t))
	}
	return results
}

// finish closes a transfer removed from r.active. Missing chunks leave
// zero-filled holes at their offsets.
func (r *Receiver) finish(t *incomingTransfer) TransferResult {
	if err := t.file.Truncate(int64(t.header.Size)); err != nil {
		r.logf("Truncate %s: %v", t.path, err)
	}
	if err := t.file.Close(); err != nil {
		r.logf("Close %s: %v", t.path, err)
	}

	result := TransferResult{
		Header:   t.header,
		Path:     t.path,
		Received: t.count,
	}
	for seq, ok := range t.received {
		if !ok {
			result.Missing = append(result.Missing, uint32(seq))
		}
	}
	return result
}

func (r *Receiver) abortAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.active {
		t.file.Close()
		r.logf("Transfer of %s aborted after %d/%d chunks", t.header.FileName, t.count, t.header.Chunks)
		delete(r.active, id)
	}
	r.early = make(map[uuid.UUID]*earlyChunks)
}
