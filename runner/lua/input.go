package lua

import (
	"bytes"
	"io"
	"sync"
)

// inputBuffer is an unbounded in-memory stdin.
// Writers never block, readers block until a full line is available or the buffer is closed.
type inputBuffer struct {
	mut    sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	closed bool
}

func newInputBuffer() *inputBuffer {
	b := &inputBuffer{}
	b.cond = sync.NewCond(&b.mut)
	return b
}

func (b *inputBuffer) write(s string) bool {
	b.mut.Lock()
	defer b.mut.Unlock()
	if b.closed {
		return false
	}
	b.buf.WriteString(s)
	b.cond.Broadcast()
	return true
}

func (b *inputBuffer) close() {
	b.mut.Lock()
	defer b.mut.Unlock()
	b.closed = true
	b.cond.Broadcast()
}

func (b *inputBuffer) isClosed() bool {
	b.mut.Lock()
	defer b.mut.Unlock()
	return b.closed
}

// readLine returns the next line without its newline.
// After close, a trailing partial line is still returned, then io.EOF.
func (b *inputBuffer) readLine() (string, error) {
	b.mut.Lock()
	defer b.mut.Unlock()
	for {
		if i := bytes.IndexByte(b.buf.Bytes(), '\n'); i >= 0 {
			line := string(b.buf.Next(i + 1))
			return line[:len(line)-1], nil
		}
		if b.closed {
			if b.buf.Len() > 0 {
				return string(b.buf.Next(b.buf.Len())), nil
			}
			return "", io.EOF
		}
		b.cond.Wait()
	}
}

// readAll blocks until the buffer is closed and returns everything left in it.
func (b *inputBuffer) readAll() string {
	b.mut.Lock()
	defer b.mut.Unlock()
	for !b.closed {
		b.cond.Wait()
	}
	return string(b.buf.Next(b.buf.Len()))
}
