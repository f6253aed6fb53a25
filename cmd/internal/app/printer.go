package app

import (
	"fmt"
	"io"
	"sync"

	"chatsync/cmd/internal/holder"
	"chatsync/cmd/internal/message"
)

const printerBacklog = 256

// linePrinter renders view changes as text lines. Notifications arrive on the session
// queue, so writes happen on a separate goroutine; lines beyond the backlog are dropped.
type linePrinter struct {
	out   io.Writer
	lines chan string
	done  chan struct{}

	mu     sync.Mutex
	closed bool
}

func newLinePrinter(out io.Writer) *linePrinter {
	p := &linePrinter{
		out:   out,
		lines: make(chan string, printerBacklog),
		done:  make(chan struct{}),
	}
	go p.loop()
	return p
}

func (p *linePrinter) loop() {
	defer close(p.done)
	for line := range p.lines {
		_, _ = fmt.Fprintln(p.out, line)
	}
}

func (p *linePrinter) emit(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.lines <- line:
	default:
	}
}

// Listener returns the holder listener feeding the printer.
func (p *linePrinter) Listener() holder.Listener {
	return holder.ListenerFuncs{
		Added:   func(rec message.Record) { p.emit(formatRecord("+ ", rec)) },
		Changed: func(_, rec message.Record) { p.emit(formatRecord("~ ", rec)) },
		Removed: func(rec message.Record) { p.emit(formatRecord("- ", rec)) },
	}
}

// Close flushes pending lines and stops the writer.
func (p *linePrinter) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.lines)
	p.mu.Unlock()
	<-p.done
}
