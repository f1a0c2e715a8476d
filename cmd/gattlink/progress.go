package main

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/term"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter shows "<prefix> (<phase> Ns)" with elapsed seconds while a
// command waits on the device. It prints nothing unless out is a terminal.
//
// Usage:
//
//	p := NewProgressPrinter(os.Stderr, "Connecting to ...")
//	p.Start()
//	defer p.Stop()
type ProgressPrinter struct {
	out     io.Writer
	prefix  string
	enabled bool

	mu    sync.Mutex
	phase string
	stop  chan struct{}
	done  chan struct{}
}

// NewProgressPrinter creates a printer writing to out
func NewProgressPrinter(out io.Writer, prefix string) *ProgressPrinter {
	enabled := false
	if f, ok := out.(*os.File); ok {
		enabled = term.IsTerminal(int(f.Fd()))
	}
	return &ProgressPrinter{out: out, prefix: prefix, enabled: enabled, phase: "Connecting"}
}

// SetPhase changes the phase shown next to the prefix
func (p *ProgressPrinter) SetPhase(phase string) {
	p.mu.Lock()
	p.phase = phase
	p.mu.Unlock()
}

// Start begins the update loop. It has no effect when printing is disabled
// or the printer already runs.
func (p *ProgressPrinter) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled || p.stop != nil {
		return
	}
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.loop(p.stop, p.done, time.Now())
}

func (p *ProgressPrinter) loop(stop, done chan struct{}, start time.Time) {
	defer close(done)
	ticker := time.NewTicker(progressUpdateInterval)
	defer ticker.Stop()

	for {
		p.mu.Lock()
		phase := p.phase
		p.mu.Unlock()
		fmt.Fprintf(p.out, "\r%s (%s %ds)   ", p.prefix, phase, int(time.Since(start).Seconds()))

		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

// Stop ends the loop and clears the line. Safe to call more than once.
func (p *ProgressPrinter) Stop() {
	p.mu.Lock()
	stop, done := p.stop, p.done
	p.stop = nil
	p.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
	fmt.Fprint(p.out, clearLineSequence)
}
