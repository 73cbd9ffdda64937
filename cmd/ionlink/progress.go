package main

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter redraws one status line with the current phase and the
// elapsed (or remaining) seconds. It is single-use: Start once, Stop once.
type ProgressPrinter struct {
	out        io.Writer
	prefix     string
	phase      atomic.Value // string
	stopPhases map[string]struct{}
	startTime  time.Time
	ticker     atomic.Pointer[time.Ticker]
	stopChan   chan struct{}
	done       chan struct{}
	started    atomic.Bool
	// countdown is zero for count-up mode.
	countdown time.Duration
}

// NewProgressPrinter counts up from Start. Setting one of stopPhases via
// Callback stops the printer.
func NewProgressPrinter(out io.Writer, prefix, phase string, stopPhases ...string) *ProgressPrinter {
	p := &ProgressPrinter{out: out, prefix: prefix, stopPhases: make(map[string]struct{})}
	for _, s := range stopPhases {
		p.stopPhases[s] = struct{}{}
	}
	p.phase.Store(phase)
	return p
}

// NewCountdownProgressPrinter counts down from d.
func NewCountdownProgressPrinter(out io.Writer, prefix, phase string, d time.Duration, stopPhases ...string) *ProgressPrinter {
	p := NewProgressPrinter(out, prefix, phase, stopPhases...)
	p.countdown = d
	return p
}

// Start panics if called twice.
func (p *ProgressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("ProgressPrinter.Start called more than once")
	}

	p.done = make(chan struct{})
	p.stopChan = make(chan struct{})
	p.startTime = time.Now()
	ticker := time.NewTicker(progressUpdateInterval)
	p.ticker.Store(ticker)

	p.print(p.phase.Load().(string), 0)
	go p.loop(ticker)
}

func (p *ProgressPrinter) print(phase string, seconds int) {
	if seconds > 0 {
		fmt.Fprintf(p.out, "\r%s (%s %ds)   ", p.prefix, phase, seconds)
	} else {
		fmt.Fprintf(p.out, "\r%s (%s...)   ", p.prefix, phase)
	}
}

func (p *ProgressPrinter) loop(ticker *time.Ticker) {
	defer close(p.done)
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(p.out, "\nprogress printer panic: %v\n", r)
		}
	}()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
			phase := p.phase.Load().(string)
			if _, stop := p.stopPhases[phase]; stop {
				return
			}
			elapsed := time.Since(p.startTime)
			seconds := int(elapsed.Seconds())
			if p.countdown > 0 {
				seconds = 0
				if remaining := p.countdown - elapsed; remaining > 0 {
					seconds = int(remaining.Seconds() + 0.5)
				}
			}
			p.print(phase, seconds)
		}
	}
}

// Callback returns a phase setter that is safe for concurrent use.
func (p *ProgressPrinter) Callback() func(phase string) {
	return func(phase string) {
		p.phase.Store(phase)
		if _, stop := p.stopPhases[phase]; stop {
			p.Stop()
		}
	}
}

// Stop clears the line. Extra calls are no-ops.
func (p *ProgressPrinter) Stop() {
	ticker := p.ticker.Swap(nil)
	if ticker == nil {
		return
	}

	ticker.Stop()
	close(p.stopChan)
	<-p.done

	fmt.Fprint(p.out, clearLineSequence)
}
