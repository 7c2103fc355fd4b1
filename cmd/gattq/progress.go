package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srg/gattq/internal/broadcast"
	"github.com/srg/gattq/internal/groutine"
	"github.com/srg/gattq/manager"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// Progress shows the connection phase with elapsed seconds on a terminal line.
//
// The phase follows the manager's connection state broadcast. Stop must be called once
// the command ends; it is safe to call more than once and from any goroutine. When w is
// not a terminal nothing is printed.
type Progress struct {
	w         io.Writer
	prefix    string
	phase     atomic.Value // string
	sub       *broadcast.Subscription[manager.ConnectionEvent]
	startTime time.Time
	stopChan  chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
}

func newProgress(w io.Writer, prefix string, sub *broadcast.Subscription[manager.ConnectionEvent]) *Progress {
	p := &Progress{
		w:         w,
		prefix:    prefix,
		sub:       sub,
		startTime: time.Now(),
		stopChan:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	p.phase.Store("starting")

	if !isTerminal(w) {
		close(p.done)
		return p
	}

	fmt.Fprintf(p.w, "\r%s (starting...)   ", p.prefix)
	groutine.Go(context.Background(), "gattq-progress", func(context.Context) {
		p.loop()
	})
	return p
}

func (p *Progress) loop() {
	defer close(p.done)
	ticker := time.NewTicker(progressUpdateInterval)
	defer ticker.Stop()

	events := p.sub.C()
	for {
		select {
		case <-p.stopChan:
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			p.phase.Store(ev.State.String())
		case <-ticker.C:
			seconds := int(time.Since(p.startTime).Seconds())
			phase := p.phase.Load().(string)
			if seconds > 0 {
				fmt.Fprintf(p.w, "\r%s (%s %ds)   ", p.prefix, phase, seconds)
			} else {
				fmt.Fprintf(p.w, "\r%s (%s...)   ", p.prefix, phase)
			}
		}
	}
}

// Stop ends the display, clears the line and unsubscribes.
func (p *Progress) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopChan)
		<-p.done
		p.sub.Close()
		if isTerminal(p.w) {
			fmt.Fprint(p.w, clearLineSequence)
		}
	})
}
