package scheduler

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"golang.org/x/sys/unix"
)

// isTerminal gates the ANSI status-block rendering the same way
// internal/batch/batch.go's package-level isTerminal does, checked two
// ways (unix ioctl and go-isatty) the way the teacher's own call sites mix
// both rather than standardising on one — kept here deliberately.
var isTerminal = func() bool {
	if isatty.IsTerminal(uintptr(1)) {
		return true
	}
	_, err := unix.IoctlGetTermios(1, unix.TCGETS)
	return err == nil
}()

type statusBoard struct {
	mu         sync.Mutex
	lines      []string
	lastRender time.Time
}

func newStatusBoard(workers int) *statusBoard {
	return &statusBoard{lines: make([]string, workers+1)}
}

func (b *statusBoard) refresh() {
	if !isTerminal {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastRender = time.Now()
	b.printLocked()
}

func (b *statusBoard) update(idx int, line string) {
	if !isTerminal {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if diff := len(b.lines[idx]) - len(line); diff > 0 {
		line += strings.Repeat(" ", diff)
	}
	b.lines[idx] = line
	if time.Since(b.lastRender) < 100*time.Millisecond {
		return
	}
	b.lastRender = time.Now()
	b.printLocked()
}

func (b *statusBoard) printLocked() {
	for _, line := range b.lines {
		fmt.Println(line)
	}
	fmt.Printf("\033[%dA", len(b.lines)) // restore cursor to the top of the block
}
