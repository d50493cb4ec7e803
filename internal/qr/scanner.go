package qr

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

var (
	ErrNotScanning     = errors.New("scanner is not running")
	ErrAlreadyScanning = errors.New("scanner is already running")
	ErrStillScanning   = errors.New("scanner must be stopped before it is cleared")
	ErrNoCommand       = errors.New("scanner command is empty")
)

// Scanner is a source of decoded QR payloads, usually a camera.
//
// onDecoded and onError are called from the scanner's own goroutine, one at
// a time. They must not call Stop or Clear directly since Stop waits for
// that goroutine to finish.
type Scanner interface {
	Start(ctx context.Context, onDecoded func(string), onError func(error)) error
	Stop(ctx context.Context) error
	Clear(ctx context.Context) error
}

// CommandScanner runs an external decoder, such as `zbarcam --raw -q`, and
// treats every line it prints as one decoded payload.
type CommandScanner struct {
	name string
	args []string

	mu     sync.Mutex
	cmd    *exec.Cmd
	cancel context.CancelFunc
	exited chan struct{}
	// started is set by Start and reset by Clear.
	started bool
}

func NewCommandScanner(argv []string) (*CommandScanner, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, ErrNoCommand
	}
	return &CommandScanner{name: argv[0], args: argv[1:]}, nil
}

func (s *CommandScanner) Start(ctx context.Context, onDecoded func(string), onError func(error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		return ErrAlreadyScanning
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := exec.CommandContext(runCtx, s.name, s.args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to open scanner output: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start %s: %w", s.name, err)
	}

	s.cmd = cmd
	s.cancel = cancel
	s.exited = make(chan struct{})
	s.started = true

	go s.read(runCtx, cmd, stdout, s.exited, onDecoded, onError)
	return nil
}

func (s *CommandScanner) read(ctx context.Context, cmd *exec.Cmd, stdout io.Reader, exited chan struct{}, onDecoded func(string), onError func(error)) {
	defer close(exited)

	readLines(stdout, onDecoded)

	// A canceled context means Stop killed the process.
	if err := cmd.Wait(); err != nil && ctx.Err() == nil && onError != nil {
		onError(fmt.Errorf("%s exited: %w", s.name, err))
	}
}

// Stop kills the decoder and waits for it to exit.
func (s *CommandScanner) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, exited := s.cancel, s.exited
	s.cmd, s.cancel, s.exited = nil, nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return ErrNotScanning
	}
	cancel()

	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clear forgets a stopped scanner so it can be started afresh.
func (s *CommandScanner) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		return ErrStillScanning
	}
	if !s.started {
		return ErrNotScanning
	}
	s.started = false
	return nil
}

// ReaderScanner reads payloads line by line from r. It stands in for a
// camera when decoded text arrives on stdin or from a pipe. Lines read while
// the scanner is stopped are dropped.
type ReaderScanner struct {
	r    io.Reader
	once sync.Once

	mu        sync.Mutex
	running   bool
	started   bool
	onDecoded func(string)
	onError   func(error)
}

func NewReaderScanner(r io.Reader) *ReaderScanner {
	return &ReaderScanner{r: r}
}

func (s *ReaderScanner) Start(_ context.Context, onDecoded func(string), onError func(error)) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyScanning
	}
	s.running = true
	s.started = true
	s.onDecoded, s.onError = onDecoded, onError
	s.mu.Unlock()

	// A read in progress cannot be interrupted, so one goroutine serves
	// the scanner for its whole life.
	s.once.Do(func() { go s.pump() })
	return nil
}

func (s *ReaderScanner) pump() {
	readLines(s.r, func(line string) {
		if fn, _ := s.handlers(); fn != nil {
			fn(line)
		}
	})
	if _, fn := s.handlers(); fn != nil {
		fn(io.EOF)
	}
}

func (s *ReaderScanner) handlers() (func(string), func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil, nil
	}
	return s.onDecoded, s.onError
}

func (s *ReaderScanner) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return ErrNotScanning
	}
	s.running = false
	s.onDecoded, s.onError = nil, nil
	return nil
}

func (s *ReaderScanner) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrStillScanning
	}
	if !s.started {
		return ErrNotScanning
	}
	s.started = false
	return nil
}

func readLines(r io.Reader, fn func(string)) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fn(line)
	}
}
