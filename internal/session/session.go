package session

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/cyrus/internal/connection"
	"github.com/rudransh-shrivastava/cyrus/internal/logger"
)

const DefaultChunkSize = 16 * 1024

var (
	ErrNotConnected = errors.New("not connected")
	ErrNoDownloads  = errors.New("download directory not configured")
)

// Sender is satisfied by connection.Manager.
type Sender interface {
	Send(payload []byte) bool
}

type Session struct {
	out       Sender
	log       logrus.FieldLogger
	dir       string
	chunkSize int
	progress  io.Writer

	onText func(string)
	onFile func(path string)

	mu       sync.Mutex
	incoming map[string]*download
}

type Option func(*Session)

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Session) { s.log = logger.OrDiscard(l) }
}

// WithDownloadDir enables receiving files into dir.
func WithDownloadDir(dir string) Option {
	return func(s *Session) { s.dir = dir }
}

func WithChunkSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

// WithProgress renders transfer progress bars to w.
func WithProgress(w io.Writer) Option {
	return func(s *Session) { s.progress = w }
}

func OnText(fn func(string)) Option {
	return func(s *Session) { s.onText = fn }
}

// OnFile is called with the final path of every file received.
func OnFile(fn func(path string)) Option {
	return func(s *Session) { s.onFile = fn }
}

func New(out Sender, opts ...Option) *Session {
	s := &Session{
		out:       out,
		log:       logger.Discard(),
		chunkSize: DefaultChunkSize,
		progress:  io.Discard,
		incoming:  make(map[string]*download),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("component", "session")
	return s
}

func (s *Session) send(e *Envelope) error {
	payload, err := Encode(e)
	if err != nil {
		return err
	}
	if !s.out.Send(payload) {
		return ErrNotConnected
	}
	return nil
}

func (s *Session) SendText(text string) error {
	return s.send(&Envelope{Type: TypeText, Text: text})
}

// SendFile streams the file at path in chunks. A canceled context aborts
// the transfer and tells the receiver to discard it.
func (s *Session) SendFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}

	id := uuid.NewString()
	name := filepath.Base(path)
	if err := s.send(&Envelope{Type: TypeFileStart, FileID: id, Name: name, Size: info.Size()}); err != nil {
		return err
	}

	bar := s.newBar(info.Size(), "sending "+name)
	defer bar.Close()

	sum := sha256.New()
	buf := make([]byte, s.chunkSize)
	var offset int64
	for {
		if err := ctx.Err(); err != nil {
			s.abort(id, "canceled")
			return err
		}

		n, err := f.Read(buf)
		if n > 0 {
			sum.Write(buf[:n])
			chunk := &Envelope{Type: TypeFileChunk, FileID: id, Offset: offset, Data: buf[:n]}
			if err := s.send(chunk); err != nil {
				return err
			}
			offset += int64(n)
			_ = bar.Add(n)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.abort(id, "read failed")
			return fmt.Errorf("failed to read file: %w", err)
		}
	}

	if err := s.send(&Envelope{Type: TypeFileEnd, FileID: id, Size: offset, Sum: sum.Sum(nil)}); err != nil {
		return err
	}
	_ = bar.Finish()
	s.log.WithField("name", name).WithField("bytes", offset).Info("file sent")
	return nil
}

func (s *Session) abort(id, reason string) {
	if err := s.send(&Envelope{Type: TypeFileAbort, FileID: id, Reason: reason}); err != nil {
		s.log.WithError(err).Debug("failed to send abort")
	}
}

func (s *Session) newBar(size int64, desc string) *progressbar.ProgressBar {
	return progressbar.NewOptions64(size,
		progressbar.OptionSetWriter(s.progress),
		progressbar.OptionSetDescription(desc),
		progressbar.OptionShowBytes(true),
		progressbar.OptionClearOnFinish(),
	)
}

// Handle consumes manager events. Subscribe it to the manager that carries
// the session.
func (s *Session) Handle(e connection.Event) {
	switch e.Kind {
	case connection.EventData:
		if err := s.receive(e.Payload); err != nil {
			s.log.WithError(err).Warn("dropping payload")
		}
	case connection.EventClose:
		s.discardAll()
	}
}

func (s *Session) receive(payload []byte) error {
	env, err := Decode(payload)
	if err != nil {
		return err
	}

	switch env.Type {
	case TypeText:
		s.log.WithField("text", env.Text).Debug("text received")
		if s.onText != nil {
			s.onText(env.Text)
		}
		return nil
	case TypeFileStart:
		return s.startDownload(env)
	case TypeFileChunk:
		return s.withDownload(env.FileID, func(d *download) error { return d.write(env.Offset, env.Data) })
	case TypeFileEnd:
		return s.finishDownload(env)
	case TypeFileAbort:
		s.discard(env.FileID)
		s.log.WithField("reason", env.Reason).Info("sender aborted transfer")
		return nil
	}
	return nil
}

type download struct {
	name    string
	size    int64
	file    *os.File
	written int64
	sum     hash.Hash
	bar     *progressbar.ProgressBar
}

func (d *download) write(offset int64, data []byte) error {
	if offset != d.written {
		return fmt.Errorf("%w: chunk at %d, expected %d", ErrInvalidEnvelope, offset, d.written)
	}
	if d.written+int64(len(data)) > d.size {
		return fmt.Errorf("%w: %s exceeds announced size", ErrInvalidEnvelope, d.name)
	}
	if _, err := d.file.Write(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", d.name, err)
	}
	d.sum.Write(data)
	d.written += int64(len(data))
	_ = d.bar.Add(len(data))
	return nil
}

func (d *download) discard() {
	_ = d.bar.Close()
	_ = d.file.Close()
	_ = os.Remove(d.file.Name())
}

func (s *Session) startDownload(env *Envelope) error {
	if s.dir == "" {
		return ErrNoDownloads
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create download directory: %w", err)
	}

	f, err := os.CreateTemp(s.dir, ".cyrus-*.part")
	if err != nil {
		return fmt.Errorf("failed to create download file: %w", err)
	}

	name := safeName(env.Name)
	d := &download{
		name: name,
		size: env.Size,
		file: f,
		sum:  sha256.New(),
		bar:  s.newBar(env.Size, "receiving "+name),
	}

	s.mu.Lock()
	prev := s.incoming[env.FileID]
	s.incoming[env.FileID] = d
	s.mu.Unlock()

	if prev != nil {
		prev.discard()
	}
	return nil
}

func (s *Session) withDownload(id string, fn func(*download) error) error {
	s.mu.Lock()
	d, ok := s.incoming[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: unknown transfer %s", ErrInvalidEnvelope, id)
	}

	if err := fn(d); err != nil {
		s.discard(id)
		return err
	}
	return nil
}

func (s *Session) finishDownload(env *Envelope) error {
	s.mu.Lock()
	d, ok := s.incoming[env.FileID]
	delete(s.incoming, env.FileID)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: unknown transfer %s", ErrInvalidEnvelope, env.FileID)
	}

	if d.written != d.size || env.Size != d.size || !bytes.Equal(d.sum.Sum(nil), env.Sum) {
		d.discard()
		return fmt.Errorf("%w: %s is corrupt", ErrInvalidEnvelope, d.name)
	}
	_ = d.bar.Finish()
	if err := d.file.Close(); err != nil {
		_ = os.Remove(d.file.Name())
		return fmt.Errorf("failed to close %s: %w", d.name, err)
	}

	path, err := placeFile(s.dir, d.name, d.file.Name())
	if err != nil {
		_ = os.Remove(d.file.Name())
		return err
	}

	s.log.WithField("path", path).WithField("bytes", d.written).Info("file received")
	if s.onFile != nil {
		s.onFile(path)
	}
	return nil
}

func (s *Session) discard(id string) {
	s.mu.Lock()
	d, ok := s.incoming[id]
	delete(s.incoming, id)
	s.mu.Unlock()

	if ok {
		d.discard()
	}
}

// discardAll drops partial downloads once the connection they came over is
// gone.
func (s *Session) discardAll() {
	s.mu.Lock()
	pending := s.incoming
	s.incoming = make(map[string]*download)
	s.mu.Unlock()

	for _, d := range pending {
		s.log.WithField("name", d.name).Warn("connection closed mid-transfer")
		d.discard()
	}
}

// safeName keeps only the final element of a sender-supplied name.
func safeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == ".." || name == "/" || name == "" {
		return "download"
	}
	return name
}

// placeFile moves tmp into dir under name, adding a numeric suffix rather
// than overwriting an existing file.
func placeFile(dir, name, tmp string) (string, error) {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)

	for i := 0; i < 1000; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", base, i, ext)
		}
		path := filepath.Join(dir, candidate)
		if _, err := os.Lstat(path); err == nil {
			continue
		}
		if err := os.Rename(tmp, path); err != nil {
			return "", fmt.Errorf("failed to place %s: %w", name, err)
		}
		return path, nil
	}
	return "", fmt.Errorf("failed to place %s: too many copies", name)
}
