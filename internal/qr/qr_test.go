package qr

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

func TestEncoderTerminal(t *testing.T) {
	art, err := NewEncoder(0).Terminal("1b6ed178f3093f076b2a4983abe2c8cc")
	require.NoError(t, err)
	assert.NotEmpty(t, art)
	assert.Greater(t, strings.Count(art, "\n"), 10)
}

func TestEncoderPNG(t *testing.T) {
	png, err := NewEncoder(128).PNG("some-address")
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, pngSignature))
}

func TestEncoderWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "address.png")
	require.NoError(t, NewEncoder(64).WriteFile("some-address", path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, pngSignature))
}

func TestEncoderRejectsEmpty(t *testing.T) {
	e := NewEncoder(0)

	_, err := e.Terminal("")
	assert.ErrorIs(t, err, ErrEmptyContent)
	_, err = e.PNG("")
	assert.ErrorIs(t, err, ErrEmptyContent)
	assert.ErrorIs(t, e.WriteFile("", filepath.Join(t.TempDir(), "x.png")), ErrEmptyContent)
}

type collector struct {
	mu      sync.Mutex
	decoded []string
	errs    []error
}

func (c *collector) onDecoded(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decoded = append(c.decoded, s)
}

func (c *collector) onError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func (c *collector) snapshot() ([]string, []error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.decoded...), append([]error(nil), c.errs...)
}

func TestReaderScannerDeliversLines(t *testing.T) {
	ctx := context.Background()
	s := NewReaderScanner(strings.NewReader("\nfirst\n  second  \n"))
	var c collector

	require.NoError(t, s.Start(ctx, c.onDecoded, c.onError))
	assert.ErrorIs(t, s.Start(ctx, c.onDecoded, c.onError), ErrAlreadyScanning)

	require.Eventually(t, func() bool {
		_, errs := c.snapshot()
		return len(errs) == 1
	}, time.Second, 5*time.Millisecond)

	decoded, errs := c.snapshot()
	assert.Equal(t, []string{"first", "second"}, decoded)
	assert.ErrorIs(t, errs[0], io.EOF)

	assert.ErrorIs(t, s.Clear(ctx), ErrStillScanning)
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Clear(ctx))
}

func TestReaderScannerLifecycleErrors(t *testing.T) {
	ctx := context.Background()
	s := NewReaderScanner(strings.NewReader(""))

	assert.ErrorIs(t, s.Stop(ctx), ErrNotScanning)
	assert.ErrorIs(t, s.Clear(ctx), ErrNotScanning)

	require.NoError(t, s.Start(ctx, nil, nil))
	require.NoError(t, s.Stop(ctx))
	assert.ErrorIs(t, s.Stop(ctx), ErrNotScanning)
	require.NoError(t, s.Clear(ctx))
	assert.ErrorIs(t, s.Clear(ctx), ErrNotScanning)
}

func TestReaderScannerRestart(t *testing.T) {
	ctx := context.Background()
	pr, pw := io.Pipe()
	defer pw.Close()

	s := NewReaderScanner(pr)
	var c collector
	require.NoError(t, s.Start(ctx, c.onDecoded, c.onError))

	_, err := io.WriteString(pw, "one\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		decoded, _ := c.snapshot()
		return len(decoded) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop(ctx))

	var later collector
	require.NoError(t, s.Clear(ctx))
	require.NoError(t, s.Start(ctx, later.onDecoded, later.onError))
	_, err = io.WriteString(pw, "two\n")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		decoded, _ := later.snapshot()
		return len(decoded) == 1
	}, time.Second, 5*time.Millisecond)

	first, _ := c.snapshot()
	second, _ := later.snapshot()
	assert.Equal(t, []string{"one"}, first)
	assert.Equal(t, []string{"two"}, second)
	require.NoError(t, s.Stop(ctx))
}

func TestNewCommandScannerRequiresCommand(t *testing.T) {
	_, err := NewCommandScanner(nil)
	assert.ErrorIs(t, err, ErrNoCommand)
	_, err = NewCommandScanner([]string{""})
	assert.ErrorIs(t, err, ErrNoCommand)
}

func TestCommandScanner(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	ctx := context.Background()

	s, err := NewCommandScanner([]string{"sh", "-c", "printf 'alpha\\n\\nbeta\\n'"})
	require.NoError(t, err)

	assert.ErrorIs(t, s.Stop(ctx), ErrNotScanning)
	assert.ErrorIs(t, s.Clear(ctx), ErrNotScanning)

	var c collector
	require.NoError(t, s.Start(ctx, c.onDecoded, c.onError))
	assert.ErrorIs(t, s.Clear(ctx), ErrStillScanning)

	require.Eventually(t, func() bool {
		decoded, _ := c.snapshot()
		return len(decoded) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Clear(ctx))

	decoded, errs := c.snapshot()
	assert.Equal(t, []string{"alpha", "beta"}, decoded)
	assert.Empty(t, errs)
}

func TestCommandScannerStopKillsDecoder(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	ctx := context.Background()

	s, err := NewCommandScanner([]string{"sleep", "30"})
	require.NoError(t, err)

	var c collector
	require.NoError(t, s.Start(ctx, c.onDecoded, c.onError))

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(stopCtx))

	_, errs := c.snapshot()
	assert.Empty(t, errs)
}
