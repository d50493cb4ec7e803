// Package qr renders addresses as QR codes and reads them back from a
// scanner.
package qr

import (
	"errors"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

const DefaultSize = 256

var ErrEmptyContent = errors.New("qr content is empty")

// Encoder turns text into QR codes. A zero Size means DefaultSize pixel
// images.
type Encoder struct {
	Size  int
	Level qrcode.RecoveryLevel
}

func NewEncoder(size int) Encoder {
	return Encoder{Size: size, Level: qrcode.Medium}
}

func (e Encoder) size() int {
	if e.Size <= 0 {
		return DefaultSize
	}
	return e.Size
}

// Terminal renders text with half-block characters, two modules per line.
func (e Encoder) Terminal(text string) (string, error) {
	if text == "" {
		return "", ErrEmptyContent
	}

	code, err := qrcode.New(text, e.Level)
	if err != nil {
		return "", fmt.Errorf("failed to encode qr: %w", err)
	}
	return code.ToSmallString(false), nil
}

// PNG renders text as a square PNG image.
func (e Encoder) PNG(text string) ([]byte, error) {
	if text == "" {
		return nil, ErrEmptyContent
	}

	png, err := qrcode.Encode(text, e.Level, e.size())
	if err != nil {
		return nil, fmt.Errorf("failed to encode qr: %w", err)
	}
	return png, nil
}

// WriteFile writes the PNG rendering of text to path.
func (e Encoder) WriteFile(text, path string) error {
	if text == "" {
		return ErrEmptyContent
	}
	if err := qrcode.WriteFile(text, e.Level, e.size(), path); err != nil {
		return fmt.Errorf("failed to write qr to %s: %w", path, err)
	}
	return nil
}
