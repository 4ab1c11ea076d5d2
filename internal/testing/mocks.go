package testing

import (
	"context"
	"errors"
	"sync"
)

// ErrFakeOCR is the error returned by FakeRecognizer when configured to fail
var ErrFakeOCR = errors.New("fake ocr failure")

// FakeRecognizer is a scripted OCR function for tests
type FakeRecognizer struct {
	mu       sync.Mutex
	texts    map[string]string
	failures map[string]int
	calls    map[string]int
	err      error
}

// NewFakeRecognizer creates a recognizer that returns empty text for unknown images
func NewFakeRecognizer() *FakeRecognizer {
	return &FakeRecognizer{
		texts:    make(map[string]string),
		failures: make(map[string]int),
		calls:    make(map[string]int),
	}
}

// SetText sets the text returned for imagePath
func (f *FakeRecognizer) SetText(imagePath, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts[imagePath] = text
}

// FailTimes makes the next n calls for imagePath fail with ErrFakeOCR
func (f *FakeRecognizer) FailTimes(imagePath string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[imagePath] = n
}

// SetError makes every call fail with err (nil clears it)
func (f *FakeRecognizer) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Calls returns how many times imagePath was recognized
func (f *FakeRecognizer) Calls(imagePath string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[imagePath]
}

// Recognize implements the OCR function signature
func (f *FakeRecognizer) Recognize(ctx context.Context, imagePath string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[imagePath]++
	if f.err != nil {
		return "", f.err
	}
	if f.failures[imagePath] > 0 {
		f.failures[imagePath]--
		return "", ErrFakeOCR
	}
	return f.texts[imagePath], nil
}
