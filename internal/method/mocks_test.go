package method

import (
	"context"
	"slices"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/rudransh-shrivastava/cyrus/internal/transport"
)

// recorder collects calls across mocks so tests can check their order.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

func (r *recorder) has(call string) bool {
	return slices.Contains(r.list(), call)
}

type mockConnector struct {
	mock.Mock
}

func (m *mockConnector) LocalAddress() string {
	return m.Called().String(0)
}

func (m *mockConnector) WaitReady(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *mockConnector) ConnectTo(address string) error {
	return m.Called(address).Error(0)
}

func (m *mockConnector) ReplaceIdentity(ctx context.Context, address string, opts transport.BindOptions) error {
	return m.Called(ctx, address, opts).Error(0)
}

func (m *mockConnector) RestoreDefaultIdentity(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type mockScanner struct {
	mock.Mock

	mu        sync.Mutex
	onDecoded func(string)
}

func (s *mockScanner) Start(ctx context.Context, onDecoded func(string), onError func(error)) error {
	s.mu.Lock()
	s.onDecoded = onDecoded
	s.mu.Unlock()
	return s.Called(ctx).Error(0)
}

func (s *mockScanner) Stop(ctx context.Context) error {
	return s.Called(ctx).Error(0)
}

func (s *mockScanner) Clear(ctx context.Context) error {
	return s.Called(ctx).Error(0)
}

// decode plays the scanner goroutine reporting text.
func (s *mockScanner) decode(text string) {
	s.mu.Lock()
	fn := s.onDecoded
	s.mu.Unlock()
	fn(text)
}

// spyMethod records lifecycle calls of the method it wraps.
type spyMethod struct {
	Method
	rec *recorder
}

func (s *spyMethod) Activate(ctx context.Context) error {
	s.rec.add(string(s.Kind()) + ".activate")
	return s.Method.Activate(ctx)
}

func (s *spyMethod) Deactivate(ctx context.Context) error {
	s.rec.add(string(s.Kind()) + ".deactivate")
	return s.Method.Deactivate(ctx)
}

func (s *spyMethod) Submit(ctx context.Context, input string) error {
	sub, ok := s.Method.(Submitter)
	if !ok {
		return ErrNoInput
	}
	return sub.Submit(ctx, input)
}
