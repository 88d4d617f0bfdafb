package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errUnavailable = errors.New("provider unavailable")
	errRejected    = errors.New("validation failed")
)

func testSettings() Settings {
	s := DefaultSettings()
	s.MinRequests = 3
	s.Timeout = time.Hour
	s.IsFailure = func(err error) bool { return errors.Is(err, errUnavailable) }
	return s
}

func TestBreaker_OpensAfterFailures(t *testing.T) {
	b := NewWithSettings("provider", testSettings())

	for i := 0; i < 3; i++ {
		err := b.Execute(func() error { return errUnavailable })
		require.ErrorIs(t, err, errUnavailable)
	}

	assert.Equal(t, gobreaker.StateOpen, b.State())

	called := false
	err := b.Execute(func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called, "в состоянии Open функция не вызывается")
}

func TestBreaker_BusinessErrorsDoNotTrip(t *testing.T) {
	b := NewWithSettings("provider", testSettings())

	for i := 0; i < 10; i++ {
		err := b.Execute(func() error { return errRejected })
		require.ErrorIs(t, err, errRejected)
	}

	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestBreaker_CanceledContextIsNotFailure(t *testing.T) {
	s := testSettings()
	s.IsFailure = nil
	b := NewWithSettings("provider", s)

	for i := 0; i < 10; i++ {
		_ = b.Execute(func() error { return context.Canceled })
	}

	assert.Equal(t, gobreaker.StateClosed, b.State())
	assert.Equal(t, "provider", b.Name())
}
