package dispatch

import (
	"errors"
	"testing"

	"github.com/example/carpool/internal/models"
)

type stubNotifier struct {
	err   error
	calls int
}

func (s *stubNotifier) NotifyDriver(driverID string, n models.BookingNotice) error {
	s.calls++
	return s.err
}

func TestFallbackNotifierStopsAtFirstSuccess(t *testing.T) {
	ws := &stubNotifier{err: ErrNoSession}
	push := &stubNotifier{}
	spare := &stubNotifier{}
	f := &FallbackNotifier{Notifiers: []Notifier{ws, push, spare}}

	if err := f.NotifyDriver("drv-1", models.BookingNotice{BookingID: "bk-1"}); err != nil {
		t.Fatalf("expected delivery via fallback, got %v", err)
	}
	if ws.calls != 1 || push.calls != 1 || spare.calls != 0 {
		t.Fatalf("expected ws then push only, got ws=%d push=%d spare=%d", ws.calls, push.calls, spare.calls)
	}
}

func TestFallbackNotifierReportsLastError(t *testing.T) {
	boom := errors.New("push down")
	f := &FallbackNotifier{Notifiers: []Notifier{nil, &stubNotifier{err: ErrNoSession}, &stubNotifier{err: boom}}}

	if err := f.NotifyDriver("drv-1", models.BookingNotice{}); !errors.Is(err, boom) {
		t.Fatalf("expected last error, got %v", err)
	}
}

func TestFallbackNotifierEmptyChain(t *testing.T) {
	f := &FallbackNotifier{}
	if err := f.NotifyDriver("drv-1", models.BookingNotice{}); err == nil {
		t.Fatal("expected an error when no notifier is configured")
	}
}
