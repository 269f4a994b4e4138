package sched

import (
	"sync"
	"testing"
	"time"
)

func waitFired(t *testing.T, ch chan string) string {
	t.Helper()
	select {
	case payload := <-ch:
		return payload
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler")
		return ""
	}
}

func TestTimerScheduler_FiresRegisteredHandler(t *testing.T) {
	s := NewTimerScheduler()
	defer s.Stop()

	fired := make(chan string, 1)
	s.Register("test.action", func(payload string) { fired <- payload })

	token := NewToken("test.action", `{"n":1}`)
	if err := s.ScheduleOnce(5*time.Millisecond, token); err != nil {
		t.Fatalf("ScheduleOnce failed: %v", err)
	}

	if got := waitFired(t, fired); got != `{"n":1}` {
		t.Errorf("expected payload passed through, got %q", got)
	}
}

func TestTimerScheduler_CancelPreventsFire(t *testing.T) {
	s := NewTimerScheduler()
	defer s.Stop()

	var mu sync.Mutex
	fired := 0
	s.Register("test.action", func(payload string) {
		mu.Lock()
		fired++
		mu.Unlock()
	})

	token := NewToken("test.action", "")
	if err := s.ScheduleOnce(50*time.Millisecond, token); err != nil {
		t.Fatalf("ScheduleOnce failed: %v", err)
	}
	s.Cancel(token)

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if fired != 0 {
		t.Errorf("expected cancelled token not to fire, got %d", fired)
	}
}

func TestTimerScheduler_UnknownActionIsDropped(t *testing.T) {
	s := NewTimerScheduler()
	defer s.Stop()

	// No handler registered; firing must not panic
	token := NewToken("test.unknown", "")
	if err := s.ScheduleOnce(5*time.Millisecond, token); err != nil {
		t.Fatalf("ScheduleOnce failed: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
}

func TestTimerScheduler_PanickingHandlerRecovered(t *testing.T) {
	s := NewTimerScheduler()
	defer s.Stop()

	recovered := make(chan string, 1)
	s.SetPanicHandler(func(component string) {
		if r := recover(); r != nil {
			recovered <- component
		}
	})
	s.Register("test.action", func(payload string) { panic("handler bug") })

	if err := s.ScheduleOnce(5*time.Millisecond, NewToken("test.action", "")); err != nil {
		t.Fatalf("ScheduleOnce failed: %v", err)
	}

	select {
	case component := <-recovered:
		if component != "scheduler" {
			t.Errorf("expected scheduler component, got %q", component)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the panic handler")
	}
}

func TestTimerScheduler_StopCancelsPending(t *testing.T) {
	s := NewTimerScheduler()

	var mu sync.Mutex
	fired := 0
	s.Register("test.action", func(payload string) {
		mu.Lock()
		fired++
		mu.Unlock()
	})

	_ = s.ScheduleOnce(30*time.Millisecond, NewToken("test.action", ""))
	_ = s.ScheduleOnce(40*time.Millisecond, NewToken("test.action", ""))
	s.Stop()

	time.Sleep(80 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if fired != 0 {
		t.Errorf("expected Stop to cancel all pending tokens, got %d fires", fired)
	}
}

func TestToken_EncodeDecodeRoundTrip(t *testing.T) {
	token := NewToken("supervisor.escalate", `{"strategy":2}`)

	decoded, err := decodeToken(token.encode())
	if err != nil {
		t.Fatalf("decodeToken failed: %v", err)
	}
	if decoded != token {
		t.Errorf("expected %+v, got %+v", token, decoded)
	}
}

func TestDecodeToken_Malformed(t *testing.T) {
	if _, err := decodeToken("not json"); err == nil {
		t.Error("expected error for malformed member")
	}
}
