package approval

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opsgate/opsgate/api"
)

func singleCmd() api.Command {
	return api.Command{
		Text:             "sudo systemctl restart bot",
		Action:           api.ActionRestartService,
		Platform:         api.PlatformLinux,
		RequiresApproval: true,
	}
}

func doubleCmd() api.Command {
	return api.Command{
		Text:                  "sudo shutdown -r now",
		Action:                api.ActionReboot,
		Platform:              api.PlatformLinux,
		RequiresApproval:      true,
		RequiresDoubleConfirm: true,
		CausesDowntime:        true,
	}
}

func TestCreateAndApprove(t *testing.T) {
	s := NewMemoryStore(time.Minute)

	p, err := s.Create("msg-1", singleCmd(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if p.State != StatePending {
		t.Fatalf("state = %s", p.State)
	}

	p, err = s.Approve("msg-1", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if p.State != StateApproved {
		t.Errorf("state after approve = %s", p.State)
	}
	if p.ResolvedBy != "bob" {
		t.Errorf("ResolvedBy = %q", p.ResolvedBy)
	}
}

func TestCreateGeneratesID(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	p, err := s.Create("", singleCmd(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if p.ID == "" {
		t.Fatal("expected generated id")
	}
}

func TestCreateRejectsLiveDuplicate(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	if _, err := s.Create("msg-1", singleCmd(), "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create("msg-1", singleCmd(), "alice"); err == nil {
		t.Fatal("expected error for duplicate live id")
	}

	// A resolved id may be reused.
	if _, err := s.Reject("msg-1", "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create("msg-1", singleCmd(), "alice"); err != nil {
		t.Errorf("resolved id should be reusable: %v", err)
	}
}

// One-shot resolution: the first resolver wins, every later attempt fails.
func TestResolutionIsOneShot(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	s.Create("msg-1", singleCmd(), "alice")

	if _, err := s.Approve("msg-1", "bob"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Approve("msg-1", "carol"); !errors.Is(err, ErrNotPending) {
		t.Errorf("second approve: err = %v, want ErrNotPending", err)
	}
	if _, err := s.Reject("msg-1", "carol"); !errors.Is(err, ErrNotPending) {
		t.Errorf("reject after approve: err = %v, want ErrNotPending", err)
	}
}

func TestDoubleConfirmation(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	current := time.Now()
	s.now = func() time.Time { return current }

	s.Create("msg-1", doubleCmd(), "alice")

	p, err := s.Approve("msg-1", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if p.State != StatePending || !p.DoubleConfirmStage {
		t.Fatalf("after first approve: state=%s stage=%v", p.State, p.DoubleConfirmStage)
	}

	// First approval re-arms the expiry window.
	firstDeadline := p.ExpiresAt
	current = current.Add(45 * time.Second)
	p, err = s.Approve("msg-1", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if p.State != StateApproved {
		t.Errorf("after second approve: state=%s", p.State)
	}
	if !firstDeadline.After(current.Add(-45 * time.Second)) {
		t.Error("expected re-armed deadline")
	}
}

func TestDoubleConfirmationReArmsExpiry(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	current := time.Now()
	s.now = func() time.Time { return current }

	s.Create("msg-1", doubleCmd(), "alice")

	// 50s in: still inside the original window.
	current = current.Add(50 * time.Second)
	if _, err := s.Approve("msg-1", "bob"); err != nil {
		t.Fatal(err)
	}

	// 50s after the first confirmation the original window is long gone,
	// but the re-armed one is not.
	current = current.Add(50 * time.Second)
	p, err := s.Approve("msg-1", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if p.State != StateApproved {
		t.Errorf("state = %s", p.State)
	}
}

func TestLazyExpiry(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	current := time.Now()
	s.now = func() time.Time { return current }

	s.Create("msg-1", singleCmd(), "alice")

	current = current.Add(61 * time.Second)

	p, err := s.Get("msg-1")
	if err != nil {
		t.Fatal(err)
	}
	if p.State != StateExpired {
		t.Errorf("Get after deadline: state = %s, want expired", p.State)
	}

	if _, err := s.Approve("msg-1", "bob"); !errors.Is(err, ErrExpired) {
		t.Errorf("approve after deadline: err = %v, want ErrExpired", err)
	}
}

func TestApprovalResolvableUpToDeadline(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	current := time.Now()
	s.now = func() time.Time { return current }

	s.Create("msg-1", singleCmd(), "alice")

	current = current.Add(59 * time.Second)
	if _, err := s.Approve("msg-1", "bob"); err != nil {
		t.Fatalf("approve just before deadline: %v", err)
	}
}

func TestSweepExpired(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	current := time.Now()
	s.now = func() time.Time { return current }

	s.Create("msg-1", singleCmd(), "alice")
	s.Create("msg-2", singleCmd(), "alice")
	s.Approve("msg-2", "bob")

	current = current.Add(2 * time.Minute)
	expired := s.SweepExpired()
	if len(expired) != 1 {
		t.Fatalf("SweepExpired returned %d entries, want 1", len(expired))
	}
	if expired[0].ID != "msg-1" || expired[0].State != StateExpired {
		t.Errorf("expired entry = %s/%s, want msg-1/%s", expired[0].ID, expired[0].State, StateExpired)
	}

	// Terminal entries older than the retention window get dropped.
	current = current.Add(terminalRetention + time.Minute)
	s.SweepExpired()
	if _, err := s.Get("msg-2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected msg-2 to be purged, err = %v", err)
	}
}

func TestGetUnknownID(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	if _, err := s.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if _, err := s.Approve("nope", "bob"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestPendingListing(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	s.Create("msg-1", singleCmd(), "alice")
	s.Create("msg-2", singleCmd(), "bob")
	s.Reject("msg-2", "bob")

	pending := s.Pending()
	if len(pending) != 1 || pending[0].ID != "msg-1" {
		t.Errorf("Pending() = %+v", pending)
	}
}

// A near-simultaneous approve and reject race: exactly one wins.
func TestConcurrentResolution(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	s.Create("msg-1", singleCmd(), "alice")

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		approve := i%2 == 0
		go func() {
			defer wg.Done()
			var err error
			if approve {
				_, err = s.Approve("msg-1", "bob")
			} else {
				_, err = s.Reject("msg-1", "carol")
			}
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("winners = %d, want exactly 1", wins)
	}
}
