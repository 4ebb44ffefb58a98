package storage

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func createTestSession(t *testing.T, s *Store, id string) {
	t.Helper()
	err := s.CreateSession(ctx(), Session{ID: id, ScenarioID: "sc-1", StudentID: "stu-1"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
}

func TestCreateAndGetSession(t *testing.T) {
	s := openTestStore(t)

	err := s.CreateSession(ctx(), Session{ID: "s1", ScenarioID: "sc-1", StudentID: "stu-1", TrainingContextID: "cohort-a"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	got, err := s.GetSession(ctx(), "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != StatusInProgress {
		t.Errorf("Status = %q, want %q", got.Status, StatusInProgress)
	}
	if got.TrainingContextID != "cohort-a" {
		t.Errorf("TrainingContextID = %q, want %q", got.TrainingContextID, "cohort-a")
	}
	if got.StartTime.IsZero() {
		t.Error("StartTime is zero")
	}
	if !got.EndTime.IsZero() {
		t.Errorf("EndTime = %v, want zero while in progress", got.EndTime)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.GetSession(ctx(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateSessionStatus_ForwardOnly(t *testing.T) {
	s := openTestStore(t)
	createTestSession(t, s, "s1")

	end := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	changed, err := s.UpdateSessionStatus(ctx(), "s1", StatusCompleted, end)
	if err != nil {
		t.Fatalf("UpdateSessionStatus: %v", err)
	}
	if !changed {
		t.Fatal("first transition reported no change")
	}

	changed, err = s.UpdateSessionStatus(ctx(), "s1", StatusFailed, end.Add(time.Hour))
	if err != nil {
		t.Fatalf("second UpdateSessionStatus: %v", err)
	}
	if changed {
		t.Error("terminal session was changed again")
	}

	got, err := s.GetSession(ctx(), "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("Status = %q, want %q", got.Status, StatusCompleted)
	}
	if !got.EndTime.Equal(end) {
		t.Errorf("EndTime = %v, want %v", got.EndTime, end)
	}
}

func TestUpdateSessionStatus_NotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.UpdateSessionStatus(ctx(), "ghost", StatusCompleted, time.Now())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateSessionStatus_RejectsInProgress(t *testing.T) {
	s := openTestStore(t)
	createTestSession(t, s, "s1")

	if _, err := s.UpdateSessionStatus(ctx(), "s1", StatusInProgress, time.Now()); err == nil {
		t.Error("expected error for non-terminal status")
	}
}

func TestListSessionsByStudent(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		err := s.CreateSession(ctx(), Session{
			ID: fmt.Sprintf("s%d", i), ScenarioID: "sc-1", StudentID: "stu-1",
			StartTime: base.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
	}
	if err := s.CreateSession(ctx(), Session{ID: "other", ScenarioID: "sc-1", StudentID: "stu-2"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	got, err := s.ListSessionsByStudent(ctx(), "stu-1", 10)
	if err != nil {
		t.Fatalf("ListSessionsByStudent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].ID != "s2" {
		t.Errorf("first = %q, want newest s2", got[0].ID)
	}
}

func TestAppendMessages_OrderedAndImmutable(t *testing.T) {
	s := openTestStore(t)
	createTestSession(t, s, "s1")
	s.now = fixedClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	first, err := s.AppendMessages(ctx(), "s1", []Message{
		{Role: RoleUser, Content: "Hello, what brings you in?"},
		{Role: RoleAssistant, Content: "My chest hurts."},
	})
	if err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}
	if len(first) != 2 || first[0].Seq != 1 || first[1].Seq != 2 {
		t.Fatalf("unexpected sequences: %+v", first)
	}

	if _, err := s.AppendMessages(ctx(), "s1", []Message{
		{Role: RoleSystem, Content: "note"},
		{Role: RoleUser, Content: "Since when?"},
		{Role: RoleAssistant, Content: "Two weeks."},
	}); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}

	list1, err := s.ListMessages(ctx(), "s1")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(list1) != 5 {
		t.Fatalf("len = %d, want 5", len(list1))
	}
	for i := 1; i < len(list1); i++ {
		if list1[i].Seq != list1[i-1].Seq+1 {
			t.Errorf("seq gap at %d: %d after %d", i, list1[i].Seq, list1[i-1].Seq)
		}
		if !list1[i].CreatedAt.After(list1[i-1].CreatedAt) {
			t.Errorf("timestamps not strictly increasing at %d: %v <= %v", i, list1[i].CreatedAt, list1[i-1].CreatedAt)
		}
	}

	list2, err := s.ListMessages(ctx(), "s1")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	for i := range list1 {
		if list1[i] != list2[i] {
			t.Errorf("message %d changed between reads: %+v vs %+v", i, list1[i], list2[i])
		}
	}
}

func TestAppendMessages_SessionsIndependent(t *testing.T) {
	s := openTestStore(t)
	createTestSession(t, s, "a")
	createTestSession(t, s, "b")

	if _, err := s.AppendMessages(ctx(), "a", []Message{{Role: RoleUser, Content: "a1"}}); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}
	got, err := s.AppendMessages(ctx(), "b", []Message{{Role: RoleUser, Content: "b1"}})
	if err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}
	if got[0].Seq != 1 {
		t.Errorf("Seq = %d, want 1 for a fresh session", got[0].Seq)
	}
}

func TestAppendMessages_ClosedSession(t *testing.T) {
	s := openTestStore(t)
	createTestSession(t, s, "s1")

	if _, err := s.UpdateSessionStatus(ctx(), "s1", StatusCompleted, time.Now()); err != nil {
		t.Fatalf("UpdateSessionStatus: %v", err)
	}

	_, err := s.AppendMessages(ctx(), "s1", []Message{
		{Role: RoleUser, Content: "Are you still there?"},
		{Role: RoleAssistant, Content: "Yes."},
	})
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("err = %v, want ErrSessionClosed", err)
	}

	msgs, err := s.ListMessages(ctx(), "s1")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("len = %d, want 0 after rejected append", len(msgs))
	}
}

func TestAppendMessages_UnknownSession(t *testing.T) {
	s := openTestStore(t)

	_, err := s.AppendMessages(ctx(), "ghost", []Message{{Role: RoleUser, Content: "hi"}})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAppendMessages_Empty(t *testing.T) {
	s := openTestStore(t)

	got, err := s.AppendMessages(ctx(), "s1", nil)
	if err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("len = %d, want 0", len(got))
	}
}

func TestAppendMessages_ConcurrentKeepsSequence(t *testing.T) {
	s := openTestStore(t)
	createTestSession(t, s, "s1")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.AppendMessages(ctx(), "s1", []Message{
				{Role: RoleUser, Content: fmt.Sprintf("q%d", i)},
				{Role: RoleAssistant, Content: fmt.Sprintf("a%d", i)},
			})
			if err != nil {
				t.Errorf("AppendMessages: %v", err)
			}
		}(i)
	}
	wg.Wait()

	msgs, err := s.ListMessages(ctx(), "s1")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 20 {
		t.Fatalf("len = %d, want 20", len(msgs))
	}
	for i := 0; i < len(msgs); i += 2 {
		if msgs[i].Role != RoleUser || msgs[i+1].Role != RoleAssistant {
			t.Fatalf("pair at %d interleaved: %s/%s", i, msgs[i].Role, msgs[i+1].Role)
		}
		if msgs[i].Content[1:] != msgs[i+1].Content[1:] {
			t.Errorf("pair at %d split: %q / %q", i, msgs[i].Content, msgs[i+1].Content)
		}
	}
}
