package texts

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/neurotatarlar/gec-annotation-platform/internal/edits"
)

type recordingMetrics struct {
	nopRecorder
	assignments []string
	released    int64
	completed   []bool
}

func (m *recordingMetrics) AssignmentServed(outcome string) {
	m.assignments = append(m.assignments, outcome)
}

func (m *recordingMetrics) LocksReleased(count int64) {
	m.released += count
}

func (m *recordingMetrics) Submitted(completed bool) {
	m.completed = append(m.completed, completed)
}

func TestNextTextClaimsLowestEligibleText(t *testing.T) {
	metrics := &recordingMetrics{}
	fixture := newTestFixture(t, func(cfg *ServiceConfig) { cfg.Metrics = metrics })
	first := fixture.addText(t, "first text", 1)
	fixture.addText(t, "second text", 1)
	annotator := mustUserID(t, "annotator-1")

	assignment, err := fixture.service.NextText(context.Background(), fixture.category.ID, annotator)
	if err != nil {
		t.Fatalf("unexpected assignment error: %v", err)
	}
	if assignment.Text.ID != first.ID {
		t.Fatalf("expected text %d, got %d", first.ID, assignment.Text.ID)
	}
	if want := fixture.clock.now.Add(DefaultLockTTL); !assignment.LockExpiresAt.Equal(want) {
		t.Fatalf("expected lock expiry %v, got %v", want, assignment.LockExpiresAt)
	}

	stored := fixture.reloadText(t, first.ID)
	if stored.State != TextStateInAnnotation {
		t.Fatalf("expected in_annotation, got %s", stored.State)
	}
	if stored.LockedByID == nil || *stored.LockedByID != annotator.String() || stored.LockedAtSeconds == nil {
		t.Fatalf("expected lock held by annotator, got %#v", stored)
	}
	var task AnnotationTask
	if err := fixture.db.Where("text_id = ? AND annotator_id = ?", first.ID, annotator.String()).Take(&task).Error; err != nil {
		t.Fatalf("expected task row: %v", err)
	}
	if task.Status != TaskStatusInProgress {
		t.Fatalf("expected in_progress task, got %s", task.Status)
	}
	if len(metrics.assignments) != 1 || metrics.assignments[0] != "assigned" {
		t.Fatalf("unexpected assignment metrics: %v", metrics.assignments)
	}
}

func TestNextTextResumesOpenTaskWithAnnotations(t *testing.T) {
	fixture := newTestFixture(t)
	text := fixture.addText(t, "hello world", 1)
	fixture.addText(t, "another one", 1)
	annotator := mustUserID(t, "annotator-1")

	first, err := fixture.service.NextText(context.Background(), fixture.category.ID, annotator)
	if err != nil {
		t.Fatalf("unexpected assignment error: %v", err)
	}
	fixture.save(t, text.ID, annotator, SaveRequest{Items: []edits.Item{replaceItem(0, 0, fixture.spelling.ID, "hi")}})

	fixture.clock.Advance(5 * time.Minute)
	again, err := fixture.service.NextText(context.Background(), fixture.category.ID, annotator)
	if err != nil {
		t.Fatalf("unexpected assignment error: %v", err)
	}
	if again.Text.ID != first.Text.ID {
		t.Fatalf("expected the same text to be served again, got %d", again.Text.ID)
	}
	if len(again.Annotations) != 1 || again.Annotations[0].AuthorID != annotator.String() {
		t.Fatalf("expected the annotator's annotations, got %#v", again.Annotations)
	}
	if *fixture.reloadText(t, text.ID).LockedAtSeconds != fixture.clock.now.Unix() {
		t.Fatalf("expected lock timestamp to be refreshed")
	}
}

func TestNextTextNeverHandsLockedTextToSecondAnnotator(t *testing.T) {
	fixture := newTestFixture(t)
	first := fixture.addText(t, "first text", 2)
	second := fixture.addText(t, "second text", 2)

	a, err := fixture.service.NextText(context.Background(), fixture.category.ID, mustUserID(t, "annotator-a"))
	if err != nil {
		t.Fatalf("unexpected assignment error: %v", err)
	}
	b, err := fixture.service.NextText(context.Background(), fixture.category.ID, mustUserID(t, "annotator-b"))
	if err != nil {
		t.Fatalf("unexpected assignment error: %v", err)
	}
	if a.Text.ID != first.ID || b.Text.ID != second.ID {
		t.Fatalf("expected distinct texts, got %d and %d", a.Text.ID, b.Text.ID)
	}

	_, err = fixture.service.NextText(context.Background(), fixture.category.ID, mustUserID(t, "annotator-c"))
	expectServiceError(t, err, ErrNoTextsAvailable, "texts.next_text.no_texts_available")
}

func TestNextTextReleasesExpiredLocks(t *testing.T) {
	metrics := &recordingMetrics{}
	fixture := newTestFixture(t, func(cfg *ServiceConfig) { cfg.Metrics = metrics })
	text := fixture.addText(t, "only text", 2)

	if _, err := fixture.service.NextText(context.Background(), fixture.category.ID, mustUserID(t, "annotator-a")); err != nil {
		t.Fatalf("unexpected assignment error: %v", err)
	}
	fixture.clock.Advance(DefaultLockTTL + time.Minute)

	b, err := fixture.service.NextText(context.Background(), fixture.category.ID, mustUserID(t, "annotator-b"))
	if err != nil {
		t.Fatalf("expected expired lock to be released, got %v", err)
	}
	if b.Text.ID != text.ID {
		t.Fatalf("expected text %d, got %d", text.ID, b.Text.ID)
	}
	stored := fixture.reloadText(t, text.ID)
	if stored.LockedByID == nil || *stored.LockedByID != "annotator-b" {
		t.Fatalf("expected lock to move to annotator-b, got %#v", stored.LockedByID)
	}
	if metrics.released != 1 {
		t.Fatalf("expected one released lock, got %d", metrics.released)
	}
}

func TestReleaseExpiredLocksSweepsAllCategories(t *testing.T) {
	fixture := newTestFixture(t)
	text := fixture.addText(t, "only text", 2)
	if _, err := fixture.service.NextText(context.Background(), fixture.category.ID, mustUserID(t, "annotator-a")); err != nil {
		t.Fatalf("unexpected assignment error: %v", err)
	}

	released, err := fixture.service.ReleaseExpiredLocks(context.Background())
	if err != nil || released != 0 {
		t.Fatalf("expected a fresh lock to survive, got %d (%v)", released, err)
	}

	fixture.clock.Advance(DefaultLockTTL + time.Second)
	released, err = fixture.service.ReleaseExpiredLocks(context.Background())
	if err != nil || released != 1 {
		t.Fatalf("expected one released lock, got %d (%v)", released, err)
	}
	if stored := fixture.reloadText(t, text.ID); stored.LockedByID != nil || stored.LockedAtSeconds != nil {
		t.Fatalf("expected lock columns to be cleared, got %#v", stored)
	}
}

func TestNextTextRollsBackLostClaim(t *testing.T) {
	fixture := newTestFixture(t)
	text := fixture.addText(t, "contested text", 1)
	annotator := mustUserID(t, "annotator-1")

	fixture.interfereBeforeUpdate(t, "texts",
		func(assignments map[string]any) bool { return assignments["locked_by_id"] != nil },
		"UPDATE texts SET locked_by_id = ?, locked_at_s = ? WHERE id = ?", "annotator-2", fixture.clock.now.Unix(), text.ID)

	_, err := fixture.service.NextText(context.Background(), fixture.category.ID, annotator)
	expectServiceError(t, err, ErrConcurrentUpdate, "texts.next_text.claim_conflict")

	stored := fixture.reloadText(t, text.ID)
	if stored.LockedByID != nil || stored.State != TextStatePending {
		t.Fatalf("expected the claim to roll back, got %#v", stored)
	}
	var tasks int64
	if err := fixture.db.Model(&AnnotationTask{}).Count(&tasks).Error; err != nil {
		t.Fatalf("failed to count tasks: %v", err)
	}
	if tasks != 0 {
		t.Fatalf("expected no task rows, got %d", tasks)
	}
}

func TestNextTextConcurrentAnnotatorsGetDistinctTexts(t *testing.T) {
	fixture := newTestFixture(t)
	const workers = 10
	for index := range workers {
		fixture.addText(t, fmt.Sprintf("text number %d", index), 1)
	}

	assigned := make([]int64, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for index := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			annotator, err := NewUserID(fmt.Sprintf("annotator-%d", index))
			if err != nil {
				errs[index] = err
				return
			}
			assignment, err := fixture.service.NextText(context.Background(), fixture.category.ID, annotator)
			errs[index] = err
			assigned[index] = assignment.Text.ID
		}()
	}
	wg.Wait()

	seen := make(map[int64]int, workers)
	for index := range workers {
		if errs[index] != nil {
			t.Fatalf("annotator %d: unexpected error %v", index, errs[index])
		}
		if previous, ok := seen[assigned[index]]; ok {
			t.Fatalf("annotators %d and %d both received text %d", previous, index, assigned[index])
		}
		seen[assigned[index]] = index
	}
}

func TestNextTextUnknownCategory(t *testing.T) {
	fixture := newTestFixture(t)
	_, err := fixture.service.NextText(context.Background(), 999, mustUserID(t, "annotator-a"))
	expectServiceError(t, err, ErrCategoryNotFound, "texts.next_text.category_not_found")
}

func TestNextTextStopsOfferingCompletedText(t *testing.T) {
	metrics := &recordingMetrics{}
	fixture := newTestFixture(t, func(cfg *ServiceConfig) { cfg.Metrics = metrics })
	text := fixture.addText(t, "only text", 1)
	annotator := mustUserID(t, "annotator-a")

	if _, err := fixture.service.NextText(context.Background(), fixture.category.ID, annotator); err != nil {
		t.Fatalf("unexpected assignment error: %v", err)
	}
	result, err := fixture.service.Submit(context.Background(), text.ID, annotator)
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	if !result.Completed || result.State != TextStateAwaitingCrossValidation {
		t.Fatalf("expected completion, got %#v", result)
	}

	for _, user := range []string{"annotator-a", "annotator-b"} {
		_, err := fixture.service.NextText(context.Background(), fixture.category.ID, mustUserID(t, user))
		expectServiceError(t, err, ErrNoTextsAvailable, "")
	}
	if len(metrics.completed) != 1 || !metrics.completed[0] {
		t.Fatalf("unexpected submit metrics: %v", metrics.completed)
	}
}

func TestNextTextSharedModeKeepsTextCirculating(t *testing.T) {
	for _, testCase := range []struct {
		name      string
		options   []fixtureOption
		expectHit bool
	}{
		{name: "exclusive", expectHit: false},
		{name: "shared", options: []fixtureOption{withSharedTexts()}, expectHit: true},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			fixture := newTestFixture(t, testCase.options...)
			text := fixture.addText(t, "only text", 2)
			first := mustUserID(t, "annotator-a")

			if _, err := fixture.service.NextText(context.Background(), fixture.category.ID, first); err != nil {
				t.Fatalf("unexpected assignment error: %v", err)
			}
			result, err := fixture.service.Submit(context.Background(), text.ID, first)
			if err != nil {
				t.Fatalf("unexpected submit error: %v", err)
			}
			if result.Completed || result.State != TextStatePending {
				t.Fatalf("expected text back in the pool, got %#v", result)
			}

			assignment, err := fixture.service.NextText(context.Background(), fixture.category.ID, mustUserID(t, "annotator-b"))
			if testCase.expectHit {
				if err != nil || assignment.Text.ID != text.ID {
					t.Fatalf("expected text %d for the second annotator, got %v (%v)", text.ID, assignment.Text.ID, err)
				}
				return
			}
			expectServiceError(t, err, ErrNoTextsAvailable, "")
		})
	}
}
