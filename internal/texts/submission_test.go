package texts

import (
	"context"
	"testing"

	"github.com/neurotatarlar/gec-annotation-platform/internal/edits"
)

func TestSubmitWithoutEditsRecordsNoop(t *testing.T) {
	fixture := newTestFixture(t)
	text := fixture.addText(t, "hello world", 1)
	annotator := mustUserID(t, "annotator-a")

	if _, err := fixture.service.NextText(context.Background(), fixture.category.ID, annotator); err != nil {
		t.Fatalf("unexpected assignment error: %v", err)
	}
	if _, err := fixture.service.Submit(context.Background(), text.ID, annotator); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	annotations := fixture.annotationsOf(t, text.ID)
	if len(annotations) != 1 {
		t.Fatalf("expected a noop annotation, got %d", len(annotations))
	}
	noop := annotations[0]
	if noop.StartToken != edits.NoopSentinel || noop.EndToken != edits.NoopSentinel {
		t.Fatalf("expected sentinel span, got [%d,%d]", noop.StartToken, noop.EndToken)
	}
	if noop.Payload.Operation != edits.OperationNoop || noop.Payload.Source != "manual" {
		t.Fatalf("unexpected noop payload: %#v", noop.Payload)
	}
	if got := noop.Payload.TextTokens; len(got) != 2 || got[1] != "world" {
		t.Fatalf("expected token snapshot, got %v", got)
	}
	var errorType ErrorType
	if err := fixture.db.Where("id = ?", noop.ErrorTypeID).Take(&errorType).Error; err != nil {
		t.Fatalf("expected noop error type: %v", err)
	}
	if errorType.ENName != "noop" {
		t.Fatalf("unexpected error type %q", errorType.ENName)
	}
	if len(fixture.versionsOf(t, noop.ID)) != 1 {
		t.Fatalf("expected a version snapshot for the noop")
	}

	stored := fixture.reloadText(t, text.ID)
	if stored.State != TextStateAwaitingCrossValidation || stored.LockedByID != nil || stored.LockedAtSeconds != nil {
		t.Fatalf("unexpected text after submit: %#v", stored)
	}
	status, err := fixture.service.CrossValidationStatus(context.Background(), text.ID)
	if err != nil {
		t.Fatalf("unexpected cross validation error: %v", err)
	}
	if status.Status != CrossValidationPending || string(status.Result) != "{}" {
		t.Fatalf("expected armed cross validation, got %#v", status)
	}
}

func TestSubmitBelowThresholdReturnsTextToPool(t *testing.T) {
	fixture := newTestFixture(t)
	text := fixture.addText(t, "hello world", 2)
	annotator := mustUserID(t, "annotator-a")

	if err := fixture.service.Flag(context.Background(), text.ID, annotator, FlagTypeSkip, nil); err != nil {
		t.Fatalf("unexpected flag error: %v", err)
	}
	fixture.save(t, text.ID, annotator, SaveRequest{Items: []edits.Item{replaceItem(0, 0, fixture.spelling.ID, "hi")}})
	result, err := fixture.service.Submit(context.Background(), text.ID, annotator)
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	if result.Completed || result.State != TextStatePending {
		t.Fatalf("expected pending text, got %#v", result)
	}

	var flags int64
	fixture.db.Model(&TextFlag{}).Where("text_id = ?", text.ID).Count(&flags)
	if flags != 0 {
		t.Fatalf("expected submit to clear the annotator's flags, got %d", flags)
	}
	if got := fixture.annotationsOf(t, text.ID); len(got) != 1 || got[0].Payload.Operation != edits.OperationReplace {
		t.Fatalf("expected no extra noop when edits exist, got %#v", got)
	}
	status, err := fixture.service.CrossValidationStatus(context.Background(), text.ID)
	if err != nil {
		t.Fatalf("unexpected cross validation error: %v", err)
	}
	if status.Status != CrossValidationNotStarted {
		t.Fatalf("expected not_started, got %s", status.Status)
	}
}

func TestSubmitUnknownText(t *testing.T) {
	fixture := newTestFixture(t)
	_, err := fixture.service.Submit(context.Background(), 77, mustUserID(t, "annotator-a"))
	expectServiceError(t, err, ErrTextNotFound, "texts.submit.text_not_found")
}

func TestResubmissionRearmsCrossValidation(t *testing.T) {
	fixture := newTestFixture(t)
	text := fixture.addText(t, "hello world", 1)
	annotator := mustUserID(t, "annotator-a")

	if _, err := fixture.service.Submit(context.Background(), text.ID, annotator); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	if err := fixture.db.Model(&CrossValidationResult{}).Where("text_id = ?", text.ID).
		Updates(map[string]any{"status": "done", "result": `{"score":1}`}).Error; err != nil {
		t.Fatalf("failed to update cross validation: %v", err)
	}
	if _, err := fixture.service.Submit(context.Background(), text.ID, annotator); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	var rows []CrossValidationResult
	fixture.db.Where("text_id = ?", text.ID).Find(&rows)
	if len(rows) != 1 || rows[0].Status != CrossValidationPending || string(rows[0].Result) != "{}" {
		t.Fatalf("expected a single re-armed row, got %#v", rows)
	}
}
