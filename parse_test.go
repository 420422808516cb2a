package crostestutils

import (
	"errors"
	"testing"
)

func TestParsePregeneratedUpdate(t *testing.T) {
	output := "some noise\nPREGENERATED_UPDATE=au/abc123/update.gz\nmore noise\n"
	got, err := ParsePregeneratedUpdate(output)
	if err != nil {
		t.Fatalf("ParsePregeneratedUpdate: %v", err)
	}
	if want := "update/au/abc123"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestParsePregeneratedUpdateBadPath(t *testing.T) {
	_, err := ParsePregeneratedUpdate("PREGENERATED_UPDATE=au/abc123\n")
	var genErr *PayloadGenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("expected *PayloadGenerationError for a path without update.gz, got %v", err)
	}
}

func TestParsePregeneratedUpdateMissingLine(t *testing.T) {
	_, err := ParsePregeneratedUpdate("payload generation log without the marker\n")
	var genErr *PayloadGenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("expected *PayloadGenerationError, got %v", err)
	}
}

func TestParsePassPercent(t *testing.T) {
	output := "running tests\nTotal PASS: 7/10 (70%)\ndone\n"
	percent, err := ParsePassPercent(output)
	if err != nil {
		t.Fatalf("ParsePassPercent: %v", err)
	}
	if percent != 70 {
		t.Fatalf("got %d, want 70", percent)
	}
}

func TestParsePassPercentMissingLine(t *testing.T) {
	_, err := ParsePassPercent("the runner crashed before summarizing\n")
	var parseErr *UnparsableTestOutput
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected *UnparsableTestOutput, got %v", err)
	}
}
