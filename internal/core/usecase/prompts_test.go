package usecase

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestEstimateTokensFloorsAtOne(t *testing.T) {
	if got := EstimateTokens(""); got != 1 {
		t.Fatalf("empty text should estimate 1 token, got %d", got)
	}
	if got := EstimateTokens("  ab  "); got != 1 {
		t.Fatalf("tiny text should estimate 1 token, got %d", got)
	}
	if got := EstimateTokens(strings.Repeat("x", 400)); got != 100 {
		t.Fatalf("expected 100 tokens for 400 chars, got %d", got)
	}
}

func TestBuildStage1MessageEmbedsSourcesAndQuestion(t *testing.T) {
	msg := BuildStage1Message("why did it happen", "RESULT 1: evidence body")
	if !strings.Contains(msg.Text, "STAGE 1: EXTRACT DETAILED CONTEXT FROM WEB SOURCES") {
		t.Fatal("stage-1 header missing")
	}
	if !strings.Contains(msg.Text, "WEB SOURCES - BEGIN") {
		t.Fatal("sources delimiter missing")
	}
	if !strings.Contains(msg.Text, "RESULT 1: evidence body") {
		t.Fatal("sources block missing")
	}
	if !strings.Contains(msg.Text, "QUESTION: why did it happen") {
		t.Fatal("question line missing")
	}
	if msg.EstimatedTokens != EstimateTokens(msg.Text) {
		t.Fatal("token estimate inconsistent with text")
	}
}

func TestBuildStage2MessageSlicesStage1Output(t *testing.T) {
	long := strings.Repeat("a", stage1SliceChars+500)
	msg := BuildStage2Message("q", long, "kb context")
	if strings.Contains(msg.Text, strings.Repeat("a", stage1SliceChars+1)) {
		t.Fatal("stage-1 output not sliced")
	}
	if !strings.Contains(msg.Text, strings.Repeat("a", stage1SliceChars)) {
		t.Fatal("sliced stage-1 output missing")
	}
	if !strings.Contains(msg.Text, "KNOWLEDGE BASE CONTEXT:") {
		t.Fatal("kb section missing")
	}
}

func TestBuildStage2MessageSliceKeepsRunesIntact(t *testing.T) {
	long := "x" + strings.Repeat("日", stage1SliceChars+50)
	msg := BuildStage2Message("q", long, "kb context")
	if !utf8.ValidString(msg.Text) {
		t.Fatal("stage-2 prompt contains invalid UTF-8 after slicing")
	}
	if got := strings.Count(msg.Text, "日"); got != stage1SliceChars-1 {
		t.Fatalf("slice kept %d runes, want %d", got, stage1SliceChars-1)
	}
}

func TestBuildKBOnlyMessageCapKeepsRunesIntact(t *testing.T) {
	long := "x" + strings.Repeat("日", kbContextCap+100)
	got := BuildKBOnlyMessage("q", long)
	if !utf8.ValidString(got) {
		t.Fatal("kb-only prompt contains invalid UTF-8 after capping")
	}
	if n := strings.Count(got, "日"); n != kbContextCap-1 {
		t.Fatalf("cap kept %d runes, want %d", n, kbContextCap-1)
	}
}

func TestBuildKBOnlyMessageCapsContext(t *testing.T) {
	long := strings.Repeat("k", kbContextCap+100)
	got := BuildKBOnlyMessage("q", long)
	if strings.Contains(got, strings.Repeat("k", kbContextCap+1)) {
		t.Fatal("kb context not capped")
	}
	if !strings.Contains(got, "USER QUESTION: q") {
		t.Fatal("question missing")
	}
	if !strings.Contains(got, "ANALOGY") {
		t.Fatal("analogy rule missing")
	}
}
