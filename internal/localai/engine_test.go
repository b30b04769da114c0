package localai

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestParseTask(t *testing.T) {
	cases := map[string]Task{
		"DAO":     TaskTender,
		"podcast": TaskPodcast,
		" PITCH ": TaskPitch,
		"SUMMARY": TaskSummary,
		"CHAT":    TaskChat,
		"DA0":     TaskChat,
		"":        TaskChat,
	}
	for in, want := range cases {
		if got := ParseTask(in); got != want {
			t.Fatalf("ParseTask(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRenderAlwaysLabeled(t *testing.T) {
	e := New(0)
	markers := map[Task]string{
		TaskTender:  MarkerTender,
		TaskPodcast: MarkerPodcast,
		TaskSummary: MarkerSummary,
		TaskPitch:   MarkerPitch,
		TaskChat:    MarkerChat,
	}
	for _, input := range []string{"", "a", "Marché de construction de route", strings.Repeat("é", 500)} {
		for task, marker := range markers {
			out := e.Render(input, task)
			if !strings.HasPrefix(out, marker) {
				t.Fatalf("task %v input %q: missing marker, got %q", task, input, out)
			}
		}
	}
	if out := e.Render("x", Task(99)); !strings.HasPrefix(out, MarkerChat) {
		t.Fatalf("unknown task should use chat template, got %q", out)
	}
}

func TestTenderKeywordBranches(t *testing.T) {
	e := New(0)

	out := e.Render("Marché de construction de route", TaskTender)
	if !strings.Contains(out, "Marché de Travaux (BTP)") {
		t.Fatalf("expected BTP classification, got %q", out)
	}
	if !strings.Contains(out, "Conformité") || !strings.Contains(out, "Pièces Administratives") {
		t.Fatalf("expected conformity language, got %q", out)
	}

	out = e.Render("Formation des agents, caution de 5%, Garantie bancaire", TaskTender)
	if !strings.Contains(out, "Prestation Intellectuelle") {
		t.Fatalf("expected service classification, got %q", out)
	}
	if !strings.Contains(out, "caution, Garantie") {
		t.Fatalf("expected detected risk terms, got %q", out)
	}

	out = e.Render("Achat de fournitures", TaskTender)
	if !strings.Contains(out, "Fournitures Générales") || !strings.Contains(out, "Aucun terme critique évident") {
		t.Fatalf("expected default branch, got %q", out)
	}
}

func TestPodcastEchoesLength(t *testing.T) {
	out := New(0).Render("0123456789", TaskPodcast)
	if !strings.Contains(out, "(10 caractères)") {
		t.Fatalf("expected input length echo, got %q", out)
	}
	long := New(0).Render(strings.Repeat("a", 40), TaskPodcast)
	if !strings.Contains(long, strings.Repeat("a", 30)+"...") {
		t.Fatalf("expected topic preview, got %q", long)
	}
}

func TestChatStatistics(t *testing.T) {
	out := New(0).Render("Aide urgent svp", TaskChat)
	if !strings.Contains(out, "(3)") || !strings.Contains(out, "(15)") {
		t.Fatalf("expected word and char counts, got %q", out)
	}
	if !strings.Contains(out, "urgent, aide") {
		t.Fatalf("expected urgency detection, got %q", out)
	}
}

func TestProcessHonoursDelayAndCancel(t *testing.T) {
	e := New(50 * time.Millisecond)
	start := time.Now()
	if out := e.Process(context.Background(), "x", TaskSummary); out == "" {
		t.Fatalf("expected output")
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatalf("expected artificial delay")
	}

	slow := New(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if out := slow.Process(ctx, "x", TaskChat); !strings.HasPrefix(out, MarkerChat) {
		t.Fatalf("cancelled context must still produce output, got %q", out)
	}
}
