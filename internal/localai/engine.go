// Package localai is the network-free fallback ("Lion Cub"). It renders
// labeled templates from the input text and never fails.
package localai

import (
	"bytes"
	"context"
	"regexp"
	"strings"
	"text/template"
	"time"
	"unicode/utf8"
)

const DefaultDelay = 1500 * time.Millisecond

// Markers open every local answer so users can tell it from a remote one.
const (
	MarkerTender  = "[MODE HORS LIGNE - MODÈLE LOCAL V2.5 - LION CUB]"
	MarkerPodcast = "[MODE HORS LIGNE - SCRIPT GENERATOR LOCAL]"
	MarkerSummary = `[RÉSUMÉ LOCAL - ZÉRO DATA - MOTEUR "LION CUB"]`
	MarkerPitch   = "[MODE HORS LIGNE - PITCH GENERATOR]"
	MarkerChat    = "[🦁 LION CUB LOCAL]"
)

const safeAnswer = MarkerChat + " : Je suis en mode autonomie. Réessayez lorsque la connexion sera rétablie."

var (
	btpKeywords     = []string{"béton", "route", "construction", "btp", "chantier"}
	serviceKeywords = []string{"formation", "consulting", "étude", "logiciel"}
	urgentKeywords  = []string{"urgent", "aide", "panne"}
	riskTerms       = regexp.MustCompile(`(?i)caution|garantie|pénalité`)
)

type Engine struct {
	delay     time.Duration
	templates map[Task]*template.Template
}

func New(delay time.Duration) *Engine {
	if delay < 0 {
		delay = 0
	}
	funcs := template.FuncMap{"preview": preview}
	tpls := make(map[Task]*template.Template, len(templateText))
	for task, text := range templateText {
		tpls[task] = template.Must(template.New(task.String()).Funcs(funcs).Parse(text))
	}
	return &Engine{delay: delay, templates: tpls}
}

// Process waits the artificial delay, then renders the template for task.
// A cancelled ctx only shortens the wait.
func (e *Engine) Process(ctx context.Context, input string, task Task) string {
	if e.delay > 0 {
		t := time.NewTimer(e.delay)
		select {
		case <-ctx.Done():
		case <-t.C:
		}
		t.Stop()
	}
	return e.Render(input, task)
}

// Render produces the answer without the delay.
func (e *Engine) Render(input string, task Task) (out string) {
	defer func() {
		if r := recover(); r != nil || strings.TrimSpace(out) == "" {
			out = safeAnswer
		}
	}()

	tpl, ok := e.templates[task]
	if !ok {
		tpl = e.templates[TaskChat]
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, newView(input)); err != nil {
		return safeAnswer
	}
	return buf.String()
}

type view struct {
	Input       string
	Chars       int
	Words       int
	Category    string
	RiskTerms   string
	Urgent      bool
	UrgentTerms string
}

func newView(input string) view {
	lower := strings.ToLower(input)
	v := view{
		Input: input,
		Chars: utf8.RuneCountInString(input),
		Words: len(strings.Fields(input)),
	}

	switch {
	case containsAny(lower, btpKeywords):
		v.Category = "Marché de Travaux (BTP)"
	case containsAny(lower, serviceKeywords):
		v.Category = "Prestation Intellectuelle"
	default:
		v.Category = "Fournitures Générales"
	}

	if found := riskTerms.FindAllString(input, -1); len(found) > 0 {
		v.RiskTerms = strings.Join(found, ", ")
	} else {
		v.RiskTerms = "Aucun terme critique évident"
	}

	var urgent []string
	for _, w := range urgentKeywords {
		if strings.Contains(lower, w) {
			urgent = append(urgent, w)
		}
	}
	v.Urgent = len(urgent) > 0
	v.UrgentTerms = strings.Join(urgent, ", ")
	return v
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// preview cuts s to n runes, adding "..." when something was cut.
func preview(n int, s string) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}
