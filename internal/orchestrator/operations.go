package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"clarity/internal/localai"
	"clarity/internal/providers"
)

type Audience string

const (
	AudienceStudent Audience = "STUDENT"
	AudienceTutor   Audience = "TUTOR"
)

const (
	chatPersona  = "Tu es Yann, le Lion de la Clarté. Expert Camerounais."
	tenderPrompt = `En tant qu'expert en marchés publics au Cameroun (Code des Marchés Publics), analyse ce DAO.
STRUCTURE REQUISE :
1. **📋 Pièces Administratives (Checklist)** : Liste à puces des documents.
2. **⚠️ Points de Vigilance** : Pénalités, délais, critères éliminatoires.
3. **💡 Stratégie Gagnante** : Comment se différencier.

Texte : %s`
)

// generate builds a RemoteCall against the configured text provider.
func (o *Orchestrator) generate(req providers.GenerateRequest) RemoteCall {
	if o.text == nil {
		return nil
	}
	return func(ctx context.Context) (providers.GenerateResponse, error) {
		return o.text.Generate(ctx, req)
	}
}

func (o *Orchestrator) AnalyzeTender(ctx context.Context, tenderText string) Result {
	return o.Orchestrate(ctx, o.generate(providers.GenerateRequest{
		Model:  o.models.Pro,
		Prompt: fmt.Sprintf(tenderPrompt, tenderText),
	}), localai.TaskTender, tenderText)
}

func (o *Orchestrator) GeneratePitchDeck(ctx context.Context, notes string) Result {
	return o.Orchestrate(ctx, o.generate(providers.GenerateRequest{
		Model:  o.models.Pro,
		Prompt: "Transforme ces notes en Pitch Deck Pro (10 slides) pour investisseurs.\nNotes : " + notes,
	}), localai.TaskPitch, notes)
}

func (o *Orchestrator) GeneratePodcastScript(ctx context.Context, sourceText string, audience Audience) Result {
	tone := "Étudiant"
	if audience == AudienceTutor {
		tone = "Enseignant"
	}
	return o.Orchestrate(ctx, o.generate(providers.GenerateRequest{
		Model:  o.models.Flash,
		Prompt: fmt.Sprintf("Script podcast (15 min) étudiant. Résume : %s. Ton: %s.", sourceText, tone),
	}), localai.TaskPodcast, sourceText)
}

func (o *Orchestrator) DeepAnalysis(ctx context.Context, input, background, learningStyle string) Result {
	var b strings.Builder
	fmt.Fprintf(&b, "Contexte: %s. Question: %s.", background, input)
	if s := strings.TrimSpace(learningStyle); s != "" {
		fmt.Fprintf(&b, " Style: %s.", s)
	}
	b.WriteString(" Markdown clair.")
	return o.Orchestrate(ctx, o.generate(providers.GenerateRequest{
		Model:  o.models.Pro,
		Prompt: b.String(),
	}), localai.TaskSummary, input)
}

// BrainAgent answers query grounded on document.
func (o *Orchestrator) BrainAgent(ctx context.Context, document, query string, history []providers.Turn, fast bool) Result {
	model := o.models.Pro
	if fast {
		model = o.models.Flash
	}
	return o.Orchestrate(ctx, o.generate(providers.GenerateRequest{
		Model:        model,
		SystemPrompt: "Context:\n" + document + "\nAnswer based on this.",
		Prompt:       query,
		History:      history,
	}), localai.TaskChat, query)
}

// Chat is one conversational turn. Each turn picks remote or local on its own.
func (o *Orchestrator) Chat(ctx context.Context, message string, history []providers.Turn) Result {
	return o.Orchestrate(ctx, o.generate(providers.GenerateRequest{
		Model:        o.models.Pro,
		SystemPrompt: chatPersona,
		Prompt:       message,
		History:      history,
	}), localai.TaskChat, message)
}
