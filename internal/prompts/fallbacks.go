package prompts

import (
	"fmt"
	"sort"
	"strings"
)

// Template keys used by the onboarding components.
const (
	KeyDiscoveryStep    = "discovery-step"
	KeyAffirmationBatch = "affirmation-batch"
	KeyChatTurn         = "chat-turn"
)

// FallbackFunc builds a prompt without a template.
type FallbackFunc func(vars Vars) string

func defaultFallbacks() map[string]FallbackFunc {
	return map[string]FallbackFunc{
		KeyDiscoveryStep:    discoveryStepFallback,
		KeyAffirmationBatch: affirmationBatchFallback,
		KeyChatTurn:         chatTurnFallback,
	}
}

func writeExchanges(b *strings.Builder, exchanges []map[string]any) {
	if len(exchanges) == 0 {
		b.WriteString("No questions have been answered yet.\n")
		return
	}
	b.WriteString("Conversation so far:\n")
	for i, e := range exchanges {
		fmt.Fprintf(b, "%d. Q: %v\n   A: %v\n", i+1, e["question"], e["answer"])
	}
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	b.WriteString(title)
	b.WriteString("\n")
	for _, it := range items {
		b.WriteString("- ")
		b.WriteString(it)
		b.WriteString("\n")
	}
}

func discoveryStepFallback(v Vars) string {
	var b strings.Builder
	b.WriteString("You are a warm guide helping ")
	b.WriteString(v.String("name"))
	b.WriteString(" reflect before writing personal affirmations.\n")
	if f := v.String("familiarity"); f != "" {
		fmt.Fprintf(&b, "Their familiarity with affirmations: %s.\n", f)
	}
	writeExchanges(&b, v.Maps("exchanges"))
	if focus := v.String("focus"); focus != "" {
		fmt.Fprintf(&b, "Focus for the next question: %s\n", focus)
	}
	fmt.Fprintf(&b, "This is step %d. Ask between %d and %d questions in total.\n",
		v.Int("stepNumber"), v.Int("minExchanges"), v.Int("maxExchanges"))

	field := "Fragments"
	if v.String("suggestionStyle") == "chips" {
		field = "Chips"
	}
	b.WriteString("Ask one short follow-up question. Offer 3 initial and ")
	fmt.Fprintf(&b, "%d expanded suggestions the user can tap", v.Int("expandedCount"))
	if field == "Fragments" {
		b.WriteString("; fragments are unfinished sentence starters ending in \"...\"")
	}
	b.WriteString(".\n")
	b.WriteString("Respond with JSON only:\n")
	fmt.Fprintf(&b, `{"question": string, "initial%s": string[], "expanded%s": string[], "readyForAffirmations": boolean`, field, field)
	if v.Bool("skippable") {
		b.WriteString(`, "skip": boolean`)
	}
	b.WriteString("}\n")
	return b.String()
}

func affirmationBatchFallback(v Vars) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write %d short first-person affirmations for %s.\n", v.Int("count"), v.String("name"))
	if f := v.String("familiarity"); f != "" {
		fmt.Fprintf(&b, "Their familiarity with affirmations: %s.\n", f)
	}
	writeExchanges(&b, v.Maps("exchanges"))

	approved := v.Strings("approved")
	discarded := v.Strings("discarded")
	if len(approved) > 0 || len(discarded) > 0 {
		b.WriteString("Use their feedback from earlier batches.\n")
		writeList(&b, "They loved these, so match this style:", approved)
		writeList(&b, "They skipped these, so steer away from this style:", discarded)
	}
	writeList(&b, "Never repeat any of these already shown affirmations:", v.Strings("previouslyShown"))

	b.WriteString("Each affirmation is one sentence under 20 words, in present tense.\n")
	b.WriteString(`Respond with JSON only: {"affirmations": string[]}`)
	b.WriteString("\n")
	return b.String()
}

func chatTurnFallback(v Vars) string {
	var b strings.Builder
	b.WriteString("You are having a short, kind conversation with ")
	b.WriteString(v.String("name"))
	b.WriteString(" to learn what they want affirmations about.\n")
	history := v.Maps("history")
	if len(history) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, m := range history {
			fmt.Fprintf(&b, "%v: %v\n", m["role"], m["content"])
		}
	}
	fmt.Fprintf(&b, "This is turn %d of at most %d. You need at least %d turns before you are ready.\n",
		v.Int("turnNumber"), v.Int("maxTurns"), v.Int("minTurns"))
	b.WriteString("Reply with one short message and up to 4 suggested responses the user could tap.\n")
	b.WriteString(`Respond with JSON only: {"message": string, "suggestedResponses": string[], "readyForAffirmations": boolean}`)
	b.WriteString("\n")
	return b.String()
}

// genericFallback is used for keys without a registered builder.
func genericFallback(key string, v Vars) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", key)
	names := make([]string, 0, len(v))
	for k := range v {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		fmt.Fprintf(&b, "%s: %v\n", k, v[k])
	}
	return b.String()
}
