package consensus

import (
	"fmt"
	"strings"
	"time"
)

// Challenge framings, rotated round-robin across challengers.
const (
	FramingFlaw           = "flaw"
	FramingAlternative    = "alternative"
	FramingRisk           = "risk"
	FramingDevilsAdvocate = "devils-advocate"
)

// Proposer selection strategies.
const (
	ProposerTopCost    = "top-cost"
	ProposerRoundRobin = "round-robin"
	ProposerFixed      = "fixed"
)

// DefaultFramings is the full rotation in its canonical order.
var DefaultFramings = []string{FramingFlaw, FramingAlternative, FramingRisk, FramingDevilsAdvocate}

// systemPreamble grounds every prompt in the current date so models do not
// answer from a stale sense of "now".
func systemPreamble(now time.Time) string {
	return fmt.Sprintf("Today's date is %s. Answer with current knowledge and flag anything that may have changed since your training data.", now.Format("2006-01-02"))
}

func proposeSystem(now time.Time) string {
	return systemPreamble(now) + "\n\n" +
		"You are a senior expert advisor. Give your single best, complete answer to the question. " +
		"Commit to concrete recommendations; do not hedge with menus of options."
}

// proposeUser builds the user message for the PROPOSE phase. On rounds after
// the first, the previous decision and its challenges are included so the
// proposer can improve on them.
func proposeUser(question string, prev *RoundRecord) string {
	var b strings.Builder
	b.WriteString(question)
	if prev != nil {
		b.WriteString("\n\nYour previous answer was:\n\n")
		b.WriteString(prev.Decision)
		b.WriteString("\n\nIt drew the following criticism:\n")
		for _, ch := range prev.Challenges {
			fmt.Fprintf(&b, "\n- [%s] %s", ch.ModelRef, ch.Content)
		}
		b.WriteString("\n\nProduce an improved answer that addresses the criticism where it is right and stands firm where it is wrong.")
	}
	return b.String()
}

func challengeSystem(now time.Time) string {
	return systemPreamble(now) + "\n\n" +
		"You are a critical reviewer on an expert panel. Your job is to disagree productively. " +
		"Do not start with praise. Find at least one substantive disagreement with the proposal."
}

var framingInstructions = map[string]string{
	FramingFlaw:           "Identify the most serious flaw in the proposal's reasoning or facts, and explain why it matters.",
	FramingAlternative:    "If the proposal recommends X, argue for a concrete alternative to X and when it is superior.",
	FramingRisk:           "Identify the biggest risk or failure mode the proposal ignores, and what it would cost.",
	FramingDevilsAdvocate: "Take the strongest opposing position you can defend, even if you partially agree with the proposal.",
}

// challengeUser builds the user message for one challenger with its assigned
// framing.
func challengeUser(question, proposal, framing string) string {
	instr := framingInstructions[framing]
	if instr == "" {
		instr = framingInstructions[FramingFlaw]
	}
	return fmt.Sprintf("Question:\n%s\n\nProposal under review:\n%s\n\n%s\nDo not start with praise. Find at least one substantive disagreement; if the proposal recommends something, argue for an alternative.", question, proposal, instr)
}

func reviseSystem(now time.Time) string {
	return systemPreamble(now) + "\n\n" +
		"You are revising your own expert answer after panel review. Produce a final, standalone answer. " +
		"Never mention the review process, the panel, or that this is a revision."
}

// reviseUser builds the user message for the REVISE phase: the original
// proposal plus every challenge with attribution.
func reviseUser(question, proposal string, challenges []Challenge) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question:\n%s\n\nYour original answer:\n%s\n\nPanel criticism:\n", question, proposal)
	for _, ch := range challenges {
		fmt.Fprintf(&b, "\n[%s] %s\n", ch.ModelRef, ch.Content)
	}
	b.WriteString("\nAddress each criticism directly: retain what you had right, incorporate genuinely better alternatives, and push back with an explanation where a criticism is wrong. Output only the final answer.")
	return b.String()
}

// decomposeSystem asks for a strict-JSON subtask plan.
func decomposeSystem(now time.Time, minSubtasks, maxSubtasks int) string {
	return systemPreamble(now) + "\n\n" + fmt.Sprintf(
		"Split the user's question into %d-%d subtasks forming a dependency graph. "+
			"Respond with a JSON object only, shaped as "+
			`{"subtasks":[{"label":"A","description":"...","depends_on":[]}]}. `+
			"Labels are short unique identifiers; depends_on lists labels of prerequisite subtasks; the graph must be acyclic.",
		minSubtasks, maxSubtasks)
}

// Synthesis strategies for decomposition runs.
const (
	SynthesisMerge      = "merge"
	SynthesisPrioritize = "prioritize"
)

func synthesisSystem(strategy string) string {
	switch strategy {
	case SynthesisPrioritize:
		return "Combine the subtask results below into one answer to the original question. Each result carries a rigor score; weight higher-rigor results more heavily and resolve conflicts in their favor. Output only the final answer."
	default:
		return "Combine the subtask results below into one coherent answer to the original question. Remove duplication, keep every substantive point. Output only the final answer."
	}
}

func synthesisUser(question string, results []subtaskResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original question:\n%s\n\nSubtask results:\n", question)
	for _, r := range results {
		fmt.Fprintf(&b, "\n[%s] %s (rigor %.2f, confidence %.2f)\n%s\n", r.label, r.description, r.rigor, r.confidence, r.result)
	}
	return b.String()
}

// subtaskQuestion frames one subtask as a standalone question carrying its
// completed dependency outputs.
func subtaskQuestion(original string, description string, deps map[string]string, depOrder []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "As part of answering the larger question %q, address this subtask:\n\n%s", original, description)
	if len(depOrder) > 0 {
		b.WriteString("\n\nCompleted prerequisite work:\n")
		for _, label := range depOrder {
			fmt.Fprintf(&b, "\n[%s]\n%s\n", label, deps[label])
		}
	}
	return b.String()
}

// summarySystem asks for a terse factual digest.
func summarySystem() string {
	return "Summarize the following debate record in at most 120 words. Keep the committed decision, the strongest dissent, and the cost. No preamble."
}
