package provider

import (
	"fmt"
	"strings"
)

// extractTasksPrompt asks for a JSON array of task descriptions covering
// what the agent was asked to do across the examples.
func extractTasksPrompt(examples []LabeledExample) string {
	var b strings.Builder
	b.WriteString("You are analyzing interaction traces from an AI agent to identify the distinct tasks the agent performs.\n\n")
	b.WriteString("Below are labeled traces. A positive label means a human judged the agent's output good; negative means bad.\n\n")
	writeExamples(&b, examples)
	b.WriteString("\nList the distinct tasks the agent is expected to perform, as short imperative descriptions.\n")
	b.WriteString("Respond with ONLY a JSON array of strings, for example: [\"summarize support tickets\", \"draft replies\"].\n")
	return b.String()
}

// variationInstructions maps each strategy tag to the prompt fragment
// that differentiates it from the baseline.
var variationInstructions = map[string]string{
	"baseline":    "Write a balanced eval that checks the output fulfills the task.",
	"strict":      "Be strict: the eval should fail the trace on any factual error, omission, or deviation from the task, even a minor one.",
	"lenient":     "Be lenient: the eval should pass the trace as long as the core task was accomplished, tolerating stylistic and minor issues.",
	"step_aware":  "Inspect the intermediate steps in trace[\"steps\"], not just the final output. Fail traces whose reasoning or tool use went wrong even if the final output looks plausible.",
	"contrastive": "Focus on what separates the positive examples from the negative ones. Encode the distinguishing criteria you observe between the two groups.",
}

// generateCandidatePrompt builds the prompt for one candidate eval
// function using the given variation strategy.
func generateCandidatePrompt(gc GenerationContext, variation string) string {
	var b strings.Builder
	b.WriteString("Write a Python eval function that judges whether an AI agent's trace is acceptable.\n\n")

	if len(gc.Tasks) > 0 {
		b.WriteString("The agent performs these tasks:\n")
		for _, t := range gc.Tasks {
			fmt.Fprintf(&b, "- %s\n", t)
		}
		b.WriteString("\n")
	}

	b.WriteString("Labeled examples of agent behavior:\n\n")
	writeExamples(&b, gc.Examples)

	if instr, ok := variationInstructions[variation]; ok {
		b.WriteString("\nStrategy: ")
		b.WriteString(instr)
		b.WriteString("\n")
	}

	b.WriteString(`
Requirements:
- Define exactly one function: def eval_function(trace):
- trace is a dict with keys "input", "output", and "steps" (a list of step dicts).
- Return {"passed": bool, "reason": str}. The reason must explain the verdict.
- Use only the Python standard library. No network or file access.
- The function must never raise for any well-formed trace.

Respond with ONLY the Python code, no explanation.
`)
	return b.String()
}

func writeExamples(b *strings.Builder, examples []LabeledExample) {
	for i, ex := range examples {
		label := "NEGATIVE"
		if ex.Label {
			label = "POSITIVE"
		}
		fmt.Fprintf(b, "### Example %d (%s)\nInput: %s\nOutput: %s\n\n", i+1, label, ex.Input, ex.Output)
	}
}
