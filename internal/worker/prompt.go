package worker

import (
	"fmt"
	"strings"

	"github.com/jamesjordanmarketing/train-data-sub012/internal/models"
)

const conversationSystem = `You are generating synthetic training conversations for a customer support assistant. Respond with a single JSON object of the form {"turns":[{"role":"user"|"assistant","content":"..."}]}. Do not include any text outside the JSON object.`

// tierGuidance nudges the model toward the depth expected for each tier.
var tierGuidance = map[string]string{
	"template": "Follow the provided template closely. Keep the exchange short and factual.",
	"scenario": "Ground the exchange in a realistic scenario with concrete details.",
	"edge_case": "Model an unusual or adversarial request and a careful assistant response.",
}

func systemPrompt(tier string) string {
	if extra, ok := tierGuidance[strings.ToLower(tier)]; ok {
		return conversationSystem + " " + extra
	}
	return conversationSystem
}

func buildPrompt(item models.BatchItem) string {
	b := &strings.Builder{}
	fmt.Fprintf(b, "Generate one training conversation about: %s\n", item.Topic)
	if item.Tier != "" {
		fmt.Fprintf(b, "Tier: %s\n", item.Tier)
	}
	if len(item.Parameters) > 0 && string(item.Parameters) != "null" {
		fmt.Fprintf(b, "Parameters: %s\n", string(item.Parameters))
	}
	return b.String()
}
