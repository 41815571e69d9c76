package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// GeminiReasoner implements Extractor and VoicemailClassifier on top of
// google.golang.org/genai, the same SDK family src/services/gemini uses for
// conversational turns (SPEC_FULL DOMAIN STACK: "extended so the Gemini
// adapter can also serve as the workflow engine's voicemail-classification
// and variable-extraction LLM backend").
type GeminiReasoner struct {
	client *genai.Client
	model  string
}

// NewGeminiReasoner builds a reasoner bound to apiKey/model. Background
// extraction/classification tasks hold only this narrow type, never the
// live *services.LLMContext (spec §4.E.4).
func NewGeminiReasoner(ctx context.Context, apiKey, model string) (*GeminiReasoner, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("genai: new client: %w", err)
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &GeminiReasoner{client: client, model: model}, nil
}

func (r *GeminiReasoner) generateJSON(ctx context.Context, prompt string) (string, error) {
	resp, err := r.client.Models.GenerateContent(ctx, r.model,
		[]*genai.Content{{Parts: []*genai.Part{{Text: prompt}}}},
		&genai.GenerateContentConfig{ResponseMIMEType: "application/json"},
	)
	if err != nil {
		return "", fmt.Errorf("genai: generate: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("genai: empty response")
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return sb.String(), nil
}

// Extract asks the model to pull spec.Variables out of transcript and return
// them as a flat JSON object; fields the model omits are simply absent from
// the result, while a response that is not valid JSON is returned as an
// error (spec §4.E.3 step 4).
func (r *GeminiReasoner) Extract(ctx context.Context, transcript string, spec *ExtractionSpec) (map[string]interface{}, error) {
	var fields strings.Builder
	for _, v := range spec.Variables {
		fmt.Fprintf(&fields, "- %s (%s): %s\n", v.Name, v.Type, v.Description)
	}

	prompt := fmt.Sprintf(
		"%s\n\nConversation transcript:\n%s\n\nExtract the following fields as a flat JSON object. Omit a field if it cannot be determined from the transcript.\n%s",
		spec.Prompt, transcript, fields.String(),
	)

	raw, err := r.generateJSON(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var out map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("genai: unmarshal extraction result: %w", err)
	}
	return out, nil
}

type voicemailVerdict struct {
	IsVoicemail bool    `json:"is_voicemail"`
	Confidence  float64 `json:"confidence"`
	Reasoning   string  `json:"reasoning"`
}

// Classify asks the model whether transcript reads as a voicemail greeting
// (spec §4.E.5 step b).
func (r *GeminiReasoner) Classify(ctx context.Context, transcript string) (bool, float64, string, error) {
	prompt := fmt.Sprintf(
		"Does the following phone call opening sound like an automated voicemail greeting rather than a live person answering? "+
			"Respond with JSON: {\"is_voicemail\": bool, \"confidence\": number between 0 and 1, \"reasoning\": string}.\n\nTranscript:\n%s",
		transcript,
	)

	raw, err := r.generateJSON(ctx, prompt)
	if err != nil {
		return false, 0, "", err
	}

	var verdict voicemailVerdict
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		return false, 0, "", fmt.Errorf("genai: unmarshal classification result: %w", err)
	}
	return verdict.IsVoicemail, verdict.Confidence, verdict.Reasoning, nil
}
