package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/square-key-labs/strawgo-ai/src/frames"
	"github.com/square-key-labs/strawgo-ai/src/processors"
	"github.com/square-key-labs/strawgo-ai/src/services"
)

// LLMService provides language model capabilities using Google Gemini
type LLMService struct {
	*processors.BaseProcessor
	apiKey      string
	model       string
	temperature float64
	context     *services.LLMContext
	ctx         context.Context
	cancel      context.CancelFunc
}

// LLMConfig holds configuration for Gemini
type LLMConfig struct {
	APIKey       string
	Model        string // e.g., "gemini-1.5-pro", "gemini-1.5-flash"
	SystemPrompt string
	Temperature  float64
}

// NewLLMService creates a new Gemini LLM service
func NewLLMService(config LLMConfig) *LLMService {
	gs := &LLMService{
		apiKey:      config.APIKey,
		model:       config.Model,
		temperature: config.Temperature,
		context:     services.NewLLMContext(config.SystemPrompt),
	}
	gs.BaseProcessor = processors.NewBaseProcessor("Gemini", gs)
	return gs
}

func (s *LLMService) SetModel(model string) {
	s.model = model
}

func (s *LLMService) SetSystemPrompt(prompt string) {
	s.context.SystemPrompt = prompt
}

func (s *LLMService) SetTemperature(temp float64) {
	s.temperature = temp
}

func (s *LLMService) AddMessage(role, content string) {
	s.context.Messages = append(s.context.Messages, services.LLMMessage{
		Role:    role,
		Content: content,
	})
}

func (s *LLMService) ClearContext() {
	s.context.Clear()
}

func (s *LLMService) Initialize(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	log.Printf("[Gemini] Initialized with model %s", s.model)
	return nil
}

func (s *LLMService) Cleanup() error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

func (s *LLMService) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	// Handle LLMContextFrame (from aggregators)
	if contextFrame, ok := frame.(*frames.LLMContextFrame); ok {
		// Extract context from frame
		if llmContext, ok := contextFrame.Context.(*services.LLMContext); ok {
			log.Printf("[Gemini] Received LLMContextFrame with %d messages", len(llmContext.Messages))

			// Update our context reference
			s.context = llmContext

			// Send LLM response start marker
			s.PushFrame(frames.NewLLMFullResponseStartFrame(), frames.Downstream)

			// Generate response using the provided context
			if err := s.generateResponse(); err != nil {
				log.Printf("[Gemini] Error generating response: %v", err)
				s.PushFrame(frames.NewErrorFrame(err), frames.Upstream)
			}

			// Send LLM response end marker
			s.PushFrame(frames.NewLLMFullResponseEndFrame(), frames.Downstream)
		}
		return nil
	}

	// Pass all other frames through
	return s.PushFrame(frame, direction)
}

func (s *LLMService) generateResponse() error {
	// Build contents array (Gemini format). toolCallNames recovers the
	// function name for a later tool response, since services.LLMMessage's
	// tool-role entries carry only a ToolCallID.
	contents := []map[string]interface{}{}
	toolCallNames := make(map[string]string)
	for _, msg := range s.context.Messages {
		switch msg.Role {
		case "system":
			continue // carried in systemInstruction below

		case "assistant":
			if len(msg.ToolCalls) > 0 {
				parts := make([]map[string]interface{}, 0, len(msg.ToolCalls))
				for _, tc := range msg.ToolCalls {
					var args map[string]interface{}
					_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
					parts = append(parts, map[string]interface{}{
						"functionCall": map[string]interface{}{"name": tc.Function.Name, "args": args},
					})
					toolCallNames[tc.ID] = tc.Function.Name
				}
				contents = append(contents, map[string]interface{}{"role": "model", "parts": parts})
				continue
			}
			contents = append(contents, map[string]interface{}{
				"role":  "model",
				"parts": []map[string]string{{"text": msg.Content}},
			})

		case "tool":
			var response interface{}
			if err := json.Unmarshal([]byte(msg.Content), &response); err != nil {
				response = map[string]string{"result": msg.Content}
			}
			contents = append(contents, map[string]interface{}{
				"role": "function",
				"parts": []map[string]interface{}{{
					"functionResponse": map[string]interface{}{
						"name":     toolCallNames[msg.ToolCallID],
						"response": response,
					},
				}},
			})

		default:
			contents = append(contents, map[string]interface{}{
				"role":  msg.Role,
				"parts": []map[string]string{{"text": msg.Content}},
			})
		}
	}

	// Prepare request. Every node transition rewrites s.context.SystemPrompt
	// (internal/engine.SetNode), so it travels in the dedicated
	// systemInstruction field on every turn rather than only the first.
	requestBody := map[string]interface{}{
		"contents": contents,
		"generationConfig": map[string]interface{}{
			"temperature": s.temperature,
		},
	}
	if s.context.SystemPrompt != "" {
		requestBody["systemInstruction"] = map[string]interface{}{
			"parts": []map[string]string{{"text": s.context.SystemPrompt}},
		}
	}
	if tools := geminiToolDeclarations(s.context); tools != nil {
		requestBody["tools"] = tools
	}

	bodyBytes, err := json.Marshal(requestBody)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:streamGenerateContent?key=%s&alt=sse",
		s.model, s.apiKey)

	req, err := http.NewRequest("POST", url, bytes.NewReader(bodyBytes))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("gemini API error: %s", string(body))
	}

	// Stream response (SSE format)
	var fullResponse strings.Builder
	var calls []geminiFunctionCall
	scanner := bufio.NewScanner(resp.Body)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")

		var streamResp struct {
			Candidates []struct {
				Content struct {
					Parts []struct {
						Text         string `json:"text"`
						FunctionCall *struct {
							Name string                 `json:"name"`
							Args map[string]interface{} `json:"args"`
						} `json:"functionCall"`
					} `json:"parts"`
				} `json:"content"`
			} `json:"candidates"`
		}

		if err := json.Unmarshal([]byte(data), &streamResp); err != nil {
			continue
		}

		if len(streamResp.Candidates) == 0 {
			continue
		}
		for _, part := range streamResp.Candidates[0].Content.Parts {
			if part.Text != "" {
				fullResponse.WriteString(part.Text)
				textFrame := frames.NewLLMTextFrame(part.Text)
				s.PushFrame(textFrame, frames.Downstream)
			}
			if part.FunctionCall != nil {
				calls = append(calls, geminiFunctionCall{
					name: part.FunctionCall.Name,
					args: part.FunctionCall.Args,
				})
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return err
	}

	// Add assistant response to context
	response := fullResponse.String()
	if response != "" {
		s.context.AddAssistantMessage(response)
	}
	log.Printf("[Gemini] Assistant Response length: %d, tool calls: %d", len(response), len(calls))

	s.emitFunctionCalls(calls)

	return nil
}

// geminiFunctionCall is one functionCall part decoded from a streamed
// candidate. Unlike OpenAI's delta-accumulated tool_calls, Gemini emits a
// function call whole in a single part.
type geminiFunctionCall struct {
	name string
	args map[string]interface{}
}

// geminiToolDeclarations translates ctx.Tools into Gemini's
// functionDeclarations shape, or nil if the context has none configured.
func geminiToolDeclarations(ctx *services.LLMContext) []map[string]interface{} {
	if len(ctx.Tools) == 0 {
		return nil
	}
	decls := make([]map[string]interface{}, 0, len(ctx.Tools))
	for _, tool := range ctx.Tools {
		decls = append(decls, map[string]interface{}{
			"name":        tool.Function.Name,
			"description": tool.Function.Description,
			"parameters":  tool.Function.Parameters,
		})
	}
	return []map[string]interface{}{
		{"functionDeclarations": decls},
	}
}

// emitFunctionCalls pushes FunctionCallsStartedFrame followed by one
// FunctionCallInProgressFrame per call, downstream toward the workflow
// engine and, further on, the assistant aggregator, which owns all context
// mutation for tool calls.
func (s *LLMService) emitFunctionCalls(calls []geminiFunctionCall) {
	if len(calls) == 0 {
		return
	}

	started := make([]frames.FunctionCallStartedInfo, 0, len(calls))
	ids := make([]string, len(calls))
	for i, call := range calls {
		ids[i] = fmt.Sprintf("%s-%d", call.name, i)
		started = append(started, frames.FunctionCallStartedInfo{
			ToolCallID:   ids[i],
			FunctionName: call.name,
		})
	}
	s.PushFrame(frames.NewFunctionCallsStartedFrame(started), frames.Downstream)

	for i, call := range calls {
		var args interface{} = call.args
		s.PushFrame(frames.NewFunctionCallInProgressFrame(call.name, ids[i], args, false), frames.Downstream)
	}
}
