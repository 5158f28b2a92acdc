package processing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/truepast/truepast-backend/config"
	"github.com/truepast/truepast-backend/models"
)

// ErrScriptGeneration is wrapped by every failure of the script adapter. A
// timeout, transport error or malformed model response all surface as this
// one error kind; a partial script is never returned.
var ErrScriptGeneration = errors.New("script generation failed")

// ScriptGenerator produces a narration script for a topic in a given style.
type ScriptGenerator interface {
	GenerateScript(ctx context.Context, prompt string, style models.Style) (string, error)
}

// ScriptResponse represents the JSON response from OpenAI
type ScriptResponse struct {
	Script string `json:"script" jsonschema_description:"The complete narration script, spoken words only, no stage directions or scene labels"`
}

// GenerateSchema generates a JSON schema for structured outputs
func GenerateSchema[T any]() interface{} {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	schema := reflector.Reflect(v)
	return schema
}

// scriptResponseSchema is the cached schema
var scriptResponseSchema = GenerateSchema[ScriptResponse]()

// Style system prompts. The mapping is fixed: one style, one template.
var styleSystemPrompts = map[models.Style]string{
	models.StyleDocumentary: `You are a history documentary narrator writing voiceover for a short vertical video.
Your tone is measured, authoritative and precise. Ground every claim in real dates, names and places.
Open with the single most striking fact, then build the story chronologically.`,

	models.StyleDramatic: `You are a dramatic storyteller writing voiceover for a short vertical video about history.
Your tone is cinematic and tense. Build suspense sentence by sentence and land a twist near the end.
Use vivid, concrete imagery. Never exaggerate beyond the historical record.`,

	models.StyleCasual: `You are a friendly history enthusiast writing voiceover for a short vertical video.
Your tone is conversational, like telling a wild true story to a friend. Plain language, short sentences,
the occasional rhetorical question to the viewer.`,
}

// SystemPromptFor returns the fixed system prompt template for a style.
func SystemPromptFor(style models.Style) (string, bool) {
	prompt, ok := styleSystemPrompts[style]
	return prompt, ok
}

// OpenAIGenerator generates scripts with OpenAI structured outputs.
type OpenAIGenerator struct {
	cfg     *config.Config
	baseURL string
}

func NewOpenAIGenerator(cfg *config.Config) *OpenAIGenerator {
	return &OpenAIGenerator{cfg: cfg}
}

// NewOpenAIGeneratorWithBaseURL points the generator at an alternate API
// endpoint, for tests.
func NewOpenAIGeneratorWithBaseURL(cfg *config.Config, baseURL string) *OpenAIGenerator {
	return &OpenAIGenerator{cfg: cfg, baseURL: baseURL}
}

// GenerateScript asks the model for a narration script on the topic. The
// style selects the system prompt; the topic goes in verbatim as the user
// message.
func (g *OpenAIGenerator) GenerateScript(ctx context.Context, prompt string, style models.Style) (string, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return "", fmt.Errorf("%w: OPENAI_API_KEY environment variable not set", ErrScriptGeneration)
	}

	systemPrompt, ok := SystemPromptFor(style)
	if !ok {
		return "", fmt.Errorf("%w: no template for style %q", ErrScriptGeneration, style)
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if g.baseURL != "" {
		opts = append(opts, option.WithBaseURL(g.baseURL))
	}
	client := openai.NewClient(opts...)

	userPrompt := fmt.Sprintf(`Write the narration script for a short video on this topic:

%s

Requirements:
- Around %d words (roughly 60 seconds read aloud)
- Spoken words only: no headings, no scene directions, no emoji
- Every fact must be historically accurate

Respond in JSON format with this structure:
{
  "script": "your narration here"
}`, prompt, g.cfg.Script.TargetWords)

	ctx, cancel := context.WithTimeout(ctx, g.cfg.ScriptTimeout())
	defer cancel()

	schemaParam := openai.ResponseFormatJSONSchemaJSONSchemaParam{
		Name:        "narration_script",
		Description: openai.String("A narration script for a short video"),
		Schema:      scriptResponseSchema,
		Strict:      openai.Bool(true),
	}

	chatCompletion, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Model:       openai.ChatModel(g.cfg.Script.Model),
		Temperature: openai.Float(g.cfg.Script.Temperature),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: schemaParam,
			},
		},
	})

	if err != nil {
		return "", fmt.Errorf("%w: OpenAI API error: %v", ErrScriptGeneration, err)
	}

	if len(chatCompletion.Choices) == 0 {
		return "", fmt.Errorf("%w: no response from OpenAI", ErrScriptGeneration)
	}

	rawResponse := chatCompletion.Choices[0].Message.Content
	if rawResponse == "" {
		return "", fmt.Errorf("%w: empty response, finish reason: %s", ErrScriptGeneration, chatCompletion.Choices[0].FinishReason)
	}

	var scriptResp ScriptResponse
	if err := json.Unmarshal([]byte(rawResponse), &scriptResp); err != nil {
		return "", fmt.Errorf("%w: failed to parse OpenAI JSON response: %v", ErrScriptGeneration, err)
	}

	script := strings.TrimSpace(scriptResp.Script)
	if script == "" {
		return "", fmt.Errorf("%w: OpenAI returned empty script", ErrScriptGeneration)
	}

	return script, nil
}
