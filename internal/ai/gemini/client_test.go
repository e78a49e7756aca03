package gemini

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/spigell/hh-sieve/internal/retry"
)

type fakeModels struct {
	mu      sync.Mutex
	calls   []modelCall
	results []fakeResult
}

type modelCall struct {
	model    string
	contents []*genai.Content
	config   *genai.GenerateContentConfig
}

type fakeResult struct {
	resp *genai.GenerateContentResponse
	err  error
}

func (f *fakeModels) GenerateContent(_ context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, modelCall{model: model, contents: contents, config: config})
	if len(f.results) == 0 {
		return nil, errors.New("unexpected call")
	}
	res := f.results[0]
	f.results = f.results[1:]
	return res.resp, res.err
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{Text: text}}},
		}},
	}
}

func TestGeneratorSendsSystemInstructionAndJSONMime(t *testing.T) {
	models := &fakeModels{results: []fakeResult{{resp: textResponse("[true]")}}}
	g := &Generator{models: models, modelName: "gemini-pro", logger: zap.NewNop()}

	out, err := g.GenerateJSON(context.Background(), "system", "message")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "[true]" {
		t.Fatalf("unexpected output: %q", out)
	}

	if len(models.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(models.calls))
	}
	call := models.calls[0]
	if call.model != "gemini-pro" {
		t.Fatalf("unexpected model: %q", call.model)
	}
	if call.config == nil || call.config.ResponseMIMEType != "application/json" {
		t.Fatalf("expected json response mime type")
	}
	if call.config.SystemInstruction == nil || call.config.SystemInstruction.Parts[0].Text != "system" {
		t.Fatalf("expected system instruction to be set")
	}
	if got := call.contents[0].Parts[0].Text; got != "message" {
		t.Fatalf("unexpected prompt: %q", got)
	}
}

func TestGeneratorClassifiesAPIErrors(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		kind       retry.Kind
		status     int
		retryAfter string
	}{
		{
			name:   "server error",
			err:    genai.APIError{Code: http.StatusInternalServerError, Status: "INTERNAL"},
			kind:   retry.KindServer,
			status: http.StatusInternalServerError,
		},
		{
			name: "quota with retry info",
			err: genai.APIError{
				Code:    http.StatusTooManyRequests,
				Status:  "RESOURCE_EXHAUSTED",
				Message: "quota exhausted",
				Details: []map[string]any{{"@type": retryInfoType, "retryDelay": "36s"}},
			},
			kind:       retry.KindRateLimit,
			status:     http.StatusTooManyRequests,
			retryAfter: "36",
		},
		{
			name: "token limit",
			err: genai.APIError{
				Code:    http.StatusBadRequest,
				Status:  "INVALID_ARGUMENT",
				Message: "The input token count (1200000) exceeds the maximum number of tokens allowed (1048576).",
			},
			kind:   retry.KindPayloadTooLarge,
			status: http.StatusBadRequest,
		},
		{
			name:   "permission denied",
			err:    genai.APIError{Code: http.StatusForbidden, Status: "PERMISSION_DENIED"},
			kind:   retry.KindClient,
			status: http.StatusForbidden,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			models := &fakeModels{results: []fakeResult{{err: tc.err}}}
			g := &Generator{models: models, modelName: "gemini-pro", logger: zap.NewNop()}

			_, err := g.GenerateJSON(context.Background(), "", "prompt")

			var f *retry.Failure
			if !errors.As(err, &f) {
				t.Fatalf("expected retry failure, got %T %v", err, err)
			}
			if f.Kind != tc.kind || f.Status != tc.status || f.RetryAfter != tc.retryAfter {
				t.Fatalf("unexpected failure: %+v", f)
			}
		})
	}
}

func TestGeneratorEmptyResponseIsInvalidOutput(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonMaxTokens}},
	}
	models := &fakeModels{results: []fakeResult{{resp: resp}}}
	g := &Generator{models: models, modelName: "gemini-pro", logger: zap.NewNop()}

	_, err := g.GenerateJSON(context.Background(), "", "prompt")

	var f *retry.Failure
	if !errors.As(err, &f) || f.Kind != retry.KindInvalidOutput {
		t.Fatalf("expected invalid output failure, got %v", err)
	}
}

func TestGeneratorRejectsEmptyPrompt(t *testing.T) {
	g := &Generator{models: &fakeModels{}, modelName: "gemini-pro", logger: zap.NewNop()}
	if _, err := g.GenerateJSON(context.Background(), "sys", "   "); err == nil {
		t.Fatal("expected error for empty prompt")
	}
}

func TestNewGeneratorRequiresAPIKey(t *testing.T) {
	if _, err := NewGenerator(context.Background(), " ", "", nil); err == nil {
		t.Fatal("expected error without api key")
	}
}
