package provider

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/joho/godotenv"
)

// anthropicTestProvider builds a live provider or skips when no credential
// is available. Model defaults to the cheapest Haiku unless overridden.
func anthropicTestProvider(t *testing.T) (*AnthropicProvider, string) {
	t.Helper()
	_ = godotenv.Load("../../.env")

	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		t.Skip("ANTHROPIC_API_KEY not set, skipping integration test")
	}
	modelID := os.Getenv("ANTHROPIC_MODEL_ID")
	if modelID == "" {
		modelID = "claude-3-5-haiku-20241022"
	}

	prov, err := NewAnthropicProvider(context.Background(), &AnthropicConfig{
		APIKey:    apiKey,
		MaxTokens: 1024,
	})
	if err != nil {
		t.Fatalf("NewAnthropicProvider: %v", err)
	}
	return prov, modelID
}

// drain collects a stream's text into one string.
func drain(t *testing.T, stream *CompletionStream) string {
	t.Helper()
	defer stream.Close()
	var sb strings.Builder
	for {
		msg, err := stream.Recv()
		if err != nil {
			return sb.String()
		}
		if msg != nil {
			sb.WriteString(msg.Content)
		}
	}
}

func TestAnthropicProvider_Live(t *testing.T) {
	prov, modelID := anthropicTestProvider(t)
	ctx := context.Background()

	if prov.ID() != "anthropic" || prov.Name() != "Anthropic" {
		t.Errorf("identity = %s/%s", prov.ID(), prov.Name())
	}
	if len(prov.Models()) == 0 {
		t.Error("model catalog is empty")
	}

	t.Run("single turn", func(t *testing.T) {
		stream, err := prov.CreateCompletion(ctx, &CompletionRequest{
			Model: modelID,
			Messages: []*schema.Message{
				{Role: schema.User, Content: "Say 'Hello, World!' and nothing else."},
			},
			MaxTokens:   100,
			Temperature: 0.0,
		})
		if err != nil {
			t.Fatalf("CreateCompletion: %v", err)
		}
		if response := drain(t, stream); response == "" {
			t.Error("empty response")
		}
	})

	t.Run("multi turn keeps context", func(t *testing.T) {
		stream, err := prov.CreateCompletion(ctx, &CompletionRequest{
			Model: modelID,
			Messages: []*schema.Message{
				{Role: schema.User, Content: "Remember the number 42."},
				{Role: schema.Assistant, Content: "I'll remember the number 42."},
				{Role: schema.User, Content: "What number did I ask you to remember? Reply with just the number."},
			},
			MaxTokens:   50,
			Temperature: 0.0,
		})
		if err != nil {
			t.Fatalf("CreateCompletion: %v", err)
		}
		if response := drain(t, stream); !strings.Contains(response, "42") {
			t.Errorf("response %q should recall 42", response)
		}
	})

	t.Run("streams response chunks", func(t *testing.T) {
		stream, err := prov.CreateCompletion(ctx, &CompletionRequest{
			Model: modelID,
			Messages: []*schema.Message{
				{Role: schema.User, Content: "Count from 1 to 5, one number per line."},
			},
			MaxTokens:   100,
			Temperature: 0.0,
		})
		if err != nil {
			t.Fatalf("CreateCompletion: %v", err)
		}
		defer stream.Close()
		chunks := 0
		for {
			msg, err := stream.Recv()
			if err != nil {
				break
			}
			if msg != nil {
				chunks++
			}
		}
		if chunks == 0 {
			t.Error("no chunks received")
		}
	})

	t.Run("tool binding", func(t *testing.T) {
		tools := []*schema.ToolInfo{{
			Name: "calculator",
			Desc: "Performs arithmetic calculations",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"expression": {Type: schema.String, Desc: "The expression to evaluate"},
			}),
		}}
		bound, err := prov.ChatModel().WithTools(tools)
		if err != nil {
			t.Fatalf("WithTools: %v", err)
		}
		if bound == nil {
			t.Error("bound model is nil")
		}
	})

	// The upstream API requires content in every user message; an empty
	// first message must surface an error rather than hang.
	t.Run("empty first message rejected", func(t *testing.T) {
		stream, err := prov.CreateCompletion(ctx, &CompletionRequest{
			Model:     modelID,
			Messages:  []*schema.Message{{Role: schema.User, Content: ""}},
			MaxTokens: 100,
		})
		if err != nil {
			return // rejected at request time, fine
		}
		defer stream.Close()
		if _, recvErr := stream.Recv(); recvErr == nil {
			t.Error("expected an error for an empty first message")
		}
	})
}

func TestAnthropicProvider_CustomID(t *testing.T) {
	_ = godotenv.Load("../../.env")
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		t.Skip("ANTHROPIC_API_KEY not set, skipping test")
	}

	prov, err := NewAnthropicProvider(context.Background(), &AnthropicConfig{
		ID:        "claude",
		APIKey:    apiKey,
		MaxTokens: 1024,
	})
	if err != nil {
		t.Fatalf("NewAnthropicProvider: %v", err)
	}
	if prov.ID() != "claude" {
		t.Errorf("ID = %q, want claude", prov.ID())
	}
}

func TestAnthropicProvider_NoAPIKey(t *testing.T) {
	original := os.Getenv("ANTHROPIC_API_KEY")
	os.Unsetenv("ANTHROPIC_API_KEY")
	defer os.Setenv("ANTHROPIC_API_KEY", original)

	if _, err := NewAnthropicProvider(context.Background(), &AnthropicConfig{MaxTokens: 1024}); err == nil {
		t.Error("construction without a credential should fail")
	}
}
