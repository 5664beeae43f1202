// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/poiesic/docflow/ai"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// maxParseAttempts bounds how often a malformed model reply is re-requested.
const maxParseAttempts = 3

// jsonChat asks a chat model for a JSON document and decodes it.
type jsonChat struct {
	client llms.Model
	logger *slog.Logger
}

func newJSONChat(config *ai.Config, component string) (*jsonChat, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	client, err := openai.New(
		openai.WithBaseURL(config.ExtractorHost),
		openai.WithToken(config.Token()),
		openai.WithModel(config.ExtractorModel),
	)
	if err != nil {
		return nil, err
	}
	return &jsonChat{
		client: client,
		logger: slog.Default().With("component", component),
	}, nil
}

// complete sends the system prompt and text, decoding the reply into out.
// It reports false when the model returned no choices.
func (c *jsonChat) complete(ctx context.Context, systemPrompt, text string, out any) (bool, error) {
	content := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, text),
	}

	var lastErr error
	for attempt := 1; attempt <= maxParseAttempts; attempt++ {
		response, err := c.client.GenerateContent(ctx, content, llms.WithTemperature(0.0), llms.WithJSONMode())
		if err != nil {
			c.logger.Error("failed to generate content", "attempt", attempt, "err", err)
			return false, err
		}
		if len(response.Choices) < 1 {
			c.logger.Debug("no choices returned from model")
			return false, nil
		}

		reply := cleanReply(response.Choices[0].Content)
		if err := json.Unmarshal([]byte(reply), out); err != nil {
			lastErr = err
			c.logger.Warn("error parsing model response", "attempt", attempt, "response", reply, "err", err)
			continue
		}
		return true, nil
	}
	return false, fmt.Errorf("model response is not valid JSON after %d attempts: %w", maxParseAttempts, lastErr)
}

// cleanReply strips markdown code fences and repairs keys that lost their
// opening quote, the two defects small local models produce most.
func cleanReply(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return repairKeys(strings.TrimSpace(s))
}

// repairKeys inserts the missing opening quote in `, name":` style keys.
func repairKeys(s string) string {
	in := []rune(s)
	out := make([]rune, 0, len(in)+16)
	for i := 0; i < len(in); {
		ch := in[i]
		out = append(out, ch)
		i++
		if ch != '{' && ch != ',' {
			continue
		}
		for i < len(in) && (in[i] == ' ' || in[i] == '\n' || in[i] == '\t') {
			out = append(out, in[i])
			i++
		}
		if i >= len(in) || !isKeyRune(in[i]) {
			continue
		}
		start := i
		for i < len(in) && isKeyRune(in[i]) {
			i++
		}
		if i+1 < len(in) && in[i] == '"' && in[i+1] == ':' {
			out = append(out, '"')
		}
		out = append(out, in[start:i]...)
	}
	return string(out)
}

func isKeyRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_'
}

// scrubText trims text and drops control characters that confuse some
// OpenAI-compatible servers.
func scrubText(s string) string {
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		if r < ' ' && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, s))
}
