// Package llm writes merge commit messages with the Anthropic API.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/laraforge/laraforge/internal/models"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-haiku-4-5-20251001"

// maxListed caps how many commits and files go into the prompt.
const maxListed = 50

// Client wraps the Anthropic API for merge message generation.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates an LLM client with the given API key and model.
func NewClient(apiKey, model string) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if model == "" {
		model = DefaultModel
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

// buildMergePrompt constructs the system and user prompts for a merge message.
func buildMergePrompt(s *models.WorktreeSession, target string) (system string, user string) {
	system = `You write git merge commit messages. Given a feature branch, its commits and the files it touched, return a commit message:

- First line: imperative summary under 72 characters describing what the branch adds or fixes
- Blank line, then 1-5 short bullet points of the notable changes
- Plain text only, no markdown headings or code fencing
- Do not invent changes that the commits and files do not support`

	var sb strings.Builder
	fmt.Fprintf(&sb, "Branch %s is being merged into %s.\n", s.Branch, target)
	fmt.Fprintf(&sb, "Feature: %s\n", s.FeatureID)
	if s.AgentID != "" {
		fmt.Fprintf(&sb, "Agent: %s\n", s.AgentID)
	}
	if len(s.Commits) > 0 {
		sb.WriteString("\nCommits:\n")
		for i, c := range s.Commits {
			if i == maxListed {
				fmt.Fprintf(&sb, "- ... and %d more\n", len(s.Commits)-maxListed)
				break
			}
			fmt.Fprintf(&sb, "- %s\n", c.Message)
		}
	}
	if len(s.ModifiedFiles) > 0 {
		sb.WriteString("\nFiles:\n")
		for i, f := range s.ModifiedFiles {
			if i == maxListed {
				fmt.Fprintf(&sb, "- ... and %d more\n", len(s.ModifiedFiles)-maxListed)
				break
			}
			fmt.Fprintf(&sb, "- %s\n", f)
		}
	}
	user = sb.String()
	return
}

// MergeMessage asks the model for a merge commit message for s.
func (c *Client) MergeMessage(ctx context.Context, s *models.WorktreeSession, target string) (string, error) {
	systemPrompt, userPrompt := buildMergePrompt(s, target)

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 512,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	text = cleanMessage(text)
	if text == "" {
		return "", fmt.Errorf("no text content in API response")
	}
	return text, nil
}

// cleanMessage strips markdown fencing and surrounding blank lines.
func cleanMessage(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		} else {
			text = ""
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	return text
}
