package llm

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/laraforge/laraforge/internal/models"
)

func TestBuildMergePrompt(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := models.NewWorktreeSession("checkout", "dev1", "/w", "feature/checkout-dev1", at)
	s.AddCommit(models.Commit{Hash: "a1", Message: "add cart totals"}, at)
	s.AddCommit(models.Commit{Hash: "b2", Message: "fix rounding"}, at)
	s.AddModifiedFile("app/Cart.php", at)

	system, user := buildMergePrompt(s, "main")
	assert.Contains(t, system, "merge commit messages")
	assert.Contains(t, user, "Branch feature/checkout-dev1 is being merged into main.")
	assert.Contains(t, user, "Agent: dev1")
	assert.Contains(t, user, "- add cart totals\n- fix rounding\n")
	assert.Contains(t, user, "Files:\n- app/Cart.php\n")
}

func TestBuildMergePrompt_CapsLists(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := models.NewWorktreeSession("big", "", "/w", "feature/big", at)
	for i := range maxListed + 5 {
		s.AddModifiedFile(fmt.Sprintf("f%d.php", i), at)
	}

	_, user := buildMergePrompt(s, "main")
	assert.Contains(t, user, "- ... and 5 more")
	assert.NotContains(t, user, "Agent:")
	assert.NotContains(t, user, "Commits:")
}

func TestCleanMessage(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"plain", "  Add checkout\n\n- totals\n", "Add checkout\n\n- totals"},
		{"fenced", "```text\nAdd checkout\n```", "Add checkout"},
		{"fence only", "```", ""},
		{"empty", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cleanMessage(tt.in))
		})
	}
}

func TestNewClient_DefaultModel(t *testing.T) {
	c := NewClient("test-key", "")
	assert.Equal(t, DefaultModel, string(c.model))
}
