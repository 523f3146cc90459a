package dialogue

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupbot_engine/internal/config"
	"groupbot_engine/internal/llm"
	"groupbot_engine/internal/model"
)

func TestRespondCommitsReply(t *testing.T) {
	s, clk := newTestStore(t, config.DialogueConfig{ContextCacheSize: 10})
	var gotHistory []model.Turn
	gen := llm.GeneratorFunc(func(_ context.Context, h []model.Turn, prompt string, _ llm.Options) (string, error) {
		gotHistory = h
		assert.Equal(t, "默认提示", prompt)
		return "好的", nil
	})
	r := NewResponder(ResponderOptions{
		Store:     s,
		Generator: gen,
		Config:    config.DialogueConfig{SystemPrompt: "默认提示"},
		Now:       clk.Now,
		Draw:      func() float64 { return 0 },
	})
	acc := model.Account{ID: "a1", Policy: model.AccountPolicy{Active: true, ReplyRate: 1}}

	text, d := r.Respond(context.Background(), model.InboundEvent{AccountID: "a1", GroupID: "g1", Text: " 在吗 "}, acc)
	require.True(t, d.OK)
	assert.Equal(t, "好的", text)
	require.Len(t, gotHistory, 1)
	assert.Equal(t, "在吗", gotHistory[0].Text)

	c, ok := s.Peek("a1", "g1")
	require.True(t, ok)
	snap := c.Snapshot(clk.Now())
	assert.Equal(t, 1, snap.RepliesInPeriod)
	require.Len(t, snap.History, 2)
	assert.Equal(t, model.RoleAssistant, snap.History[1].Role)
}

func TestRespondGeneratorFailureReleasesQuota(t *testing.T) {
	s, clk := newTestStore(t, config.DialogueConfig{ContextCacheSize: 10})
	r := NewResponder(ResponderOptions{
		Store:     s,
		Generator: llm.Static{Err: errors.New("down")},
		Now:       clk.Now,
		Draw:      func() float64 { return 0 },
	})
	acc := model.Account{ID: "a1", Policy: model.AccountPolicy{Active: true, ReplyRate: 1}}

	text, d := r.Respond(context.Background(), model.InboundEvent{GroupID: "g1", Text: "hi"}, acc)
	assert.Empty(t, text)
	assert.False(t, d.OK)
	c, _ := s.Peek("a1", "g1")
	assert.Equal(t, 0, c.RepliesInPeriod(clk.Now()))
}
