package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kocoro-lab/marketbrief/internal/llm"
)

type fakeLLM struct {
	reply string
	err   error
}

func (f fakeLLM) Chat(context.Context, []llm.Message, ...llm.Option) (string, error) {
	return f.reply, f.err
}

func (f fakeLLM) Generate(ctx context.Context, prompt string, opts ...llm.Option) (string, error) {
	return f.Chat(ctx, nil, opts...)
}

func TestHeuristicExtractor(t *testing.T) {
	ex, err := HeuristicExtractor{}.Extract(context.Background(), "Tell me about Acme Corp (acm) please")
	require.NoError(t, err)
	assert.Equal(t, "ACM", *ex.Identifier)
	assert.Equal(t, "Acme Corp", *ex.Subject)

	ex, err = HeuristicExtractor{}.Extract(context.Background(), "what about (ACM)?")
	require.NoError(t, err)
	assert.Equal(t, "ACM", *ex.Identifier)
	assert.Nil(t, ex.Subject)

	_, err = HeuristicExtractor{}.Extract(context.Background(), "no ticker (with spaces) here")
	assert.ErrorIs(t, err, ErrNoExtraction)
}

func TestLLMExtractor(t *testing.T) {
	e := NewLLMExtractor(fakeLLM{reply: "```json\n{\"identifier\":\"gbx\",\"subject\":\"Globex\",\"focus\":null}\n```"})
	ex, err := e.Extract(context.Background(), "globex")
	require.NoError(t, err)
	assert.Equal(t, "GBX", *ex.Identifier)
	assert.Equal(t, "Globex", *ex.Subject)
	assert.Nil(t, ex.Focus)
}

func TestLLMExtractorMalformed(t *testing.T) {
	_, err := NewLLMExtractor(fakeLLM{reply: "Sure! The company is Globex."}).Extract(context.Background(), "globex")
	assert.ErrorIs(t, err, ErrNoExtraction)

	ex, err := NewLLMExtractor(fakeLLM{reply: `{"identifier":"NOT A TICKER","subject":" ","focus":"unknown"}`}).Extract(context.Background(), "x")
	require.NoError(t, err)
	assert.Nil(t, ex.Identifier)
	assert.Nil(t, ex.Subject)
	assert.Nil(t, ex.Focus)

	boom := errors.New("503")
	_, err = NewLLMExtractor(fakeLLM{err: boom}).Extract(context.Background(), "x")
	assert.ErrorIs(t, err, boom)
}

func TestEntityTableLongestMatch(t *testing.T) {
	table := NewEntityTable()
	table.Replace(map[string]string{"meta": "META", "meta platforms": "FB"})
	id, ok := table.Lookup("News on Meta Platforms")
	require.True(t, ok)
	assert.Equal(t, "FB", id)

	_, ok = table.Lookup("nothing known")
	assert.False(t, ok)
	assert.Greater(t, table.Len(), 2)
}
