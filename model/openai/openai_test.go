package openai

import (
	"testing"

	"github.com/hupe1980/agentgraph/model"
	"github.com/openai/openai-go"
	"github.com/stretchr/testify/assert"
)

var _ model.Generator = (*Generator)(nil)

func TestBuildParams(t *testing.T) {
	g := NewGenerator(func(o *Options) {
		o.APIKey = "test"
		o.Model = openai.ChatModelGPT4o
	})

	p := g.buildParams("review this", model.KindReview)
	assert.Equal(t, openai.ChatModelGPT4o, p.Model)
	assert.Len(t, p.Messages, 2)
	assert.Equal(t, openai.ChatModelGPT4o, g.Name())
}
