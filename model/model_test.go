package model

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockGenerator_ScriptedResponses(t *testing.T) {
	m := NewMockGenerator().On(KindReview, "first", "second")
	ctx := context.Background()

	out, err := m.Generate(ctx, "p1", KindReview)
	require.NoError(t, err)
	assert.Equal(t, "first", out)

	out, _ = m.Generate(ctx, "p2", KindReview)
	assert.Equal(t, "second", out)

	out, _ = m.Generate(ctx, "p3", KindReview)
	assert.Equal(t, "second", out, "last response repeats")

	out, _ = m.Generate(ctx, "x", KindTests)
	assert.Equal(t, "Mock tests response", out)

	assert.Equal(t, []string{"p1", "p2", "p3"}, m.CallsFor(KindReview))
}

func TestMockGenerator_Fail(t *testing.T) {
	m := NewMockGenerator().Fail(KindCode, errors.New("quota"))
	_, err := m.Generate(context.Background(), "p", KindCode)
	assert.EqualError(t, err, "quota")
}

func TestInstrument_Timeout(t *testing.T) {
	slow := GeneratorFunc(func(ctx context.Context, _ string, _ Kind) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Second):
			return "late", nil
		}
	})
	g := Instrument(slow, func(o *InstrumentOptions) { o.Timeout = 10 * time.Millisecond })

	_, err := g.Generate(context.Background(), "p", KindCode)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "timed out")
}

func TestInstrument_EmptyResponseIsError(t *testing.T) {
	g := Instrument(NewMockGenerator().On(KindReview, "   "))
	_, err := g.Generate(context.Background(), "p", KindReview)
	assert.ErrorContains(t, err, "empty response")
}

func TestSystemPrompt(t *testing.T) {
	assert.Contains(t, SystemPrompt(KindTests), "VERDICT")
	assert.NotEmpty(t, SystemPrompt("unknown"))
}
