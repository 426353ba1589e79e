package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeKeepsNumericLiterals(t *testing.T) {
	resp, err := Decode(`Sure! {"action":"Swap","params":{"amount":0.10,"fromToken":"SOL","toToken":"USDC","extra":{"a":1},"none":null},"response":"ok"}`)
	require.NoError(t, err)
	assert.Equal(t, "swap", resp.Action)
	assert.Equal(t, "0.10", resp.Params["amount"])
	assert.Equal(t, "SOL", resp.Params["fromToken"])
	assert.NotContains(t, resp.Params, "extra")
	assert.NotContains(t, resp.Params, "none")
	assert.Equal(t, "ok", resp.Reply)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	for _, input := range []string{
		"just chatting",
		`{"params":{}}`,
		`{"action":`,
	} {
		_, err := Decode(input)
		assert.True(t, errors.Is(err, ErrMalformed), input)
	}
}

type stubClient struct {
	resp *Response
	err  error
	hits int
}

func (s *stubClient) Generate(context.Context, Request) (*Response, error) {
	s.hits++
	return s.resp, s.err
}

func TestFallbackStopsAtMalformedAnswer(t *testing.T) {
	first := &stubClient{resp: &Response{Raw: "hello"}, err: ErrMalformed}
	second := &stubClient{resp: &Response{Action: "chat"}}

	resp, err := Fallback{first, second}.Generate(context.Background(), Request{Text: "hi"})
	assert.True(t, errors.Is(err, ErrMalformed))
	assert.Equal(t, "hello", resp.Raw)
	assert.Zero(t, second.hits)
}

func TestFallbackEmpty(t *testing.T) {
	_, err := Fallback{}.Generate(context.Background(), Request{})
	assert.Error(t, err)
}
