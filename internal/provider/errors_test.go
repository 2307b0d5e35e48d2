package provider

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"context marker openai", errors.New("error, status code: 400, message: context_length_exceeded"), KindContextTooLong},
		{"context marker anthropic", errors.New("prompt is too long: 210000 tokens > 200000 maximum"), KindContextTooLong},
		{"context marker generic", errors.New("input length exceeds the limit"), KindContextTooLong},
		{"rate limit", errors.New("429 Too Many Requests"), KindRateLimited},
		{"overloaded", errors.New("overloaded_error: please retry"), KindRateLimited},
		{"auth status", errors.New("401 unauthorized"), KindAuth},
		{"auth message", errors.New("invalid api key provided"), KindAuth},
		{"anything else", errors.New("connection reset by peer"), KindOther},
		{"nil", nil, KindOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassifyPrefersStreamErrorKind(t *testing.T) {
	// An explicit classification wins over whatever the message says.
	err := &StreamError{Kind: KindMalformedStream, Err: errors.New("429 somewhere in the payload")}
	assert.Equal(t, KindMalformedStream, Classify(err))

	wrapped := fmt.Errorf("request failed: %w", err)
	assert.Equal(t, KindMalformedStream, Classify(wrapped))
}

func TestStreamErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := &StreamError{Kind: KindOther, Err: inner}

	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "boom")
	assert.Contains(t, err.Error(), string(KindOther))

	bare := &StreamError{Kind: KindAuth}
	assert.Equal(t, string(KindAuth), bare.Error())
}

func TestIsContextTooLong(t *testing.T) {
	assert.True(t, IsContextTooLong(errors.New("maximum context length is 128000 tokens")))
	assert.False(t, IsContextTooLong(errors.New("some other failure")))
}
