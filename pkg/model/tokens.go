package model

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	tokenEncoder *tiktoken.Tiktoken
	encoderOnce  sync.Once
	encoderErr   error
)

func encoder() (*tiktoken.Tiktoken, error) {
	encoderOnce.Do(func() {
		tokenEncoder, encoderErr = tiktoken.GetEncoding("cl100k_base")
	})
	return tokenEncoder, encoderErr
}

// CountTokens counts text with cl100k_base, or estimates when the encoding
// cannot be loaded.
func CountTokens(text string) int {
	enc, err := encoder()
	if err != nil {
		return estimateTokens(text)
	}
	return len(enc.Encode(text, nil, nil))
}

// CountMessageTokens counts a prompt including per-message framing overhead.
func CountMessageTokens(messages []Message) int {
	if len(messages) == 0 {
		return 0
	}
	total := 2
	for _, msg := range messages {
		total += 4 + CountTokens(msg.Role) + CountTokens(msg.Content)
	}
	return total
}

// EstimateUsage fills in usage for backends that report none.
func EstimateUsage(messages []Message, completion string) *Usage {
	prompt := CountMessageTokens(messages)
	out := CountTokens(completion)
	return &Usage{
		PromptTokens:     prompt,
		CompletionTokens: out,
		TotalTokens:      prompt + out,
		Estimated:        true,
	}
}

// roughly four characters per token for English prose
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}
