package service

import (
	"encoding/json"
	"strings"
)

// StreamChunkParser is the interface for provider-specific chunk parsing
type StreamChunkParser interface {
	ParseChunk(data []byte) (*StreamChunk, error)
}

type chunkEnvelope struct {
	Choices []struct {
		Delta struct {
			Role             string  `json:"role,omitempty"`
			Content          string  `json:"content,omitempty"`
			ReasoningContent *string `json:"reasoning_content,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
}

// OpenAIStreamChunkParser parses standard OpenAI-format streaming chunks
type OpenAIStreamChunkParser struct{}

func (p *OpenAIStreamChunkParser) ParseChunk(data []byte) (*StreamChunk, error) {
	var env chunkEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}

	chunk := &StreamChunk{}
	if len(env.Choices) > 0 {
		c := env.Choices[0]
		chunk.Role = c.Delta.Role
		chunk.Content = c.Delta.Content
		chunk.Done = c.FinishReason != ""
	}
	return chunk, nil
}

// ReasoningStreamChunkParser also surfaces reasoning_content deltas (NVIDIA, DeepSeek)
type ReasoningStreamChunkParser struct{}

func (p *ReasoningStreamChunkParser) ParseChunk(data []byte) (*StreamChunk, error) {
	var env chunkEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}

	chunk := &StreamChunk{}
	if len(env.Choices) > 0 {
		c := env.Choices[0]
		chunk.Role = c.Delta.Role
		chunk.Content = c.Delta.Content
		if c.Delta.ReasoningContent != nil {
			chunk.ThinkingContent = *c.Delta.ReasoningContent
		}
		chunk.Done = c.FinishReason != ""
	}
	return chunk, nil
}

// chunkParserFor picks the parser matching the provider behind baseURL
func chunkParserFor(baseURL string) StreamChunkParser {
	switch {
	case strings.Contains(baseURL, "integrate.api.nvidia.com"), strings.Contains(baseURL, "deepseek"):
		return &ReasoningStreamChunkParser{}
	default:
		return &OpenAIStreamChunkParser{}
	}
}
