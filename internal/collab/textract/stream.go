package textract

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

// StreamParser decodes the Server-Sent Events stream produced by the
// text-extraction service.
type StreamParser struct {
	scanner *bufio.Scanner
}

// NewStreamParser creates a new stream parser.
func NewStreamParser(reader io.Reader) *StreamParser {
	return &StreamParser{
		scanner: bufio.NewScanner(reader),
	}
}

// StreamChunk is a single decoded chunk from the stream.
type StreamChunk struct {
	Text string
	Done bool
}

type streamEvent struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}

// Next reads the next chunk from the stream. Lines that are not data
// frames or do not decode are skipped; the service occasionally emits
// keep-alive comments.
func (p *StreamParser) Next() (*StreamChunk, error) {
	for p.scanner.Scan() {
		line := p.scanner.Text()

		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")

		if data == "[DONE]" {
			return &StreamChunk{Done: true}, nil
		}

		var evt streamEvent
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			continue
		}

		return &StreamChunk{Text: evt.Text, Done: evt.Done}, nil
	}

	if err := p.scanner.Err(); err != nil {
		return nil, err
	}

	return &StreamChunk{Done: true}, nil
}
