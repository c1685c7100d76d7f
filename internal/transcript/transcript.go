// internal/transcript/transcript.go
package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"convowal/internal/message"
)

// ReadFile loads a JSONL transcript: one message per line, blank lines
// skipped
func ReadFile(path string) ([]message.Message, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer file.Close()

	var messages []message.Message
	scanner := bufio.NewScanner(file)

	// Increase buffer size for potentially large lines
	const maxCapacity = 1024 * 1024 // 1MB
	buf := make([]byte, maxCapacity)
	scanner.Buffer(buf, maxCapacity)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg message.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	return messages, nil
}

// WriteFile writes a JSONL transcript atomically via a temp file rename
func WriteFile(path string, messages []message.Message) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".transcript-*.jsonl")
	if err != nil {
		return fmt.Errorf("create temp transcript: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, msg := range messages {
		data, err := json.Marshal(msg)
		if err != nil {
			tmp.Close()
			return fmt.Errorf("marshal message: %w", err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			tmp.Close()
			return fmt.Errorf("write transcript: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
