package claude

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/xiaoyuanzhu-com/claude-console/claude/models"
)

// ReadSessionFile parses every message in a session JSONL file. Each line is
// parsed into its specific type with raw bytes preserved for passthrough
// serialization; lines that fail to parse come back as unknown messages
// rather than aborting the read.
func ReadSessionFile(path string) ([]models.SessionMessageI, error) {
	messages, _, err := ReadSessionFileFrom(path, 0)
	return messages, err
}

// ReadSessionFileFrom parses messages starting at a byte offset and returns
// the new offset, so a tailing caller re-reads only what was appended. A
// trailing line without a newline is assumed to be mid-write and is not
// consumed unless it already parses as complete JSON; the returned offset
// stops before anything left unconsumed.
func ReadSessionFileFrom(path string, offset int64) ([]models.SessionMessageI, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, offset, fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	if offset > 0 {
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			return nil, offset, fmt.Errorf("failed to seek session file: %w", err)
		}
	}

	var messages []models.SessionMessageI
	reader := bufio.NewReader(file)

	for {
		lineBytes, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				if len(lineBytes) > 0 && json.Valid(lineBytes) {
					if msg := models.ParseMessage(lineBytes); msg != nil {
						messages = append(messages, msg)
					}
					offset += int64(len(lineBytes))
				}
				break
			}
			return nil, offset, fmt.Errorf("error reading session file: %w", err)
		}

		offset += int64(len(lineBytes))
		if msg := models.ParseMessage(lineBytes); msg != nil {
			messages = append(messages, msg)
		}
	}

	return messages, offset, nil
}
