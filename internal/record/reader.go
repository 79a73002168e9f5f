package record

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	dmerrors "github.com/hpungsan/devmem/internal/errors"
)

// maxLineBytes bounds a single JSONL line.
const maxLineBytes = 8 * 1024 * 1024

// Decoded is one input entry: its 1-based position and either a value or the
// error that prevented decoding it.
type Decoded[T any] struct {
	Line  int
	Value T
	Err   error
}

// Decode reads a JSON array or JSON Lines stream of T. Entries that fail to
// decode are returned with Err set so the caller can skip them; the returned
// error is reserved for read failures and a malformed top-level array.
func Decode[T any](r io.Reader) ([]Decoded[T], error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if first == '[' {
		return decodeArray[T](br)
	}
	return decodeLines[T](br)
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}

func decodeArray[T any](r io.Reader) ([]Decoded[T], error) {
	var items []json.RawMessage
	if err := json.NewDecoder(r).Decode(&items); err != nil {
		return nil, dmerrors.NewInvalidRequest(fmt.Sprintf("invalid JSON array: %v", err))
	}
	out := make([]Decoded[T], 0, len(items))
	for i, item := range items {
		out = append(out, decodeOne[T](i+1, item))
	}
	return out, nil
}

func decodeLines[T any](r io.Reader) ([]Decoded[T], error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var out []Decoded[T]
	line := 0
	for scanner.Scan() {
		line++
		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 {
			continue
		}
		out = append(out, decodeOne[T](line, data))
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("read line %d: %w", line+1, err)
	}
	return out, nil
}

func decodeOne[T any](line int, data []byte) Decoded[T] {
	d := Decoded[T]{Line: line}
	if err := json.Unmarshal(data, &d.Value); err != nil {
		d.Err = dmerrors.NewNormalization("", fmt.Sprintf("line %d", line), err.Error())
	}
	return d
}
