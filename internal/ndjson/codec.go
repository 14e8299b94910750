package ndjson

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/iambrandonn/autodev/internal/protocol"
)

// MaxMessageSize is the maximum NDJSON line size (256 KiB)
const MaxMessageSize = 256 * 1024

// Encoder writes NDJSON lines to an output stream
type Encoder struct {
	writer *bufio.Writer
	logger *slog.Logger
}

// NewEncoder creates a new NDJSON encoder
func NewEncoder(w io.Writer, logger *slog.Logger) *Encoder {
	return &Encoder{
		writer: bufio.NewWriter(w),
		logger: logger,
	}
}

// Encode writes a value as a single JSON line and flushes it
func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if len(data) > MaxMessageSize {
		e.logger.Error("message exceeds size limit",
			"size", len(data),
			"limit", MaxMessageSize,
			"overflow", len(data)-MaxMessageSize)
		return fmt.Errorf("message size %d exceeds limit %d", len(data), MaxMessageSize)
	}

	if _, err := e.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := e.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	if err := e.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}

	return nil
}

// Decoder reads NDJSON lines from an input stream
type Decoder struct {
	scanner *bufio.Scanner
	logger  *slog.Logger
	lineNum int
}

// NewDecoder creates a new NDJSON decoder
func NewDecoder(r io.Reader, logger *slog.Logger) *Decoder {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, MaxMessageSize+1)

	return &Decoder{
		scanner: scanner,
		logger:  logger,
	}
}

// next returns the next non-empty line, or io.EOF
func (d *Decoder) next() ([]byte, error) {
	for {
		if !d.scanner.Scan() {
			if err := d.scanner.Err(); err != nil {
				return nil, fmt.Errorf("scanner error at line %d: %w", d.lineNum+1, err)
			}
			return nil, io.EOF
		}

		d.lineNum++
		data := d.scanner.Bytes()
		if len(data) == 0 {
			continue
		}

		if len(data) > MaxMessageSize {
			d.logger.Error("line exceeds size limit",
				"line", d.lineNum,
				"size", len(data),
				"limit", MaxMessageSize)
			return nil, fmt.Errorf("line %d size %d exceeds limit %d", d.lineNum, len(data), MaxMessageSize)
		}
		return data, nil
	}
}

// Decode reads the next NDJSON line into v
func (d *Decoder) Decode(v any) error {
	data, err := d.next()
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, v); err != nil {
		d.logger.Error("failed to unmarshal JSON",
			"line", d.lineNum,
			"error", err,
			"data", string(data[:min(100, len(data))]))
		return fmt.Errorf("failed to unmarshal line %d: %w", d.lineNum, err)
	}

	return nil
}

// DecodeEvent reads the next line and routes it to its event variant by type tag
func (d *Decoder) DecodeEvent() (protocol.Event, error) {
	data, err := d.next()
	if err != nil {
		return nil, err
	}

	evt, err := protocol.DecodeEvent(data)
	if err != nil {
		d.logger.Warn("undecodable event line",
			"line", d.lineNum,
			"error", err)
		return nil, fmt.Errorf("line %d: %w", d.lineNum, err)
	}
	return evt, nil
}
