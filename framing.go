package mcpuse

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// errPartialRecord marks a record left incomplete when its stream ended.
var errPartialRecord = errors.New("partial record at stream end")

// encodeFrame renders one envelope as a newline-terminated JSON record, the
// wire format of the process transport.
func encodeFrame(msg JSONRPCMessage) ([]byte, error) {
	bs, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return append(bs, '\n'), nil
}

// decodeFrame parses one record into an envelope and validates its shape
// against the three protocol variants. Anything else is a FramingError.
func decodeFrame(data []byte) (JSONRPCMessage, error) {
	var msg JSONRPCMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return JSONRPCMessage{}, &FramingError{Data: data, Err: err}
	}
	if msg.JSONRPC != JSONRPCVersion {
		return JSONRPCMessage{}, &FramingError{
			Data: data,
			Err:  fmt.Errorf("unsupported jsonrpc version %q", msg.JSONRPC),
		}
	}
	if !msg.IsRequest() && !msg.IsResponse() && !msg.IsNotification() {
		return JSONRPCMessage{}, &FramingError{
			Data: data,
			Err:  errors.New("envelope matches no request, response, or notification shape"),
		}
	}
	return msg, nil
}

// lineDecoder reads newline-delimited records off a byte stream, buffering a
// record that spans multiple physical reads until its delimiter arrives.
type lineDecoder struct {
	// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
	r *bufio.Reader
}

func newLineDecoder(r io.Reader) *lineDecoder {
	return &lineDecoder{r: bufio.NewReader(r)}
}

// next returns the next complete record. Blank lines are skipped. At stream
// end it returns io.EOF, or a FramingError when a partial trailing record was
// left behind.
func (d *lineDecoder) next() (JSONRPCMessage, error) {
	for {
		line, err := d.r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && strings.TrimSpace(line) != "" {
				return JSONRPCMessage{}, &FramingError{
					Data: []byte(line),
					Err:  errPartialRecord,
				}
			}
			return JSONRPCMessage{}, err
		}

		line = strings.TrimSuffix(line, "\n")
		if strings.TrimSpace(line) == "" {
			continue
		}

		return decodeFrame([]byte(line))
	}
}
