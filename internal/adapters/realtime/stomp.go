package realtime

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
)

// Each websocket text message carries exactly one STOMP frame, or a bare
// end-of-line as a heart-beat.
var heartbeatPayload = []byte("\n")

func encodeFrame(f *frame.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Command, err)
	}
	return buf.Bytes(), nil
}

// decodeFrame returns (nil, nil) for heart-beats.
func decodeFrame(data []byte) (*frame.Frame, error) {
	if len(bytes.Trim(data, "\r\n")) == 0 {
		return nil, nil
	}
	r := frame.NewReader(bytes.NewReader(data))
	for {
		f, err := r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, nil
			}
			return nil, fmt.Errorf("decode frame: %w", err)
		}
		if f != nil {
			return f, nil
		}
	}
}

// parseHeartBeat reads a "cx,cy" heart-beat header value in milliseconds.
func parseHeartBeat(v string) (time.Duration, time.Duration, error) {
	if v == "" {
		return 0, 0, nil
	}
	parts := strings.Split(v, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid heart-beat header %q", v)
	}
	x, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid heart-beat header %q: %w", v, err)
	}
	y, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid heart-beat header %q: %w", v, err)
	}
	return time.Duration(x) * time.Millisecond, time.Duration(y) * time.Millisecond, nil
}

func formatHeartBeat(out, in time.Duration) string {
	return fmt.Sprintf("%d,%d", out.Milliseconds(), in.Milliseconds())
}

// negotiateHeartBeat applies the STOMP 1.2 rule: a direction is enabled
// only if both sides ask for it, at the slower of the two rates.
func negotiateHeartBeat(clientOut, clientIn, serverOut, serverIn time.Duration) (out, in time.Duration) {
	if clientOut > 0 && serverIn > 0 {
		out = maxDuration(clientOut, serverIn)
	}
	if clientIn > 0 && serverOut > 0 {
		in = maxDuration(clientIn, serverOut)
	}
	return out, in
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
