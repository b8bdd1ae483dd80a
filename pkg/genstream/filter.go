package genstream

import "strings"

// Markers delimiting the hidden options block inside the model's raw output.
const (
	optionsStartMarker = "<OPTIONS_JSON>"
	optionsEndMarker   = "</OPTIONS_JSON>"
)

// OptionBlockFilter strips the embedded options block from the visible delta
// stream. It is a two-state machine (visible, hidden) over an internal
// buffer: in the visible state everything before a start marker is emitted,
// with a tail of len(marker)-1 bytes retained so a marker split across
// arbitrary chunk boundaries is never leaked; in the hidden state input is
// discarded up to and including the end marker, again retaining a
// boundary-safe tail.
//
// Not safe for concurrent use; each producer owns one filter.
type OptionBlockFilter struct {
	buf    strings.Builder
	hidden bool
}

// Accept feeds one raw chunk and returns the visible text it releases.
func (f *OptionBlockFilter) Accept(chunk string) string {
	if chunk == "" {
		return ""
	}
	in := f.buf.String() + chunk
	f.buf.Reset()

	var out strings.Builder
	for {
		if f.hidden {
			idx := strings.Index(in, optionsEndMarker)
			if idx < 0 {
				// Keep only the tail that could begin an end marker.
				f.buf.WriteString(tail(in, len(optionsEndMarker)-1))
				return out.String()
			}
			in = in[idx+len(optionsEndMarker):]
			f.hidden = false
			continue
		}
		idx := strings.Index(in, optionsStartMarker)
		if idx < 0 {
			keep := tail(in, len(optionsStartMarker)-1)
			out.WriteString(in[:len(in)-len(keep)])
			f.buf.WriteString(keep)
			return out.String()
		}
		out.WriteString(in[:idx])
		in = in[idx+len(optionsStartMarker):]
		f.hidden = true
	}
}

// FlushRemainder releases any buffered visible tail at end of stream. If the
// stream ended inside an unterminated hidden block the buffer is discarded:
// hidden content never leaks into visible output.
func (f *OptionBlockFilter) FlushRemainder() string {
	rest := f.buf.String()
	f.buf.Reset()
	if f.hidden {
		return ""
	}
	return rest
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
