package streaming

import "strings"

// fieldState is the scanning state of FieldParser's small character-level
// state machine.
type fieldState int

const (
	stateScanning      fieldState = iota // outside any string, looking for the next "key"
	stateInKey                           // inside a "..." that is a candidate key
	stateAfterKeyColon                   // key matched narrationText, waiting for the opening quote of its value
	stateInValue                         // inside the narrationText value string, streaming characters out
	stateDone                            // narrationText value has closed; nothing more to do
)

// FieldParser is the alternative streaming path used when the LLM omits the
// <<<JSON>>> marker and instead emits a single bare JSON object. It tracks
// brace/bracket depth and scans forward for the "narrationText" key; once
// found, subsequent string characters up to the closing quote are streamed
// out as narration in real time, unescaping \n, \", and \\.
type FieldParser struct {
	raw       strings.Builder
	narration strings.Builder

	state  fieldState
	depth  int
	escape bool
	keyBuf strings.Builder
}

// NewFieldParser creates a field-scanning parser.
func NewFieldParser() *FieldParser {
	return &FieldParser{}
}

// ProcessChunk feeds one chunk of raw JSON text and returns narration
// characters newly safe to forward (populated only once the narrationText
// value has started and until its closing quote).
func (f *FieldParser) ProcessChunk(chunk string) string {
	f.raw.WriteString(chunk)
	var out strings.Builder

	for _, r := range chunk {
		switch f.state {
		case stateDone:
			// nothing left to extract

		case stateInValue:
			if f.escape {
				out.WriteRune(unescape(r))
				f.escape = false
				continue
			}
			switch r {
			case '\\':
				f.escape = true
			case '"':
				f.state = stateDone
			default:
				out.WriteRune(r)
			}

		case stateInKey:
			if f.escape {
				f.keyBuf.WriteRune(r)
				f.escape = false
				continue
			}
			switch r {
			case '\\':
				f.escape = true
			case '"':
				if f.keyBuf.String() == "narrationText" {
					f.state = stateAfterKeyColon
				} else {
					f.state = stateScanning
				}
				f.keyBuf.Reset()
			default:
				f.keyBuf.WriteRune(r)
			}

		case stateAfterKeyColon:
			// Skip whitespace and the ':' until the value's opening quote.
			if r == '"' {
				f.state = stateInValue
			}
			// any other character (':', ' ', '\t', '\n') is skipped

		case stateScanning:
			switch r {
			case '{', '[':
				f.depth++
			case '}', ']':
				f.depth--
			case '"':
				f.state = stateInKey
			}
		}
	}

	f.narration.WriteString(out.String())
	return out.String()
}

func unescape(r rune) rune {
	switch r {
	case 'n':
		return '\n'
	case '"':
		return '"'
	case '\\':
		return '\\'
	default:
		return r
	}
}

// GetNarration returns all narration characters streamed so far.
func (f *FieldParser) GetNarration() string { return f.narration.String() }

// GetRaw returns the complete raw JSON text fed to the parser so far, for
// final whole-payload parsing once the stream ends.
func (f *FieldParser) GetRaw() string { return strings.TrimSpace(f.raw.String()) }
