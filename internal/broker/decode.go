// ABOUTME: Stateful decoder for the provider's raw stream fragment format.
// ABOUTME: Buffers across fragments and emits text, image, finish, and error events.

package broker

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// doneSentinel is the literal payload marking the end of a provider stream.
const doneSentinel = "[DONE]"

// Provider stream grammar. Lines are prefixed by a participant slot (a or
// b) and a record tag: 0 carries a JSON-quoted text delta, 2 an image
// result array, d a finish record.
var (
	textPattern   = regexp.MustCompile(`[ab]0:"((?:\\.|[^"\\])*)"`)
	imagePattern  = regexp.MustCompile(`[ab]2:(\[.*?\])`)
	finishPattern = regexp.MustCompile(`[ab]d:(\{.*?"finishReason".*?\})`)
	errorPattern  = regexp.MustCompile(`(?s)(\{\s*"error".*?\})`)
)

// cloudflarePatterns mark a human verification interstitial served in
// place of the provider response.
var cloudflarePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<title>Just a moment\.\.\.</title>`),
	regexp.MustCompile(`(?i)Enable JavaScript and cookies to continue`),
}

const (
	decText = iota
	decFinish
	decError
)

// decoded is one event recovered from the provider stream.
type decoded struct {
	kind   int
	text   string
	reason string
	err    error
}

// decoder accumulates raw stream fragments and scans them for complete
// records. A record split across two fragments is completed by the next
// feed; consumed records are dropped from the buffer.
type decoder struct {
	buffer string
}

// feed ingests one delivery payload and returns the events recovered from
// it plus whether the stream reached its terminal. The payload is either a
// JSON string (a raw fragment or the done sentinel) or an object carrying
// an error relayed by the remote agent.
func (d *decoder) feed(raw json.RawMessage) ([]decoded, bool) {
	var fragment string
	if err := json.Unmarshal(raw, &fragment); err != nil {
		var relayed struct {
			Error any `json:"error"`
		}
		if err := json.Unmarshal(raw, &relayed); err == nil && relayed.Error != nil {
			return []decoded{{kind: decError, err: classifyProviderError(relayed.Error)}}, true
		}
		return nil, false
	}

	if fragment == doneSentinel {
		return nil, true
	}

	d.buffer += fragment
	return d.scan()
}

// scan walks the buffer for complete records: verification markers and
// embedded error objects end the stream; text and image records are
// consumed in order; at most one finish record is taken per scan.
func (d *decoder) scan() ([]decoded, bool) {
	var out []decoded

	for _, p := range cloudflarePatterns {
		if p.MatchString(d.buffer) {
			return append(out, decoded{kind: decError, err: errVerificationChallenge}), true
		}
	}

	if m := errorPattern.FindStringSubmatch(d.buffer); m != nil {
		var relayed struct {
			Error any `json:"error"`
		}
		// A partial object can match; leave it in the buffer until it
		// parses.
		if err := json.Unmarshal([]byte(m[1]), &relayed); err == nil && relayed.Error != nil {
			return append(out, decoded{kind: decError, err: classifyProviderError(relayed.Error)}), true
		}
	}

	for {
		loc := textPattern.FindStringSubmatchIndex(d.buffer)
		if loc == nil {
			break
		}
		var text string
		if err := json.Unmarshal([]byte(`"`+d.buffer[loc[2]:loc[3]]+`"`), &text); err == nil && text != "" {
			out = append(out, decoded{kind: decText, text: text})
		}
		d.buffer = d.buffer[loc[1]:]
	}

	for {
		loc := imagePattern.FindStringSubmatchIndex(d.buffer)
		if loc == nil {
			break
		}
		var items []struct {
			Type  string `json:"type"`
			Image string `json:"image"`
		}
		if err := json.Unmarshal([]byte(d.buffer[loc[2]:loc[3]]), &items); err == nil && len(items) > 0 {
			if items[0].Type == "image" && items[0].Image != "" {
				out = append(out, decoded{kind: decText, text: "![Image](" + items[0].Image + ")"})
			}
		}
		d.buffer = d.buffer[loc[1]:]
	}

	if loc := finishPattern.FindStringSubmatchIndex(d.buffer); loc != nil {
		var fin struct {
			FinishReason string `json:"finishReason"`
		}
		if err := json.Unmarshal([]byte(d.buffer[loc[2]:loc[3]]), &fin); err == nil {
			reason := fin.FinishReason
			if reason == "" {
				reason = "stop"
			}
			out = append(out, decoded{kind: decFinish, reason: reason})
		}
		d.buffer = d.buffer[loc[1]:]
	}

	return out, false
}

// classifyProviderError maps a relayed error value onto the package
// taxonomy. Size rejections and verification interstitials get dedicated
// handling; everything else surfaces as an upstream error.
func classifyProviderError(v any) error {
	msg, ok := v.(string)
	if !ok {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("%w: unrepresentable error payload", ErrUpstream)
		}
		msg = string(raw)
	}

	if strings.Contains(msg, "413") || strings.Contains(strings.ToLower(msg), "too large") {
		return fmt.Errorf("%w; reduce the file or use the file bed (the provider accepts roughly 5MB)", ErrAttachmentTooLarge)
	}
	for _, p := range cloudflarePatterns {
		if p.MatchString(msg) {
			return errVerificationChallenge
		}
	}
	return fmt.Errorf("%w: %s", ErrUpstream, msg)
}
