// Package mailsec extracts authentication and spam metadata from raw email
// headers. Every function is pure.
package mailsec

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/emersion/go-message/textproto"

	"jmapmail/internal/jmap/protocol"
)

// Header names consulted by Analyze, lowercase.
const (
	HeaderAuthResults = "authentication-results"
	HeaderSpamScore   = "x-spam-score"
	HeaderSpamStatus  = "x-spam-status"
	HeaderSpamFlag    = "x-spam-flag"
	HeaderRspamdScore = "x-rspamd-score"
	HeaderSpamLLM     = "x-spam-llm"
	HeaderAIVerdict   = "x-ai-spam-verdict"
)

// NormalizeHeaders turns JMAP header pairs into a lowercase name -> values
// map. Values keep their original order and are unfolded.
func NormalizeHeaders(headers []protocol.EmailHeader) map[string][]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string][]string, len(headers))
	for _, h := range headers {
		name := strings.ToLower(strings.TrimSpace(h.Name))
		if name == "" {
			continue
		}
		out[name] = append(out[name], unfold(h.Value))
	}
	return out
}

// ParseHeaderBlock parses a raw RFC 5322 header block (as stored in a
// message blob) into the same map NormalizeHeaders produces.
func ParseHeaderBlock(raw string) (map[string][]string, error) {
	if !strings.HasSuffix(raw, "\r\n\r\n") && !strings.HasSuffix(raw, "\n\n") {
		raw = strings.TrimRight(raw, "\r\n") + "\r\n\r\n"
	}
	h, err := textproto.ReadHeader(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse header block: %w", err)
	}

	// Fields iterates top to bottom.
	out := make(map[string][]string)
	fields := h.Fields()
	for fields.Next() {
		name := strings.ToLower(fields.Key())
		out[name] = append(out[name], unfold(fields.Value()))
	}
	return out, nil
}

// First returns the first value of a header, or "".
func First(headers map[string][]string, name string) string {
	if vs := headers[strings.ToLower(name)]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

func unfold(v string) string {
	v = strings.NewReplacer("\r\n", " ", "\n", " ", "\t", " ").Replace(v)
	return strings.Join(strings.Fields(v), " ")
}
