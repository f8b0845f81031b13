package mailsec

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/emersion/go-msgauth/authres"

	"jmapmail/internal/jmap/protocol"
)

// DefaultSpamThreshold is used when X-Spam-Status carries no required= value.
const DefaultSpamThreshold = 5.0

// Analyze derives security annotations from normalised headers. It returns
// nil when none of the consulted headers is present.
func Analyze(headers map[string][]string) *protocol.SecurityAnnotations {
	if len(headers) == 0 {
		return nil
	}
	sec := &protocol.SecurityAnnotations{}
	found := false

	if ar := First(headers, HeaderAuthResults); ar != "" {
		parsed := ParseAuthenticationResults(ar)
		sec.AuthServ = parsed.AuthServ
		sec.SPF, sec.DKIM, sec.DMARC = parsed.SPF, parsed.DKIM, parsed.DMARC
		found = true
	}

	if score, status, ok := ParseSpam(headers); ok {
		sec.SpamScore = score
		sec.SpamStatus = status
		found = true
	}

	if v := ParseLLMVerdict(headers); v != nil {
		sec.SpamLLM = v
		found = true
	}

	if !found {
		return nil
	}
	return sec
}

// ParseAuthenticationResults extracts spf, dkim and dmarc verdicts from one
// Authentication-Results value. Values the library rejects are scanned
// method=result token by token instead.
func ParseAuthenticationResults(value string) *protocol.SecurityAnnotations {
	out := &protocol.SecurityAnnotations{}
	authServ, results, err := authres.Parse(value)
	if err != nil {
		return scanAuthResults(value)
	}
	out.AuthServ = authServ

	for _, r := range results {
		switch res := r.(type) {
		case *authres.SPFResult:
			domain := res.From
			if domain == "" {
				domain = res.Helo
			}
			out.SPF = pick(out.SPF, &protocol.AuthResult{Method: "spf", Result: string(res.Value), Domain: domainOf(domain), Reason: res.Reason})
		case *authres.DKIMResult:
			out.DKIM = pick(out.DKIM, &protocol.AuthResult{Method: "dkim", Result: string(res.Value), Domain: res.Domain, Reason: res.Reason})
		case *authres.DMARCResult:
			out.DMARC = pick(out.DMARC, &protocol.AuthResult{Method: "dmarc", Result: string(res.Value), Domain: domainOf(res.From), Reason: res.Reason})
		}
	}
	return out
}

// pick keeps the first result, replacing it only with a later pass.
func pick(cur, next *protocol.AuthResult) *protocol.AuthResult {
	if cur == nil {
		return next
	}
	if cur.Result != string(authres.ResultPass) && next.Result == string(authres.ResultPass) {
		return next
	}
	return cur
}

var authTokenRe = regexp.MustCompile(`(?i)\b(spf|dkim|dmarc)\s*=\s*([a-z]+)`)
var propRe = regexp.MustCompile(`(?i)\b(smtp\.mailfrom|header\.d|header\.from|header\.i)\s*=\s*([^\s;()]+)`)

func scanAuthResults(value string) *protocol.SecurityAnnotations {
	out := &protocol.SecurityAnnotations{}
	if i := strings.IndexByte(value, ';'); i > 0 {
		out.AuthServ = strings.TrimSpace(value[:i])
	}
	for _, clause := range strings.Split(value, ";") {
		m := authTokenRe.FindStringSubmatch(clause)
		if m == nil {
			continue
		}
		res := &protocol.AuthResult{Method: strings.ToLower(m[1]), Result: strings.ToLower(m[2])}
		if p := propRe.FindStringSubmatch(clause); p != nil {
			res.Domain = domainOf(p[2])
		}
		switch res.Method {
		case "spf":
			out.SPF = pick(out.SPF, res)
		case "dkim":
			out.DKIM = pick(out.DKIM, res)
		case "dmarc":
			out.DMARC = pick(out.DMARC, res)
		}
	}
	return out
}

func domainOf(s string) string {
	s = strings.Trim(s, "<>\"")
	if i := strings.LastIndexByte(s, '@'); i >= 0 {
		return s[i+1:]
	}
	return s
}

var scoreRe = regexp.MustCompile(`(?i)\bscore\s*=\s*(-?[0-9]+(?:\.[0-9]+)?)`)
var requiredRe = regexp.MustCompile(`(?i)\brequired\s*=\s*(-?[0-9]+(?:\.[0-9]+)?)`)

// ParseSpam reads the spam score and status from SpamAssassin or rspamd
// headers. Status is "spam", "ham" or "" when only a score is known.
func ParseSpam(headers map[string][]string) (score *float64, status string, ok bool) {
	threshold := DefaultSpamThreshold

	if v := First(headers, HeaderSpamStatus); v != "" {
		ok = true
		if m := scoreRe.FindStringSubmatch(v); m != nil {
			score = parseFloat(m[1])
		}
		if m := requiredRe.FindStringSubmatch(v); m != nil {
			if t := parseFloat(m[1]); t != nil {
				threshold = *t
			}
		}
		switch {
		case hasPrefixFold(v, "yes"):
			status = "spam"
		case hasPrefixFold(v, "no"):
			status = "ham"
		}
	}

	if score == nil {
		for _, name := range []string{HeaderSpamScore, HeaderRspamdScore} {
			if v := First(headers, name); v != "" {
				ok = true
				if s := parseFloat(v); s != nil {
					score = s
					break
				}
			}
		}
	}

	if v := First(headers, HeaderSpamFlag); v != "" {
		ok = true
		if hasPrefixFold(v, "yes") {
			status = "spam"
		} else if status == "" {
			status = "ham"
		}
	}

	if status == "" && score != nil {
		if *score >= threshold {
			status = "spam"
		} else {
			status = "ham"
		}
	}
	return score, status, ok
}

// ParseLLMVerdict reads an AI classifier header of the form
// "Verdict: explanation" or "Verdict (explanation)".
func ParseLLMVerdict(headers map[string][]string) *protocol.LLMVerdict {
	v := First(headers, HeaderSpamLLM)
	if v == "" {
		v = First(headers, HeaderAIVerdict)
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}

	verdict, explanation := v, ""
	if i := strings.IndexAny(v, ":("); i > 0 {
		verdict = v[:i]
		explanation = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(v[i+1:]), ")"))
	}
	return &protocol.LLMVerdict{
		Verdict:     strings.ToLower(strings.TrimSpace(verdict)),
		Explanation: explanation,
	}
}

// IsSuspicious reports whether annotations indicate spam or a failed DMARC
// check.
func IsSuspicious(sec *protocol.SecurityAnnotations) bool {
	if sec == nil {
		return false
	}
	if sec.SpamStatus == "spam" {
		return true
	}
	if sec.SpamLLM != nil && sec.SpamLLM.Verdict == "spam" {
		return true
	}
	return sec.DMARC != nil && sec.DMARC.Result == string(authres.ResultFail)
}

func parseFloat(s string) *float64 {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil
	}
	f, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return nil
	}
	return &f
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
