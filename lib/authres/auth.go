package authres

import (
	"regexp"
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-msgauth/authres"
	"github.com/pkg/errors"

	"github.com/afewmail/afew/lib/log"
)

const AuthHeader = "Authentication-Results"

type Method string

const (
	DKIM  Method = "dkim"
	SPF   Method = "spf"
	DMARC Method = "dmarc"
)

var Methods = []Method{DKIM, SPF, DMARC}

// Result is the outcome of one authentication method, as reported by one
// server.
type Result struct {
	Server string
	Method Method
	Value  authres.ResultValue
	// Info is the identity the result applies to (domain, sender).
	Info   string
	Reason string
}

// Trust holds the authserv-ids whose results are believed.
type Trust struct {
	any      bool
	patterns []*regexp.Regexp
}

// NewTrust compiles a list of authserv-id regular expressions. "*" trusts
// every server.
func NewTrust(ids []string) (*Trust, error) {
	t := &Trust{}
	for _, id := range ids {
		if id == "*" {
			t.any = true
			continue
		}
		re, err := regexp.Compile("^(?:" + id + ")$")
		if err != nil {
			return nil, errors.Wrapf(err, "authserv-id %q", id)
		}
		t.patterns = append(t.patterns, re)
	}
	return t, nil
}

func (t *Trust) Trusted(server string) bool {
	if t.any {
		return true
	}
	for _, re := range t.patterns {
		if re.MatchString(server) {
			return true
		}
	}
	return false
}

var commentSemicolons = regexp.MustCompile(`(\(.*);(.*\))`)

// parseField works around the common deviations from RFC 8601 that
// go-msgauth rejects.
func parseField(text string) (string, []authres.Result, error) {
	server, results, err := authres.Parse(text)
	if err == nil {
		return server, results, nil
	}
	switch err.Error() {
	case "msgauth: unsupported version":
		// no authserv-id at all
		return authres.Parse("unknown;" + text)
	case "msgauth: malformed authentication method and value":
		return authres.Parse(commentSemicolons.ReplaceAllString(text, "${1}${2}"))
	}
	return "", nil, err
}

// Parse returns the dkim, spf and dmarc results of every
// Authentication-Results field of h added by a trusted server.
func Parse(h *mail.Header, trust *Trust) ([]Result, error) {
	var all []Result
	fields := h.FieldsByKey(AuthHeader)
	for fields.Next() {
		text, err := fields.Text()
		if err != nil {
			return nil, err
		}
		server, results, err := parseField(text)
		if err != nil {
			return nil, errors.Wrap(err, AuthHeader)
		}
		if !trust.Trusted(server) {
			log.Tracef("ignoring results of untrusted server %q", server)
			continue
		}
		for _, result := range results {
			var r Result
			switch v := result.(type) {
			case *authres.DKIMResult:
				r = Result{Method: DKIM, Value: v.Value, Reason: v.Reason}
				r.Info = v.Identifier
				if r.Info == "" {
					r.Info = v.Domain
				}
			case *authres.SPFResult:
				r = Result{Method: SPF, Value: v.Value, Reason: v.Reason}
				r.Info = v.From
				if r.Info == "" {
					r.Info = v.Helo
				}
			case *authres.DMARCResult:
				r = Result{Method: DMARC, Value: v.Value, Reason: v.Reason, Info: v.From}
			default:
				continue
			}
			r.Server = server
			r.Value = authres.ResultValue(strings.ToLower(string(r.Value)))
			all = append(all, r)
		}
	}
	return all, nil
}
