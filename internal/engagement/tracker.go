package engagement

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"html"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/foxzi/cadence/internal/email"
)

// ErrInvalidToken is returned for tokens that fail verification
var ErrInvalidToken = errors.New("invalid tracking token")

const macSize = 8

// Local parts of the inbound addresses
const (
	ReplyMailbox  = "reply"
	BounceMailbox = "bounce"
)

var hrefPattern = regexp.MustCompile(`href="(https?://[^"]+)"`)

// Tracker signs dispatch ids into tracking tokens and decorates outgoing mail
type Tracker struct {
	key           []byte
	baseURL       string
	inboundDomain string
}

// NewTracker creates a tracker. baseURL is the public URL of the tracking
// endpoints and may be empty to disable pixels and link rewriting.
// inboundDomain may be empty to disable reply and bounce addresses.
func NewTracker(secret, baseURL, inboundDomain string) *Tracker {
	key := blake2b.Sum256([]byte(secret))
	return &Tracker{
		key:           key[:],
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		inboundDomain: strings.ToLower(inboundDomain),
	}
}

// InboundDomain returns the domain reply and bounce addresses live under
func (t *Tracker) InboundDomain() string {
	return t.inboundDomain
}

// Token returns the signed token for a dispatch record id
func (t *Tracker) Token(dispatchID string) string {
	id, err := uuid.Parse(dispatchID)
	if err != nil {
		return ""
	}
	return hex.EncodeToString(id[:]) + hex.EncodeToString(t.mac(id[:]))
}

// Verify returns the dispatch id carried by a token
func (t *Tracker) Verify(token string) (string, error) {
	raw, err := hex.DecodeString(strings.ToLower(token))
	if err != nil || len(raw) != 16+macSize {
		return "", ErrInvalidToken
	}
	if subtle.ConstantTimeCompare(raw[16:], t.mac(raw[:16])) != 1 {
		return "", ErrInvalidToken
	}
	id, err := uuid.FromBytes(raw[:16])
	if err != nil {
		return "", ErrInvalidToken
	}
	return id.String(), nil
}

// DecorateHTML routes links through the click endpoint and appends an open pixel
func (t *Tracker) DecorateHTML(body, token string) string {
	if t.baseURL == "" || token == "" || body == "" {
		return body
	}

	body = hrefPattern.ReplaceAllStringFunc(body, func(m string) string {
		target := html.UnescapeString(hrefPattern.FindStringSubmatch(m)[1])
		return `href="` + html.EscapeString(t.ClickURL(token, target)) + `"`
	})

	pixel := `<img src="` + t.OpenURL(token) + `" width="1" height="1" alt="" style="display:none">`
	if i := strings.LastIndex(strings.ToLower(body), "</body>"); i >= 0 {
		return body[:i] + pixel + body[i:]
	}
	return body + pixel
}

// OpenURL returns the pixel URL for a token
func (t *Tracker) OpenURL(token string) string {
	return t.baseURL + "/t/o/" + token
}

// ClickURL returns the redirect URL for a token and target
func (t *Tracker) ClickURL(token, target string) string {
	q := url.Values{}
	q.Set("u", target)
	q.Set("s", t.linkSignature(token, target))
	return t.baseURL + "/t/c/" + token + "?" + q.Encode()
}

// VerifyLink reports whether a click target was signed for the token
func (t *Tracker) VerifyLink(token, target, signature string) bool {
	return subtle.ConstantTimeCompare([]byte(signature), []byte(t.linkSignature(token, target))) == 1
}

// ReplyAddress returns the reply-to address for a token
func (t *Tracker) ReplyAddress(token string) string {
	if t.inboundDomain == "" || token == "" {
		return ""
	}
	return email.TaggedAddress(ReplyMailbox, token, t.inboundDomain)
}

// BounceAddress returns the envelope sender for a token
func (t *Tracker) BounceAddress(token string) string {
	if t.inboundDomain == "" || token == "" {
		return ""
	}
	return email.TaggedAddress(BounceMailbox, token, t.inboundDomain)
}

func (t *Tracker) mac(data []byte) []byte {
	h, _ := blake2b.New256(t.key)
	h.Write(data)
	return h.Sum(nil)[:macSize]
}

func (t *Tracker) linkSignature(token, target string) string {
	return hex.EncodeToString(t.mac([]byte(token + "\x00" + target)))
}
