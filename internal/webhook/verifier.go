package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/resumeforge/creditd/pkg/credits"
)

const (
	// SignatureHeader carries the provider signature for webhook deliveries.
	SignatureHeader = "Payment-Signature"

	schemePrefixTimestamp = "t="
	schemePrefixSignature = "v1="

	// DefaultTolerance bounds the accepted clock skew between the signed
	// timestamp and the receiving host.
	DefaultTolerance = 5 * time.Minute
)

// Verifier authenticates webhook payloads against the shared signing secret.
// The signature is an HMAC-SHA256 over "<timestamp>.<raw body>", delivered as
// "t=<unix>,v1=<hex digest>". Verification runs over the exact raw bytes;
// re-serializing the body before checking would invalidate the digest.
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	nowFn     func() time.Time
}

// New wires a Verifier. A zero tolerance falls back to DefaultTolerance and a
// nil clock falls back to time.Now.
func New(secret []byte, tolerance time.Duration, now func() time.Time) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: signing secret is required", credits.ErrInvalidServiceConfig)
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	if now == nil {
		now = time.Now
	}
	return &Verifier{secret: secret, tolerance: tolerance, nowFn: now}, nil
}

type eventEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID                string `json:"id"`
			ClientReferenceID string `json:"client_reference_id"`
		} `json:"object"`
	} `json:"data"`
}

// VerifyAndParse authenticates rawBody against signatureHeader and parses it
// into a ProviderEvent. Purchase-completion events must carry both the
// session id and the correlation reference; their absence is a malformed
// payload, not a silent skip, because without them funds cannot be attributed.
func (verifier *Verifier) VerifyAndParse(rawBody []byte, signatureHeader string) (credits.ProviderEvent, error) {
	timestamp, signature, err := parseSignatureHeader(signatureHeader)
	if err != nil {
		return credits.ProviderEvent{}, err
	}

	skew := verifier.nowFn().UTC().Sub(time.Unix(timestamp, 0).UTC())
	if skew > verifier.tolerance || skew < -verifier.tolerance {
		return credits.ProviderEvent{}, fmt.Errorf("%w: timestamp outside tolerance", credits.ErrInvalidSignature)
	}

	// Decode before comparing so digest casing never matters.
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return credits.ProviderEvent{}, fmt.Errorf("%w: malformed digest", credits.ErrInvalidSignature)
	}
	if !hmac.Equal(provided, computeSignature(verifier.secret, timestamp, rawBody)) {
		return credits.ProviderEvent{}, fmt.Errorf("%w: digest mismatch", credits.ErrInvalidSignature)
	}

	var envelope eventEnvelope
	if err := json.Unmarshal(rawBody, &envelope); err != nil {
		return credits.ProviderEvent{}, fmt.Errorf("%w: %v", credits.ErrMalformedPayload, err)
	}
	if strings.TrimSpace(envelope.Type) == "" {
		return credits.ProviderEvent{}, fmt.Errorf("%w: missing event type", credits.ErrMalformedPayload)
	}

	event := credits.ProviderEvent{
		Type:            envelope.Type,
		EventID:         envelope.ID,
		ExternalEventID: envelope.Data.Object.ID,
		UserReference:   envelope.Data.Object.ClientReferenceID,
	}
	if event.Type == credits.EventTypeCheckoutCompleted {
		if strings.TrimSpace(event.ExternalEventID) == "" {
			return credits.ProviderEvent{}, fmt.Errorf("%w: missing session id", credits.ErrMalformedPayload)
		}
		if strings.TrimSpace(event.UserReference) == "" {
			return credits.ProviderEvent{}, fmt.Errorf("%w: missing client reference", credits.ErrMalformedPayload)
		}
	}
	return event, nil
}

// Sign produces a signature header for rawBody at the given time. Exported
// for provider simulators and tests.
func Sign(secret []byte, at time.Time, rawBody []byte) string {
	timestamp := at.UTC().Unix()
	digest := hex.EncodeToString(computeSignature(secret, timestamp, rawBody))
	return fmt.Sprintf("%s%d,%s%s", schemePrefixTimestamp, timestamp, schemePrefixSignature, digest)
}

func parseSignatureHeader(header string) (int64, string, error) {
	if strings.TrimSpace(header) == "" {
		return 0, "", fmt.Errorf("%w: missing signature header", credits.ErrInvalidSignature)
	}
	var timestampRaw, signature string
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		switch {
		case strings.HasPrefix(part, schemePrefixTimestamp):
			timestampRaw = strings.TrimPrefix(part, schemePrefixTimestamp)
		case strings.HasPrefix(part, schemePrefixSignature):
			signature = strings.TrimPrefix(part, schemePrefixSignature)
		}
	}
	if timestampRaw == "" || signature == "" {
		return 0, "", fmt.Errorf("%w: malformed signature header", credits.ErrInvalidSignature)
	}
	timestamp, err := strconv.ParseInt(timestampRaw, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: malformed timestamp", credits.ErrInvalidSignature)
	}
	return timestamp, signature, nil
}

func computeSignature(secret []byte, timestamp int64, rawBody []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(rawBody)
	return mac.Sum(nil)
}
