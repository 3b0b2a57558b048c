package scraper

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the closed set of scrape outcomes. Every error surfaced by an
// actor is classified into exactly one kind; the dispatcher matches the set
// exhaustively, so adding a kind without a dispatcher arm is a compile-time
// smell, not a silent retry-forever.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindUnavailable
	KindTimeout
	KindBadProxy
	KindTooBig
	KindRateLimited
	KindChallenge
	KindLiveBroadcast
	KindAgeRestricted
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindUnavailable:
		return "unavailable"
	case KindTimeout:
		return "timeout"
	case KindBadProxy:
		return "bad_proxy"
	case KindTooBig:
		return "too_big"
	case KindRateLimited:
		return "rate_limited"
	case KindChallenge:
		return "challenge"
	case KindLiveBroadcast:
		return "live_broadcast"
	case KindAgeRestricted:
		return "age_restricted"
	default:
		return "unknown"
	}
}

// Failure is the classified error actors raise. Msg is optional detail;
// Err is the underlying cause (may be nil).
type Failure struct {
	Kind Kind
	Msg  string
	Err  error
}

func (f *Failure) Error() string {
	switch {
	case f.Msg != "" && f.Err != nil:
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Msg, f.Err)
	case f.Msg != "":
		return fmt.Sprintf("%s: %s", f.Kind, f.Msg)
	case f.Err != nil:
		return fmt.Sprintf("%s: %v", f.Kind, f.Err)
	default:
		return f.Kind.String()
	}
}

func (f *Failure) Unwrap() error { return f.Err }

// Fail builds a classified failure.
func Fail(kind Kind, msg string) *Failure { return &Failure{Kind: kind, Msg: msg} }

// Wrap classifies an underlying error.
func Wrap(kind Kind, err error) *Failure { return &Failure{Kind: kind, Err: err} }

// Classify maps any error to a Failure; errors not raised as a Failure fall
// into KindUnknown and end up operator-facing.
func Classify(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return &Failure{Kind: KindUnknown, Err: err}
}

// geoblockMarker is the platform string that distinguishes a region block
// inside an otherwise generic error.
const geoblockMarker = "geoblock_required"

// Geoblocked reports whether an unknown failure carries the geoblock marker.
func (f *Failure) Geoblocked() bool {
	if f.Kind != KindUnknown {
		return false
	}
	if strings.Contains(f.Msg, geoblockMarker) {
		return true
	}
	return f.Err != nil && strings.Contains(f.Err.Error(), geoblockMarker)
}

// User-facing messages for terminal outcomes. These are fixed: the
// presentation layer forwards them verbatim.
const (
	msgNotFound = "Unable to access the media under this URL. It looks private or removed."
	msgAllAccs  = "This media is unavailable for all configured service accounts."
	msgTimeout  = "Failed to download this content due to a timeout error. Please check the proxy and timeout settings."
	msgTooBig   = "Unfortunately this file exceeds the delivery size limit and cannot be sent."
	msgLive     = "Live broadcasts are not supported. Please wait until the stream ends."
	msgAgeGate  = "This media is age restricted. Check the service account settings."
	msgGeoAll   = "This content is not accessible for any of the configured accounts. The author may have blocked certain regions."
	msgUnknown  = "An unknown error occurred. Please report the job reference below to the operator."
	msgDelayed  = "The service is currently experiencing technical issues. Delivery may be delayed."
	msgEmpty    = "This link doesn't seem to contain any media."
)
