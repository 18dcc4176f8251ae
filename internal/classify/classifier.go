package classify

import "venuelink/internal/events"

// Structural marks codes the session handles as state transitions rather
// than plain notifications.
type Structural int

const (
	StructuralNone Structural = iota
	// StructuralConnLost latches the disconnected flag.
	StructuralConnLost
	// StructuralRestoredStateLost clears the latch and forces resubscription.
	StructuralRestoredStateLost
	// StructuralRestoredStateKept clears the latch; subscriptions survived.
	StructuralRestoredStateKept
	// StructuralNotConnected is swallowed before the session is up.
	StructuralNotConnected
)

// Gateway codes with structural meaning.
const (
	CodeConnLost          = 1100
	CodeRestoredStateLost = 1101
	CodeRestoredStateKept = 1102
	CodeNotConnected      = 504
)

// Result describes how an inbound (requestId, code, message) is to be
// handled. The sets are non-exclusive: an invalidating code still carries a
// severity, and structural codes are classified too.
type Result struct {
	Severity events.Severity
	// Surface is false for filtered codes: expected noise during known
	// disconnect storms, never shown to the user.
	Surface bool
	// Invalidate releases any pending response for the id and, when the id
	// maps to a known order, marks that order Invalid.
	Invalidate bool
	// EmptyResult resolves the request as an empty, successful reply.
	EmptyResult bool
	Structural  Structural
}

var fatalCodes = map[int]bool{
	502:  true, // couldn't connect to gateway
	503:  true, // gateway is out of date
	1100: true, // connectivity lost
	1300: true, // socket port reset, session dropped
}

var warningCodes = map[int]bool{
	202:   true, // order cancelled confirmation
	399:   true, // order held / post-trade notice
	404:   true, // shares unavailable for short
	2107:  true, // data farm connection inactive but should be fine
	2109:  true, // order held while route disabled
	10167: true, // delayed data in lieu of real-time
}

var invalidatingCodes = map[int]bool{
	103:   true, // duplicate order id
	110:   true, // price out of range
	161:   true, // cancel in invalid state
	200:   true, // no security definition found
	201:   true, // order rejected
	203:   true, // security not available for this account
	321:   true, // server-side validation failure
	10147: true, // order to cancel not found
}

// Filtered: connection-storm chatter from the data/trading farms. The
// restored codes flood during every gateway restart.
var filteredCodes = map[int]bool{
	2103: true, // market data farm connection broken
	2104: true, // market data farm connection ok
	2105: true, // HMDS farm connection broken
	2106: true, // HMDS farm connection ok
	2108: true, // market data farm inactive
	2157: true, // sec-def farm connection broken
	2158: true, // sec-def farm connection ok
}

// Codes whose "error" really means "no data for this request".
var emptyResultCodes = map[int]bool{
	162: true, // historical market data service error / no data
	165: true, // historical service query returned nothing
}

// Classify maps a remote code to its handling. Message text does not
// participate; the gateway's codes are stable, its texts are not.
func Classify(code int) Result {
	r := Result{Severity: events.SeverityError, Surface: true}

	switch code {
	case CodeConnLost:
		r.Structural = StructuralConnLost
	case CodeRestoredStateLost:
		r.Structural = StructuralRestoredStateLost
		r.Severity = events.SeverityInfo
	case CodeRestoredStateKept:
		r.Structural = StructuralRestoredStateKept
		r.Severity = events.SeverityInfo
	case CodeNotConnected:
		r.Structural = StructuralNotConnected
		r.Surface = false
		return r
	}

	switch {
	case emptyResultCodes[code]:
		r.EmptyResult = true
		r.Surface = false
		r.Severity = events.SeverityInfo
	case filteredCodes[code]:
		r.Surface = false
		r.Severity = events.SeverityInfo
	case invalidatingCodes[code]:
		r.Invalidate = true
		r.Severity = events.SeverityError
	case warningCodes[code]:
		r.Severity = events.SeverityWarning
	case fatalCodes[code]:
		r.Severity = events.SeverityError
	default:
		// Unknown codes surface as warnings; the gateway adds codes
		// faster than clients learn them.
		r.Severity = events.SeverityWarning
	}
	return r
}
