package events

import (
	"strconv"

	"github.com/clawnet/claw-node/pkg/protocol"
)

// Amounts travel as unsigned decimal strings; the token is integer
// valued with smallest unit 1.

// ParseAmount parses a wire amount, rejecting signs, blanks, leading
// zeros and overflow.
func ParseAmount(s string) (uint64, *protocol.Error) {
	if s == "" {
		return 0, protocol.Errf(protocol.KindInvalid, protocol.CodeBadPayload, "empty amount")
	}
	if len(s) > 1 && s[0] == '0' {
		return 0, protocol.Errf(protocol.KindInvalid, protocol.CodeBadPayload, "amount has leading zeros: %q", s)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, protocol.Errf(protocol.KindInvalid, protocol.CodeBadPayload, "amount is not an unsigned decimal: %q", s)
		}
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, protocol.Errf(protocol.KindInvalid, protocol.CodeBadPayload, "amount overflows: %q", s)
	}
	return v, nil
}

// ParsePositiveAmount additionally requires the amount to be >= 1.
func ParsePositiveAmount(s string) (uint64, *protocol.Error) {
	v, err := ParseAmount(s)
	if err != nil {
		return 0, err
	}
	if v == 0 {
		return 0, protocol.Errf(protocol.KindInvalid, protocol.CodeBadPayload, "amount must be >= 1")
	}
	return v, nil
}

// FormatAmount renders an internal amount back to its wire form.
func FormatAmount(v uint64) string {
	return strconv.FormatUint(v, 10)
}
