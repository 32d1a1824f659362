package logging

import (
	"strconv"

	"go.uber.org/zap"
)

// RedactedString creates a zap field carrying only the value's length.
// Story text and approval feedback go through here so free-form human
// input never lands in logs verbatim.
func RedactedString(key, val string) zap.Field {
	return zap.String(key, "[REDACTED:"+strconv.Itoa(len(val))+"]")
}
