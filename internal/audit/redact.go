package audit

import "regexp"

// sensitiveKeyPattern matches the key names §4.2 requires to be redacted,
// case-insensitively: password|token|secret|api[_-]?key|authorization|
// private[_-]?key.
var sensitiveKeyPattern = regexp.MustCompile(`(?i)^(password|token|secret|api[_-]?key|authorization|private[_-]?key)$`)

// redactedPlaceholder is substituted for every value under a sensitive key.
const redactedPlaceholder = "***"

// Redact returns a deep copy of args with every value under a
// sensitive-looking key replaced by "***". It never mutates args, so the
// caller's original arguments remain intact for the plugin call — this is
// the pure-function design the spec requires in §9 ("Redaction as a pure
// function"). Redact is idempotent: Redact(Redact(x)) == Redact(x), since a
// value already replaced by the literal "***" string redacts to itself.
func Redact(args map[string]interface{}) map[string]interface{} {
	if args == nil {
		return nil
	}
	return redactMap(args).(map[string]interface{})
}

func redactMap(m map[string]interface{}) interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if sensitiveKeyPattern.MatchString(k) {
			out[k] = redactedPlaceholder
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return redactMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = redactValue(item)
		}
		return out
	default:
		return val
	}
}
