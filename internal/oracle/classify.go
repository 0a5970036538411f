package oracle

import "regexp"

// recoverablePatterns are the deterministic, case-insensitive regexes
// checked before falling back to the oracle's own assess_recovery
// judgment. Any match yields recoverable=true at confidence 1.0.
var recoverablePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)spending cap reached`),
	regexp.MustCompile(`(?i)rate limit`),
	regexp.MustCompile(`(?i)timed out|timeout`),
	regexp.MustCompile(`(?i)temporar(y|ily)`),
	regexp.MustCompile(`(?i)network`),
	regexp.MustCompile(`(?i)econnreset|enotfound|eai_again`),
	regexp.MustCompile(`(?i)command not found|not found`),
	regexp.MustCompile(`(?i)unsupported engine|requires node|node version`),
}

// IsDeterministicallyRecoverable reports whether errMsg matches one of
// the fixed recoverable-error patterns, without consulting the oracle.
func IsDeterministicallyRecoverable(errMsg string) bool {
	for _, p := range recoverablePatterns {
		if p.MatchString(errMsg) {
			return true
		}
	}
	return false
}

// ContainsSpendingCapNotice reports whether text (stdout or stderr from
// the oracle transport) signals a provider spending-cap rejection.
func ContainsSpendingCapNotice(text string) bool {
	return spendingCapPhrase.MatchString(text)
}

var spendingCapPhrase = regexp.MustCompile(`(?i)spending cap reached`)
