package gate

import "strings"

// Verdict is a reviewer's final judgment. Unknown blocks synthesis the
// same way fail does; a reviewer is never assumed to have passed.
type Verdict string

const (
	VerdictPass    Verdict = "pass"
	VerdictFail    Verdict = "fail"
	VerdictUnknown Verdict = "unknown"
)

// Fail indicators are matched before pass indicators so phrases like
// "cannot approve" never read as approval.
var failPhrases = []string{
	"fail",
	"blocker",
	"cannot approve",
	"can't approve",
	"do not approve",
	"not approved",
	"rejected",
	"needs work",
	"must fix",
}

var passPhrases = []string{
	"pass",
	"approved",
	"approve",
	"lgtm",
	"looks good",
	"ship it",
	"no issues found",
}

// InferVerdict pattern-matches a reviewer's final message.
func InferVerdict(message string) Verdict {
	lower := strings.ToLower(message)

	for _, phrase := range failPhrases {
		if strings.Contains(lower, phrase) {
			return VerdictFail
		}
	}
	for _, phrase := range passPhrases {
		if strings.Contains(lower, phrase) {
			return VerdictPass
		}
	}
	return VerdictUnknown
}
