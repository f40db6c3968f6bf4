package learning

import (
	"fmt"

	"github.com/ShayCichocki/vigil/internal/detect"
	"github.com/ShayCichocki/vigil/pkg/models"
)

// remedy is the DO and RESULT of a flag type.
type remedy struct {
	action  string
	outcome string
}

var remedies = map[string]remedy{
	detect.FlagMissingEvidence: {
		"capture every required artifact before reporting the outcome",
		"the evidence record is complete and the claim can be checked",
	},
	detect.FlagInconsistentEvidence: {
		"check screenshots, responses, logs and the DOM for errors before claiming success",
		"the reported outcome agrees with what the evidence shows",
	},
	detect.FlagToolNotCalled: {
		"invoke the tool the test names and record the call",
		"the tool call appears in the evidence",
	},
	detect.FlagWrongToolCalled: {
		"call the exact namespaced tool the test names, not a neighbour",
		"the recorded call matches the expected tool",
	},
	detect.FlagToolResultMissing: {
		"record the result of every tool call",
		"each call has a matching tool_result",
	},
	detect.FlagDurationTooShort: {
		"exercise the real system instead of short-circuiting or mocking it away",
		"the run takes a plausible amount of time",
	},
	detect.FlagDurationBelowAverage: {
		"compare against earlier runs and find what the faster run skipped",
		"the duration is in line with the test's history",
	},
	detect.FlagNoNetworkActivity: {
		"drive the UI so it issues the requests under test",
		"the network trace shows the expected traffic",
	},
	detect.FlagNoDOMMutations: {
		"interact with the page so the DOM actually changes",
		"DOM snapshots show the expected mutations",
	},
	detect.FlagCoverageUnchanged: {
		"assert on code paths the test really executes",
		"coverage grows when the test runs",
	},
	detect.FlagCoverageDecreased: {
		"find which code stopped running and restore it",
		"coverage does not drop",
	},
	detect.FlagCoverageIncreaseInsufficient: {
		"extend the test to exercise the behaviour it claims to cover",
		"coverage grows beyond the minimum for the test type",
	},
}

// FromFlag derives the learning for a red flag raised on a test of the
// given type. Unknown flag types get a generic remedy.
func FromFlag(flag models.RedFlag, testType models.TestType) *CAOTriple {
	r, ok := remedies[flag.FlagType]
	if !ok {
		r = remedy{
			action:  fmt.Sprintf("investigate %s before reporting a pass", flag.FlagType),
			outcome: "the verifier accepts the reported outcome",
		}
	}
	return &CAOTriple{
		Condition: fmt.Sprintf("%s %s test is flagged for %s", article(string(testType)), testTypeName(testType), flag.FlagType),
		Action:    r.action,
		Outcome:   r.outcome,
	}
}

func testTypeName(t models.TestType) string {
	if t == "" {
		return "any"
	}
	return string(t)
}

func article(word string) string {
	if word == "" {
		return "an"
	}
	switch word[0] {
	case 'a', 'e', 'i', 'o':
		return "an"
	}
	return "a"
}
