package router

import "regexp"

// RequestClass is the coarse category of an incoming prompt, used for
// specialty matching.
type RequestClass string

const (
	ClassCreative       RequestClass = "creative"
	ClassAnalytical     RequestClass = "analytical"
	ClassTechnical      RequestClass = "technical"
	ClassExplanatory    RequestClass = "explanatory"
	ClassConversational RequestClass = "conversational"
	ClassFactual        RequestClass = "factual"
	ClassGeneral        RequestClass = "general"
)

// classPatterns are probed in order; the first match wins.
var classPatterns = []struct {
	class RequestClass
	re    *regexp.Regexp
}{
	{ClassCreative, regexp.MustCompile(`(?i)\b(write|story|poem|creative|imagine|fiction|lyrics|brainstorm)\b`)},
	{ClassTechnical, regexp.MustCompile(`(?i)\b(code|program|debug|function|algorithm|api|implement|compile|sql)\b`)},
	{ClassAnalytical, regexp.MustCompile(`(?i)\b(analy[sz]e|evaluate|assess|compare|calculate|reason|prove|derive)\b`)},
	{ClassExplanatory, regexp.MustCompile(`(?i)\b(explain|how does|how do|describe|walk me through|teach|define)\b`)},
	{ClassFactual, regexp.MustCompile(`(?i)\b(who|what|when|where|which|list|name|fact)\b`)},
	{ClassConversational, regexp.MustCompile(`(?i)\b(hi|hello|hey|thanks|chat|talk|opinion|feel)\b`)},
}

// Classify maps a prompt to a request class.
func Classify(prompt string) RequestClass {
	for _, cp := range classPatterns {
		if cp.re.MatchString(prompt) {
			return cp.class
		}
	}
	return ClassGeneral
}
