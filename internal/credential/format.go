package credential

import "regexp"

// TokenType classifies an allow-listed token shape.
type TokenType string

const (
	TypePersonal       TokenType = "personal"         // ghp_
	TypeOAuth          TokenType = "oauth"            // gho_
	TypeUserToServer   TokenType = "user-to-server"   // ghu_
	TypeServerToServer TokenType = "server-to-server" // ghs_
	TypeRefresh        TokenType = "refresh"          // ghr_
	TypeFineGrained    TokenType = "fine-grained"     // github_pat_
)

// The allow-list is exact: known prefixes with exact payload lengths and
// alphabets. Anything else is rejected before it can reach the network.
var (
	classicShape     = regexp.MustCompile(`^(ghp|gho|ghu|ghs|ghr)_[A-Za-z0-9]{36}$`)
	fineGrainedShape = regexp.MustCompile(`^github_pat_[A-Za-z0-9_]{82}$`)
)

var classicTypes = map[string]TokenType{
	"ghp": TypePersonal,
	"gho": TypeOAuth,
	"ghu": TypeUserToServer,
	"ghs": TypeServerToServer,
	"ghr": TypeRefresh,
}

// Classify returns the token's type when it matches an allow-listed
// shape, and false otherwise.
func Classify(token string) (TokenType, bool) {
	if m := classicShape.FindStringSubmatch(token); m != nil {
		return classicTypes[m[1]], true
	}
	if fineGrainedShape.MatchString(token) {
		return TypeFineGrained, true
	}
	return "", false
}

// ValidFormat reports whether token matches an allow-listed shape.
func ValidFormat(token string) bool {
	_, ok := Classify(token)
	return ok
}
