package identity

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

var adjectives = [64]string{
	"amber", "azure", "bold", "bright", "calm", "clear", "cool", "coral",
	"crimson", "dark", "deep", "dry", "dusk", "faint", "fast", "firm",
	"gold", "green", "grey", "haze", "iron", "keen", "kind", "late",
	"light", "live", "long", "loud", "low", "mild", "mint", "mist",
	"moss", "near", "new", "next", "north", "odd", "old", "open",
	"pale", "pine", "plain", "proud", "pure", "quick", "quiet", "rare",
	"raw", "red", "rich", "sage", "salt", "sand", "sharp", "shy",
	"silk", "slim", "slow", "soft", "south", "steel", "still", "stone",
}

var nouns = [64]string{
	"ash", "bay", "birch", "bloom", "brook", "cave", "cedar", "cliff",
	"cloud", "coal", "cove", "crane", "creek", "crow", "dawn", "deer",
	"dove", "dune", "dusk", "eagle", "elm", "ember", "fern", "finch",
	"fire", "flint", "fox", "frost", "gale", "glen", "grove", "hawk",
	"haze", "heath", "heron", "hill", "ivy", "jade", "jay", "lake",
	"lark", "leaf", "marsh", "mesa", "moon", "oak", "owl", "peak",
	"pine", "pond", "rain", "reed", "ridge", "rock", "rose", "sage",
	"shade", "shore", "sky", "snow", "star", "storm", "stone", "vale",
}

// Petname derives a deterministic adjective-noun pair from the sha256 of a
// DID. It is the display name of any peer that never announced one.
func Petname(did string) string {
	h := sha256.Sum256([]byte(did))
	return fmt.Sprintf("%s-%s", adjectives[h[0]%64], nouns[h[1]%64])
}

// DisplayName returns configured when it is non-blank and the petname of did
// otherwise.
func DisplayName(did, configured string) string {
	if name := strings.TrimSpace(configured); name != "" {
		return name
	}
	return Petname(did)
}
