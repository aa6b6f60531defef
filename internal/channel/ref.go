package channel

import (
	"fmt"
	"strings"
)

// ParseRef splits "scheme:target". The scheme is lower-cased; the target
// is kept verbatim and may itself contain colons.
func ParseRef(ref string) (scheme, target string, err error) {
	ref = strings.TrimSpace(ref)
	i := strings.IndexByte(ref, ':')
	if i <= 0 {
		return "", "", fmt.Errorf("%w: %q has no scheme", ErrUnknownChannel, ref)
	}
	scheme = strings.ToLower(ref[:i])
	target = ref[i+1:]
	if strings.TrimSpace(target) == "" {
		return "", "", fmt.Errorf("%w: %q has no target", ErrBadTarget, ref)
	}
	return scheme, target, nil
}
