package ingest

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var remoteURLRE = regexp.MustCompile(`^(https?://)(([a-zA-Z0-9-]+\.)+[a-zA-Z]{2,})(:[0-9]{1,5})?(/[^\s]*)?$`)

// CheckURL accepts http(s) URLs with a dotted host name, file:// URLs and
// plain filesystem paths.
func CheckURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("empty spec location")
	}
	if _, ok := localPath(raw); ok {
		return nil
	}
	if !remoteURLRE.MatchString(raw) {
		return fmt.Errorf("invalid spec URL %q: expected http(s)://host[:port][/path]", raw)
	}
	return nil
}

// localPath reports whether raw refers to the local filesystem and returns
// the path to read.
func localPath(raw string) (string, bool) {
	if strings.HasPrefix(raw, "file://") {
		u, err := url.Parse(raw)
		if err != nil || u.Path == "" {
			return "", false
		}
		return u.Path, true
	}
	if strings.Contains(raw, "://") {
		return "", false
	}
	return raw, true
}
