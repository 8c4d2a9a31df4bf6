package ratelimit

// CombinedKey couples network origin with claimed subject identity, so an
// abuser cannot escape a per-subject ceiling by rotating addresses, nor a
// per-address ceiling by rotating subjects.
func CombinedKey(originIP, subjectID string) string {
	switch {
	case originIP == "" && subjectID == "":
		return "anonymous"
	case subjectID == "":
		return "ip:" + originIP
	case originIP == "":
		return "subject:" + subjectID
	}
	return "ip:" + originIP + "|subject:" + subjectID
}
