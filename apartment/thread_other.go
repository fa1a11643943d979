//go:build !linux

package apartment

// threadID is unavailable here; single-thread apartments fall back to the
// identity carried in the context.
func threadID() int64 {
	return 0
}
