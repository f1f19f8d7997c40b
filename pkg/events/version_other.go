//go:build !darwin

package events

func productVersion() string {
	return ""
}
