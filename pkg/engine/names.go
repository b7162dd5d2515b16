package engine

import "math/rand/v2"

const (
	letters      = "abcdefghijklmnopqrstuvwxyz"
	alphanumeric = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// GenerateName returns prefix followed by a random letter and 14 random
// lowercase alphanumerics, which keeps names valid as DNS labels.
func GenerateName(prefix string) string {
	b := make([]byte, 15)
	b[0] = letters[rand.IntN(len(letters))]
	for i := 1; i < len(b); i++ {
		b[i] = alphanumeric[rand.IntN(len(alphanumeric))]
	}
	return prefix + string(b)
}
