package attendance

import (
	"crypto/rand"
	"math/big"
	"strings"
	"unicode/utf8"
)

const (
	codeLength       = 8
	codePrefixLength = 4
	codeAlphabet     = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// CodeGenerator produces a candidate token code for a course.
type CodeGenerator func(courseCode string) (string, error)

// RandomCode builds the course prefix (first four characters,
// upper-cased) followed by random alphanumerics, exactly eight
// characters long.
func RandomCode(courseCode string) (string, error) {
	prefix := []rune(strings.ToUpper(courseCode))
	if len(prefix) > codePrefixLength {
		prefix = prefix[:codePrefixLength]
	}
	var b strings.Builder
	b.WriteString(string(prefix))
	for n := len(prefix); n < codeLength; n++ {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeAlphabet))))
		if err != nil {
			return "", err
		}
		b.WriteByte(codeAlphabet[idx.Int64()])
	}
	return b.String(), nil
}

func validCodeShape(code string) bool {
	return utf8.RuneCountInString(code) == codeLength
}
