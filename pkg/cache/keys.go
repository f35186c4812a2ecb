package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeText canonicalizes free text before hashing: NFC so
// composed and decomposed accents ("é" vs "e"+combining acute) hash
// identically, Unicode lowercase, trim, and whitespace runs collapsed
// to single spaces. "¿Qué proponen?" and "  ¿qué   proponen? " derive
// the same key.
func NormalizeText(s string) string {
	s = norm.NFC.String(s)
	s = strings.ToLower(s)
	return strings.Join(strings.Fields(s), " ")
}

// HashText returns the hex SHA-256 of s.
func HashText(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// ChatKey derives the chat-cache key for a question asked under the
// given retrieval parameters. Hash covers the normalized question
// alone; ParamsHash additionally binds party filter, topK and minScore
// so the same question with different parameters caches separately.
func ChatKey(question, party string, topK int, minScore float64) Key {
	qnorm := NormalizeText(question)
	p := NormalizeText(party)
	if p == "" {
		p = "all"
	}
	params := qnorm + "|" + p + "|" + strconv.Itoa(topK) + "|" + strconv.FormatFloat(minScore, 'f', -1, 64)
	return Key{
		Hash:       HashText(qnorm),
		ParamsHash: HashText(params),
	}
}

// ComparisonKey derives the comparison-cache key for a topic compared
// across a set of parties. Party order does not matter: slugs are
// normalized, sorted and joined before hashing.
func ComparisonKey(topic string, parties []string) Key {
	slugs := make([]string, 0, len(parties))
	for _, p := range parties {
		if p = NormalizeText(p); p != "" {
			slugs = append(slugs, p)
		}
	}
	sort.Strings(slugs)
	return Key{
		Hash:       HashText(NormalizeText(topic)),
		ParamsHash: HashText(strings.Join(slugs, ",")),
	}
}
